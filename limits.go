package tallykit

import (
	"mime"
	"net/http"
	"slices"
	"strings"
)

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds maxBytes are rejected with 413 before the
// handler runs. Every body is also wrapped with http.MaxBytesReader, so chunked
// uploads that overrun the limit fail during JSON decoding with the same 413.
//
//	r.Use(tallykit.MaxBodySize(64 << 10))
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				fail(w, r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireContentType returns middleware that rejects requests carrying a body
// whose media type is not in allowed. Bodiless requests pass through. Matching
// ignores case and parameters such as charset.
//
//	r.With(tallykit.RequireContentType("application/json")).Post("/v1/sessions", h)
func RequireContentType(allowed ...string) func(http.Handler) http.Handler {
	for i := range allowed {
		allowed[i] = strings.ToLower(allowed[i])
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || !slices.Contains(allowed, mediaType) {
				fail(w, r, ErrUnsupportedMediaType.WithParam("Content-Type must be one of: "+strings.Join(allowed, ", "), "Content-Type"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
