package sanitize_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nhalm/tallykit/sanitize"
)

const panicBody = `panic: runtime error
	at main.handler()
	goroutine 1 [running]:
	main.go:42 +0x123`

func serve(t *testing.T, mw func(http.Handler) http.Handler, status int, body string) *httptest.ResponseRecorder {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		if body != "" {
			w.Write([]byte(body))
		}
	})
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", http.NoBody))
	return rec
}

func TestResponses(t *testing.T) {
	tests := []struct {
		name       string
		opts       []sanitize.ResponseOption
		status     int
		body       string
		mustHave   []string
		mustNotHave []string
		exact      string
	}{
		{
			name:     "success untouched",
			status:   http.StatusOK,
			body:     "success with /path/to/file.go:123",
			mustHave: []string{"/path/to/file.go:123"},
		},
		{
			name:     "redirect untouched",
			status:   http.StatusMovedPermanently,
			body:     "redirecting to /app/file.go:123",
			mustHave: []string{"/app/file.go:123"},
		},
		{
			name:       "stack trace stripped",
			status:     http.StatusInternalServerError,
			body:       panicBody,
			mustNotHave: []string{"goroutine", "main.go:42"},
		},
		{
			name:       "file path stripped from 4xx",
			status:     http.StatusBadRequest,
			body:       "validation failed at /app/validator.go:42",
			mustNotHave: []string{"validator.go"},
		},
		{
			name:       "windows path stripped",
			status:     http.StatusInternalServerError,
			body:       `error at C:\Users\app\handlers\api.go:156`,
			mustNotHave: []string{`C:\Users`, "api.go"},
		},
		{
			name:     "stack traces kept when disabled",
			opts:     []sanitize.ResponseOption{sanitize.WithStackTraces(false)},
			status:   http.StatusInternalServerError,
			body:     panicBody,
			mustHave: []string{"goroutine", "at main.handler()"},
		},
		{
			name:     "file paths kept when disabled",
			opts:     []sanitize.ResponseOption{sanitize.WithFilePaths(false)},
			status:   http.StatusInternalServerError,
			body:     "error at /usr/local/app/handlers/api.go:156",
			mustHave: []string{"/usr/local/app", "api.go:156"},
		},
		{
			name:     "custom replacement",
			opts:     []sanitize.ResponseOption{sanitize.WithReplacement("Service temporarily unavailable")},
			status:   http.StatusInternalServerError,
			body:     "/usr/local/app/handlers/api.go:156",
			mustHave: []string{"Service temporarily unavailable"},
		},
		{
			name:   "empty body gets replacement",
			status: http.StatusInternalServerError,
			exact:  "Internal Server Error",
		},
		{
			name:     "json error body kept",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"type":"rate_limit_error","code":"rate_limited"}}`,
			mustHave: []string{`"rate_limit_error"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, sanitize.Responses(tt.opts...), tt.status, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			body := rec.Body.String()
			for _, s := range tt.mustHave {
				if !strings.Contains(body, s) {
					t.Errorf("body %q should contain %q", body, s)
				}
			}
			for _, s := range tt.mustNotHave {
				if strings.Contains(body, s) {
					t.Errorf("body %q should not contain %q", body, s)
				}
			}
			if tt.exact != "" && body != tt.exact {
				t.Errorf("body = %q, want %q", body, tt.exact)
			}
		})
	}
}

func TestScrub(t *testing.T) {
	cfg := sanitize.ResponseConfig{StripStackTraces: true, StripFilePaths: true, Replacement: "oops"}
	if got := sanitize.Scrub("/app/main.go:42", cfg); got != "oops" {
		t.Errorf("Scrub() = %q, want oops", got)
	}
	if got := sanitize.Scrub("  not found  ", cfg); got != "not found" {
		t.Errorf("Scrub() = %q, want trimmed body", got)
	}
}
