package tallykit

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/nhalm/tallykit/security"
)

type authContextKey string

const (
	apiKeyKey  authContextKey = "api_key"
	sessionKey authContextKey = "session"
)

// CSRFHeader carries the CSRF token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// controllerFor returns ctl scoped to the request's browsing context.
func controllerFor(r *http.Request, ctl *security.Controller) (*security.Controller, bool) {
	sc, ok := ScopeFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return ctl.Scoped(sc.Durable, sc.Volatile), true
}

// RequireSession returns middleware that admits only requests whose browsing
// context holds a valid session. Must run after Scoper.Handler.
// Missing or tampered sessions get 401 session_required, expired sessions get
// 401 session_expired. The validated Session is available through
// SessionFromContext.
//
//	r.With(tallykit.RequireSession(ctl)).Get("/v1/session", h)
func RequireSession(ctl *security.Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scoped, ok := controllerFor(r, ctl)
			if !ok {
				fail(w, r, ErrInternal)
				return
			}

			sess, err := scoped.ValidateSession(r.Context())
			switch {
			case err == nil:
			case errors.Is(err, security.ErrNoSession), errors.Is(err, security.ErrSessionMismatch):
				fail(w, r, ErrSessionRequired)
				return
			case errors.Is(err, security.ErrSessionExpired):
				fail(w, r, ErrSessionExpired)
				return
			default:
				logError(r.Context(), err)
				fail(w, r, ErrServiceUnavailable.With("Session store unavailable"))
				return
			}

			logField(r.Context(), "user_id", sess.User.ID)
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the Session validated by RequireSession.
func SessionFromContext(ctx context.Context) (security.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(security.Session)
	return sess, ok
}

// RequireCSRF returns middleware that rejects requests whose X-CSRF-Token header
// does not verify against the browsing context's current token. Must run after
// Scoper.Handler.
func RequireCSRF(ctl *security.Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scoped, ok := controllerFor(r, ctl)
			if !ok {
				fail(w, r, ErrInternal)
				return
			}
			if !scoped.VerifyCSRFToken(r.Context(), r.Header.Get(CSRFHeader)) {
				fail(w, r, ErrCSRFInvalid.WithParam(ErrCSRFInvalid.Message, CSRFHeader))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyValidator validates an API key and returns true if valid.
// Validators are called concurrently and must be safe for concurrent use.
type APIKeyValidator func(key string) bool

// StaticAPIKey returns a validator accepting exactly want, compared in
// constant time. An empty want rejects every key.
func StaticAPIKey(want string) APIKeyValidator {
	return func(key string) bool {
		return want != "" && subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1
	}
}

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
// Default is "X-API-Key".
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// APIKey returns middleware that validates API keys from a header.
// Returns 401 if the key is missing or invalid. Guards the operator routes.
//
//	r.With(tallykit.APIKey(tallykit.StaticAPIKey(cfg.AdminAPIKey))).Post("/v1/giveaways/{id}/draw", h)
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)
			if key == "" {
				fail(w, r, ErrUnauthorized.With("Missing API key"))
				return
			}
			if !cfg.validator(key) {
				fail(w, r, ErrUnauthorized.With("Invalid API key"))
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext returns the API key validated by APIKey.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}
