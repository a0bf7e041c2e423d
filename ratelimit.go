// Rate limiting middleware over the security controller's fixed-window buckets.
//
// Buckets live in the volatile store of the request's browsing context, so each
// tab is limited independently. RateLimitWithIP adds a second bucket per client
// address that survives a client dropping or rotating its tab id. Every response carries RateLimit-Limit,
// RateLimit-Remaining and RateLimit-Reset headers (configurable), and denied
// requests get 429 with Retry-After.
//
//	login := tallykit.NewRateLimiter(ctl, "login", 5, time.Minute)
//	r.With(login.Handler).Post("/v1/sessions", h)

package tallykit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/tallykit/security"
	"github.com/nhalm/tallykit/store"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers. Retry-After is
	// still sent on 429.
	RateLimitHeadersNever
)

// RateLimiter limits one action per browsing context.
type RateLimiter struct {
	ctl        *security.Controller
	action     string
	limit      int
	window     time.Duration
	endpoint   bool
	headerMode RateLimitHeaderMode
	metrics    *Metrics

	ipStore store.Store
	ipLimit int
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithEndpoint appends the route pattern to the action, giving each
// route its own bucket when one limiter guards several.
func RateLimitWithEndpoint() RateLimitOption {
	return func(l *RateLimiter) {
		l.endpoint = true
	}
}

// RateLimitWithIP also limits action per client IP address (from RemoteAddr)
// to limit requests per window, keeping the buckets in volatile under an
// "ip:" prefix. A request is denied when either bucket is exhausted. Behind a
// proxy, run chi's middleware.RealIP first so RemoteAddr holds the client.
func RateLimitWithIP(volatile store.Store, limit int) RateLimitOption {
	return func(l *RateLimiter) {
		l.ipStore = volatile
		l.ipLimit = limit
	}
}

// RateLimitWithMetrics counts denials on m.
func RateLimitWithMetrics(m *Metrics) RateLimitOption {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

// NewRateLimiter creates a limiter admitting limit requests per window for action.
// Panics if action is empty or limit or window is not positive.
func NewRateLimiter(ctl *security.Controller, action string, limit int, window time.Duration, opts ...RateLimitOption) *RateLimiter {
	if action == "" || limit <= 0 || window <= 0 {
		panic("ratelimit: action, limit and window are required")
	}
	l := &RateLimiter{
		ctl:        ctl,
		action:     action,
		limit:      limit,
		window:     window,
		headerMode: RateLimitHeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ipStore != nil && l.ipLimit <= 0 {
		panic("ratelimit: ip limit must be positive")
	}
	return l
}

// Handler returns the rate limiting middleware. Must run after Scoper.Handler.
// Returns 503 when the volatile store cannot be read.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped, ok := controllerFor(r, l.ctl)
		if !ok {
			fail(w, r, ErrInternal)
			return
		}

		action := l.action
		if l.endpoint {
			action += ":" + r.Method + ":" + routePattern(r)
		}

		rl, err := scoped.CheckRateLimit(r.Context(), action, l.limit, l.window)
		if err == nil && rl.Allowed && l.ipStore != nil {
			sc, _ := ScopeFromContext(r.Context())
			ip := clientIP(r)
			byIP := l.ctl.Scoped(sc.Durable, store.Scoped(l.ipStore, "ip:"+ip+":"))
			var ipRL security.RateLimit
			ipRL, err = byIP.CheckRateLimit(r.Context(), action, l.ipLimit, l.window)
			if err == nil && (!ipRL.Allowed || ipRL.Remaining < rl.Remaining) {
				rl = ipRL
			}
		}
		if err != nil {
			if errors.Is(err, security.ErrInvalidLimit) {
				fail(w, r, ErrInternal)
				return
			}
			logError(r.Context(), err)
			fail(w, r, ErrServiceUnavailable.With("Rate limit check failed"))
			return
		}

		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && !rl.Allowed) {
			setHeader(w, r, "RateLimit-Limit", strconv.Itoa(rl.Limit))
			setHeader(w, r, "RateLimit-Remaining", strconv.Itoa(rl.Remaining))
			setHeader(w, r, "RateLimit-Reset", strconv.FormatInt(rl.Reset.Unix(), 10))
		}

		if !rl.Allowed {
			setHeader(w, r, "Retry-After", strconv.Itoa(int(rl.RetryAfter/time.Second)))
			l.metrics.observeDenial(l.action)
			logField(r.Context(), "rate_limited", l.action)
			fail(w, r, ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s", rl.Limit, l.window)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
