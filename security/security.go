// Package security implements the session and admission controller: session
// lifecycle, CSRF tokens, fixed-window rate limits, CAPTCHA challenges, security
// event logging and input validation.
//
// State is split across two stores. The durable store holds records that outlive
// a browsing context (the session record, the authoritative CSRF token, events);
// the volatile store holds per-tab state (the session id copy, rate-limit
// buckets, the CAPTCHA challenge). One Controller is shared by the process and
// Scoped returns a view bound to a particular pair of stores:
//
//	ctl := security.New(durable, volatile, security.WithLogger(logger))
//	view := ctl.Scoped(deviceStore, tabStore)
//	id, err := view.CreateSession(ctx, security.User{ID: "u1", Username: "ada"})
package security

import (
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// Durable store keys.
const (
	keySession     = "user_session"
	keyCSRFToken   = "csrf_token"
	keyCSRFExpires = "csrf_token_expires"
	keyEvents      = "security_events"
	keyAudit       = "security_audit"
)

// Volatile store keys and prefixes.
const (
	keySessionID    = "session_id"
	rateLimitPrefix = "rate_limit_"
	captchaPrefix   = "captcha_"
	keyCaptchaHash  = captchaPrefix + "hash"
	keyCaptchaText  = captchaPrefix + "text"
	keyCaptchaTime  = captchaPrefix + "time"
)

const (
	DefaultSessionDuration = 24 * time.Hour
	DefaultCSRFTTL         = time.Hour
	DefaultCaptchaTTL      = 5 * time.Minute

	// renewalThreshold is the fraction of the session lifetime, measured from
	// creation, before which a successful validation slides the expiry forward.
	renewalThreshold = 0.8
	maxEvents        = 100
)

var (
	ErrNoSession       = errors.New("security: no session")
	ErrSessionExpired  = errors.New("security: session expired")
	ErrSessionMismatch = errors.New("security: session id mismatch")
	ErrXSSDetected     = errors.New("security: unsafe input")
	ErrInvalidLimit    = errors.New("security: invalid rate limit")
)

type settings struct {
	sessionDuration time.Duration
	csrfTTL         time.Duration
	captchaTTL      time.Duration
	now             func() time.Time
	random          io.Reader
	logger          *zap.Logger
	onEvent         func(Event)
}

// Controller is the session and admission controller bound to one durable and
// one volatile store. Views created with Scoped share configuration.
type Controller struct {
	*settings
	durable  store.Store
	volatile store.Store
}

// Option configures a Controller.
type Option func(*settings)

// WithSessionDuration sets the session lifetime (default: 24h).
func WithSessionDuration(d time.Duration) Option {
	return func(s *settings) {
		s.sessionDuration = d
	}
}

// WithCSRFTTL sets how long a CSRF token stays valid (default: 1h).
func WithCSRFTTL(d time.Duration) Option {
	return func(s *settings) {
		s.csrfTTL = d
	}
}

// WithCaptchaTTL sets how long a CAPTCHA challenge can be answered (default: 5m).
func WithCaptchaTTL(d time.Duration) Option {
	return func(s *settings) {
		s.captchaTTL = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithRandom replaces crypto/rand.Reader as the entropy source for session ids,
// CSRF tokens and CAPTCHA text.
func WithRandom(r io.Reader) Option {
	return func(s *settings) {
		s.random = r
	}
}

// WithLogger sets the logger used for security events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithEventHook registers fn to be called for every logged security event.
func WithEventHook(fn func(Event)) Option {
	return func(s *settings) {
		s.onEvent = fn
	}
}

// New creates a Controller over the given stores.
func New(durable, volatile store.Store, opts ...Option) *Controller {
	s := &settings{
		sessionDuration: DefaultSessionDuration,
		csrfTTL:         DefaultCSRFTTL,
		captchaTTL:      DefaultCaptchaTTL,
		now:             time.Now,
		random:          rand.Reader,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Controller{settings: s, durable: durable, volatile: volatile}
}

// Scoped returns a view of the controller over different stores.
func (c *Controller) Scoped(durable, volatile store.Store) *Controller {
	return &Controller{settings: c.settings, durable: durable, volatile: volatile}
}
