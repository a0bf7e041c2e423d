package security

import (
	"context"
	"time"

	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// Security event types.
const (
	EventCSRFMismatch      = "csrf_mismatch"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventXSSAttempt        = "xss_attempt"
	EventSessionMismatch   = "session_mismatch"
	EventCaptchaFailed     = "captcha_failed"
)

// Event is one recorded security event.
type Event struct {
	Type      string            `json:"type"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// LogEvent records a security event in the durable store, keeping the newest
// 100, and logs it. Recording is best effort.
func (c *Controller) LogEvent(ctx context.Context, eventType string, details map[string]string) {
	ev := Event{Type: eventType, Details: details, Timestamp: c.now()}

	fields := []zap.Field{zap.String("event", eventType)}
	for k, v := range details {
		fields = append(fields, zap.String(k, v))
	}
	c.logger.Warn("security event", fields...)

	if c.onEvent != nil {
		c.onEvent(ev)
	}

	events, err := c.Events(ctx)
	if err != nil {
		events = nil
	}
	events = append(events, ev)
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	if err := store.SetJSON(ctx, c.durable, keyEvents, events); err != nil {
		c.logger.Debug("could not record security event", zap.Error(err))
	}
}

// Events returns the recorded security events, oldest first.
func (c *Controller) Events(ctx context.Context) ([]Event, error) {
	var events []Event
	if _, err := store.GetJSON(ctx, c.durable, keyEvents, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// AuditReport summarizes the security state of one browsing context.
type AuditReport struct {
	Timestamp      time.Time `json:"timestamp"`
	DurableStore   bool      `json:"durable_store"`
	VolatileStore  bool      `json:"volatile_store"`
	SessionActive  bool      `json:"session_active"`
	SessionExpires time.Time `json:"session_expires,omitzero"`
	CSRFToken      bool      `json:"csrf_token"`
	RecentEvents   int       `json:"recent_events"`
}

// Audit probes both stores, inspects the session and CSRF state without
// modifying them, and stores the report under security_audit.
func (c *Controller) Audit(ctx context.Context) (AuditReport, error) {
	r := AuditReport{
		Timestamp:     c.now(),
		DurableStore:  c.durable.Probe(ctx) == nil,
		VolatileStore: c.volatile.Probe(ctx) == nil,
	}

	var s Session
	if ok, err := store.GetJSON(ctx, c.durable, keySession, &s); err == nil && ok && !r.Timestamp.After(s.Expires) {
		r.SessionActive = true
		r.SessionExpires = s.Expires
	}
	if _, ok, err := c.durable.Get(ctx, keyCSRFToken); err == nil && ok {
		r.CSRFToken = true
	}
	if events, err := c.Events(ctx); err == nil {
		r.RecentEvents = len(events)
	}

	if !r.DurableStore {
		c.logger.Warn("durable store unavailable during audit")
		return r, nil
	}
	if err := store.SetJSON(ctx, c.durable, keyAudit, r); err != nil {
		return r, err
	}
	return r, nil
}
