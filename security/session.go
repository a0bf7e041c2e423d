package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// User is the identity attached to a session.
type User struct {
	ID       string `json:"id" validate:"required,max=128"`
	Username string `json:"username" validate:"required,username"`
	Email    string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Role     string `json:"role,omitempty" validate:"omitempty,oneof=admin moderator user"`
}

// Session is the durable session record.
type Session struct {
	ID           string    `json:"id"`
	User         User      `json:"user"`
	Created      time.Time `json:"created"`
	Expires      time.Time `json:"expires"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateSession starts a session for user, replacing any existing one. The full
// record goes to the durable store; only the id goes to the volatile store.
func (c *Controller) CreateSession(ctx context.Context, user User) (string, error) {
	if err := ValidateUser(user); err != nil {
		return "", err
	}
	id, err := c.newSessionID()
	if err != nil {
		return "", err
	}
	now := c.now()
	s := Session{
		ID:           id,
		User:         user,
		Created:      now,
		Expires:      now.Add(c.sessionDuration),
		LastActivity: now,
	}
	if err := store.SetJSON(ctx, c.durable, keySession, s); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if err := c.volatile.Set(ctx, keySessionID, id); err != nil {
		return "", fmt.Errorf("store session id: %w", err)
	}
	c.logger.Debug("session created")
	return id, nil
}

func (c *Controller) newSessionID() (string, error) {
	u, err := uuid.NewRandomFromReader(c.random)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "sess_" + strings.ReplaceAll(u.String(), "-", ""), nil
}

// ValidateSession checks the current session and returns it.
//
// An expired session, or one whose volatile id copy does not match the durable
// record, is destroyed as a side effect. On success the last activity time is
// refreshed, and while the session is less than 80% through its lifetime
// (measured from creation) the expiry slides to now + duration.
func (c *Controller) ValidateSession(ctx context.Context) (Session, error) {
	var s Session
	ok, err := store.GetJSON(ctx, c.durable, keySession, &s)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Session{}, ErrNoSession
	}

	now := c.now()
	if now.After(s.Expires) {
		c.destroyQuietly(ctx)
		return Session{}, ErrSessionExpired
	}

	id, _, err := c.volatile.Get(ctx, keySessionID)
	if err != nil {
		return Session{}, fmt.Errorf("load session id: %w", err)
	}
	if id != s.ID {
		c.LogEvent(ctx, EventSessionMismatch, nil)
		c.destroyQuietly(ctx)
		return Session{}, ErrSessionMismatch
	}

	s.LastActivity = now
	if now.Sub(s.Created) < time.Duration(float64(c.sessionDuration)*renewalThreshold) {
		s.Expires = now.Add(c.sessionDuration)
	}
	if err := store.SetJSON(ctx, c.durable, keySession, s); err != nil {
		return s, fmt.Errorf("refresh session: %w", err)
	}
	return s, nil
}

// DestroySession tears down all session state: the durable record, both CSRF
// token copies, the volatile session id, and every rate-limit and CAPTCHA key.
func (c *Controller) DestroySession(ctx context.Context) error {
	var errs []error
	for _, key := range []string{keySession, keyCSRFToken, keyCSRFExpires} {
		if err := c.durable.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range []string{keySessionID, keyCSRFToken} {
		if err := c.volatile.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, prefix := range []string{rateLimitPrefix, captchaPrefix} {
		if err := store.DeletePrefix(ctx, c.volatile, prefix); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

func (c *Controller) destroyQuietly(ctx context.Context) {
	if err := c.DestroySession(ctx); err != nil {
		c.logger.Warn("session teardown incomplete", zap.Error(err))
	}
}
