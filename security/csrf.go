package security

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"
)

const csrfTokenBytes = 32

// GenerateCSRFToken creates a fresh token, stores it durably with an expiry and
// redundantly in the volatile store, and returns it.
func (c *Controller) GenerateCSRFToken(ctx context.Context) (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := io.ReadFull(c.random, b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := hex.EncodeToString(b)
	expires := c.now().Add(c.csrfTTL).UnixMilli()

	if err := c.durable.Set(ctx, keyCSRFToken, token); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	if err := c.durable.Set(ctx, keyCSRFExpires, strconv.FormatInt(expires, 10)); err != nil {
		return "", fmt.Errorf("store csrf expiry: %w", err)
	}
	if err := c.volatile.Set(ctx, keyCSRFToken, token); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	return token, nil
}

// VerifyCSRFToken reports whether token matches a live CSRF token. The durable
// token must exist and be unexpired; the supplied token is then accepted if it
// equals either the durable or the volatile copy.
func (c *Controller) VerifyCSRFToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	stored, ok, err := c.durable.Get(ctx, keyCSRFToken)
	if err != nil || !ok {
		return false
	}
	raw, ok, err := c.durable.Get(ctx, keyCSRFExpires)
	if err != nil || !ok {
		return false
	}
	expires, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || c.now().After(time.UnixMilli(expires)) {
		return false
	}

	if constantEqual(token, stored) {
		return true
	}
	if tabCopy, ok, err := c.volatile.Get(ctx, keyCSRFToken); err == nil && ok && constantEqual(token, tabCopy) {
		return true
	}
	c.LogEvent(ctx, EventCSRFMismatch, nil)
	return false
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
