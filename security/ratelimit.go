package security

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nhalm/tallykit/store"
)

// RateLimit is the outcome of one CheckRateLimit call.
type RateLimit struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set on denial, rounded up to whole seconds.
	RetryAfter time.Duration
	Reset      time.Time
}

// bucket is the volatile rate-limit record. ResetTime is in Unix milliseconds.
type bucket struct {
	Count     int   `json:"count"`
	ResetTime int64 `json:"resetTime"`
}

// CheckRateLimit admits or denies one occurrence of action using a fixed window
// of length interval holding at most limit occurrences.
//
// A missing bucket or one whose window has passed starts a new window. Because
// windows are fixed, a burst straddling a window boundary can admit up to
// 2*limit occurrences in a short span.
func (c *Controller) CheckRateLimit(ctx context.Context, action string, limit int, interval time.Duration) (RateLimit, error) {
	if action == "" || limit <= 0 || interval <= 0 {
		return RateLimit{}, ErrInvalidLimit
	}
	key := rateLimitPrefix + action
	nowMs := c.now().UnixMilli()

	var b bucket
	ok, err := store.GetJSON(ctx, c.volatile, key, &b)
	if err != nil {
		return RateLimit{}, fmt.Errorf("load rate limit %s: %w", action, err)
	}
	if !ok || nowMs > b.ResetTime {
		b = bucket{Count: 0, ResetTime: nowMs + interval.Milliseconds()}
	}

	res := RateLimit{Limit: limit, Reset: time.UnixMilli(b.ResetTime)}
	if b.Count >= limit {
		secs := (b.ResetTime - nowMs + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		res.RetryAfter = time.Duration(secs) * time.Second
		c.LogEvent(ctx, EventRateLimitExceeded, map[string]string{
			"action":      action,
			"retry_after": strconv.FormatInt(secs, 10),
		})
		return res, nil
	}

	b.Count++
	if err := store.SetJSON(ctx, c.volatile, key, b); err != nil {
		return RateLimit{}, fmt.Errorf("store rate limit %s: %w", action, err)
	}
	res.Allowed = true
	res.Remaining = limit - b.Count
	return res, nil
}

// ResetRateLimit clears the bucket for action.
func (c *Controller) ResetRateLimit(ctx context.Context, action string) error {
	return c.volatile.Delete(ctx, rateLimitPrefix+action)
}
