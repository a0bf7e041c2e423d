package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	captchaLength = 6
	// captchaAlphabet omits characters that are easy to confuse (0/O, 1/I/L).
	captchaAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// Captcha is a generated challenge. Rendering Text is left to the caller.
type Captcha struct {
	Text    string    `json:"text"`
	Expires time.Time `json:"expires"`
}

// GenerateCaptcha creates a new challenge for the current tab, replacing any
// previous one.
func (c *Controller) GenerateCaptcha(ctx context.Context) (Captcha, error) {
	var sb strings.Builder
	size := big.NewInt(int64(len(captchaAlphabet)))
	for i := 0; i < captchaLength; i++ {
		n, err := rand.Int(c.random, size)
		if err != nil {
			return Captcha{}, fmt.Errorf("generate captcha: %w", err)
		}
		sb.WriteByte(captchaAlphabet[n.Int64()])
	}
	text := sb.String()
	now := c.now()

	for key, value := range map[string]string{
		keyCaptchaHash: captchaHash(text),
		keyCaptchaText: text,
		keyCaptchaTime: strconv.FormatInt(now.UnixMilli(), 10),
	} {
		if err := c.volatile.Set(ctx, key, value); err != nil {
			return Captcha{}, fmt.Errorf("store captcha: %w", err)
		}
	}
	return Captcha{Text: text, Expires: now.Add(c.captchaTTL)}, nil
}

// VerifyCaptcha checks answer against the current challenge, ignoring case and
// surrounding space. A challenge can be solved once; an expired challenge is
// discarded.
func (c *Controller) VerifyCaptcha(ctx context.Context, answer string) bool {
	hash, ok, err := c.volatile.Get(ctx, keyCaptchaHash)
	if err != nil || !ok {
		return false
	}
	raw, ok, err := c.volatile.Get(ctx, keyCaptchaTime)
	if err != nil || !ok {
		return false
	}
	created, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || c.now().Sub(time.UnixMilli(created)) > c.captchaTTL {
		c.clearCaptcha(ctx)
		return false
	}

	if !constantEqual(captchaHash(answer), hash) {
		c.LogEvent(ctx, EventCaptchaFailed, nil)
		return false
	}
	// A challenge that cannot be consumed could be replayed.
	return c.clearCaptcha(ctx) == nil
}

func (c *Controller) clearCaptcha(ctx context.Context) error {
	var first error
	for _, key := range []string{keyCaptchaHash, keyCaptchaText, keyCaptchaTime} {
		if err := c.volatile.Delete(ctx, key); err != nil {
			c.logger.Warn("could not clear captcha", zap.String("key", key), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func captchaHash(s string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}
