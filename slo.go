package tallykit

import (
	"context"
	"net/http"
	"time"
)

// SLOTier classifies a route by the latency its callers expect.
type SLOTier string

const (
	// SLOCounter covers hit and click recording, which sit on page loads: 100ms.
	SLOCounter SLOTier = "counter"

	// SLOSecurity covers session, CSRF and captcha routes: 250ms.
	SLOSecurity SLOTier = "security"

	// SLOAdmin covers sync sweeps and giveaway draws, which talk to the
	// remote store for every item: 5s.
	SLOAdmin SLOTier = "admin"

	sloCustom SLOTier = "custom"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOCounter:  100 * time.Millisecond,
	SLOSecurity: 250 * time.Millisecond,
	SLOAdmin:    5 * time.Second,
}

type sloKey struct{}

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// SLO tags requests with tier and its latency target. Handler(WithSLOs())
// reports whether each tagged request met it.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	return withSLO(tier, sloTargets[tier])
}

// SLOWithTarget tags requests with a custom latency target under the
// "custom" tier.
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return withSLO(sloCustom, target)
}

func withSLO(tier SLOTier, target time.Duration) func(http.Handler) http.Handler {
	cfg := &sloConfig{tier: tier, target: target}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Handler sits outside this middleware and only sees the shared state.
			if state := getState(r.Context()); state != nil {
				state.mu.Lock()
				state.slo = cfg
				state.mu.Unlock()
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sloKey{}, cfg)))
		})
	}
}

// GetSLO returns the tier and target set by SLO or SLOWithTarget.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloKey{}).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}

// sloStatus is "PASS" when d is within target.
func sloStatus(d, target time.Duration) string {
	if d > target {
		return "FAIL"
	}
	return "PASS"
}
