package tallykit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	metrics        *Metrics
	slos           bool
}

// WithCanonlog enables canonical logging: one log line per request carrying
// method, path, route, status, duration_ms, any error set with SetError, and
// whatever the handlers added with canonlog.InfoAdd.
func WithCanonlog() HandlerOption {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry. fn runs at request
// start, before the handler.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithMetrics records request counts and durations by route and status.
func WithMetrics(m *Metrics) HandlerOption {
	return func(c *config) {
		c.metrics = m
	}
}

// WithSLOs reports, for requests tagged with SLO or SLOWithTarget, whether
// they finished within their target. The result goes to the canonical log
// line as slo_class and slo_status, and to the metrics when WithMetrics is set.
func WithSLOs() HandlerOption {
	return func(c *config) {
		c.slos = true
	}
}

// Handler returns middleware that manages response state and writes responses.
// Panics in downstream handlers become 500 responses.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)
			start := time.Now()

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				state.mu.Lock()
				slo := state.slo
				status := state.status
				if status == 0 {
					status = http.StatusOK
				}
				if state.err != nil {
					status = state.err.Status
				}
				apiErr := state.err
				state.mu.Unlock()

				duration := time.Since(start)
				route := routePattern(r)

				if cfg.metrics != nil {
					cfg.metrics.observeRequest(route, status, duration)
				}

				var sloTier SLOTier
				var sloResult string
				if cfg.slos && slo != nil {
					sloTier, sloResult = slo.tier, sloStatus(duration, slo.target)
					cfg.metrics.observeSLO(sloTier, sloResult)
				}

				if cfg.canonlog {
					if apiErr != nil {
						canonlog.ErrorAdd(ctx, apiErr)
					}
					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": duration.Milliseconds(),
					})
					if sloResult != "" {
						canonlog.InfoAdd(ctx, "slo_class", string(sloTier))
						canonlog.InfoAdd(ctx, "slo_status", sloResult)
					}
					canonlog.Flush(ctx)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
		return
	}

	if state.body != nil {
		writeJSON(w, state.status, state.body)
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// logField adds a field to the request's canonical log line when one exists.
func logField(ctx context.Context, key string, value any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
