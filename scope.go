package tallykit

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/nhalm/tallykit/store"
)

// Browsing-context headers. A device id identifies a browser profile and scopes
// durable state; a tab id identifies one tab within it and scopes volatile state.
const (
	DeviceHeader = "X-Device-ID"
	TabHeader    = "X-Tab-ID"
)

type scopeContextKey string

const scopeKey scopeContextKey = "tallykit_scope"

// Scope is the browsing context of a request.
type Scope struct {
	DeviceID string
	TabID    string
	// Durable is the device's durable store.
	Durable store.Store
	// Volatile is the tab's volatile store.
	Volatile store.Store
	// NewTab is set when the tab id was issued on this request.
	NewTab bool
}

// Scoper resolves the browsing context of each request.
type Scoper struct {
	durable  store.Store
	volatile store.Store
	onNewTab func(Scope)
}

// ScopeOption configures a Scoper.
type ScopeOption func(*Scoper)

// ScopeOnNewTab registers fn to run whenever a tab id is issued.
func ScopeOnNewTab(fn func(Scope)) ScopeOption {
	return func(s *Scoper) {
		s.onNewTab = fn
	}
}

// NewScoper creates a Scoper that partitions durable by device and volatile by
// device and tab.
func NewScoper(durable, volatile store.Store, opts ...ScopeOption) *Scoper {
	s := &Scoper{durable: durable, volatile: volatile}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler reads X-Device-ID and X-Tab-ID, issuing new UUIDs for missing ones
// and echoing both in the response, and stores the resulting Scope in the
// request context. A malformed id is rejected with 400.
//
//	r.Use(scoper.Handler)
//	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
//		sc, _ := tallykit.ScopeFromContext(r.Context())
//		sc.Volatile.Set(r.Context(), "seen", "1")
//	})
func (s *Scoper) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, _, err := extractID(r, DeviceHeader)
		if err != nil {
			fail(w, r, ErrBadRequest.WithParam("Invalid "+DeviceHeader+" header", DeviceHeader))
			return
		}
		tabID, issued, err := extractID(r, TabHeader)
		if err != nil {
			fail(w, r, ErrBadRequest.WithParam("Invalid "+TabHeader+" header", TabHeader))
			return
		}

		setHeader(w, r, DeviceHeader, deviceID)
		setHeader(w, r, TabHeader, tabID)

		sc := Scope{
			DeviceID: deviceID,
			TabID:    tabID,
			Durable:  store.Scoped(s.durable, "device:"+deviceID+":"),
			Volatile: store.Scoped(s.volatile, "tab:"+deviceID+":"+tabID+":"),
			NewTab:   issued,
		}
		if issued && s.onNewTab != nil {
			s.onNewTab(sc)
		}

		ctx := context.WithValue(r.Context(), scopeKey, sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractID returns the canonical form of the UUID in header, or a fresh one
// when the header is absent.
func extractID(r *http.Request, header string) (string, bool, error) {
	val := r.Header.Get(header)
	if val == "" {
		return uuid.NewString(), true, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return "", false, err
	}
	return id.String(), false, nil
}

// ScopeFromContext returns the Scope stored by Scoper.Handler.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	sc, ok := ctx.Value(scopeKey).(Scope)
	return sc, ok
}
