package tallykit_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/tallykit"
	"github.com/nhalm/tallykit/counter"
	"github.com/nhalm/tallykit/giveaway"
	"github.com/nhalm/tallykit/security"
	"github.com/nhalm/tallykit/store"
)

func ExampleHandler() {
	r := chi.NewRouter()
	r.Use(tallykit.Handler())

	r.Get("/", func(_ http.ResponseWriter, r *http.Request) {
		tallykit.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	fmt.Print(rec.Code, " ", rec.Body.String())
	// Output: 200 {"status":"ok"}
}

func ExampleSetError() {
	h := tallykit.Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		tallykit.SetError(r, tallykit.ErrNotFound.With("Counter not found"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	fmt.Print(rec.Code, " ", rec.Body.String())
	// Output: 404 {"error":{"type":"not_found","code":"resource_not_found","message":"Counter not found"}}
}

func ExampleNewRateLimiter() {
	durable, volatile := store.NewMemory(), store.NewMemory()
	defer durable.Close()
	defer volatile.Close()

	ctl := security.New(durable, volatile)
	login := tallykit.NewRateLimiter(ctl, "login", 5, time.Minute)

	r := chi.NewRouter()
	r.Use(tallykit.Handler())
	r.Use(tallykit.NewScoper(durable, volatile).Handler)
	r.With(login.Handler).Post("/login", func(_ http.ResponseWriter, r *http.Request) {
		tallykit.SetResponse(r, http.StatusNoContent, nil)
	})
}

func ExampleNewRouter() {
	durable, volatile := store.NewMemory(), store.NewMemory()
	defer durable.Close()
	defer volatile.Close()

	engine := counter.New(nil, durable, volatile)
	engine.Initialize(context.Background())

	router := tallykit.NewRouter(tallykit.Services{
		Engine:   engine,
		Security: security.New(durable, volatile),
		Picker:   giveaway.NewPicker(nil),
		Durable:  durable,
		Volatile: volatile,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/counters/home/hits", http.NoBody)
	req.Header.Set(tallykit.DeviceHeader, "6f1c2a4e-8b0d-4c5e-9a7f-1d2e3f405162")
	req.Header.Set(tallykit.TabHeader, "0a9b8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	fmt.Print(rec.Body.String())
	// Output: {"counter_id":"home","value":1,"counted":true,"mode":"local_only"}
}
