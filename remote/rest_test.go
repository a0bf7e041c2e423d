package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestREST_GetPageCounter(t *testing.T) {
	var gotQuery, gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/rest/v1/page_counters" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("id") == "eq.home" {
			w.Write([]byte(`[{"id":"home","page_name":"Home","count":12,"last_updated":"2026-03-01T12:00:00Z"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	r := NewREST(RESTConfig{BaseURL: srv.URL, APIKey: "anon-key"})
	got, err := r.GetPageCounter(context.Background(), "home")
	if err != nil {
		t.Fatalf("GetPageCounter() error = %v", err)
	}
	if got.Count != 12 || got.PageName != "Home" {
		t.Errorf("GetPageCounter() = %+v", got)
	}
	if gotKey != "anon-key" || gotAuth != "Bearer anon-key" {
		t.Errorf("auth headers = %q, %q", gotKey, gotAuth)
	}
	if gotQuery == "" {
		t.Error("expected id filter in query")
	}

	if _, err := r.GetPageCounter(context.Background(), "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPageCounter(other) error = %v, want ErrNotFound", err)
	}
}

func TestREST_InsertConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505"}`))
	}))
	defer srv.Close()

	r := NewREST(RESTConfig{BaseURL: srv.URL})
	err := r.InsertPageCounter(context.Background(), PageCounter{ID: "home", Count: 1})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("InsertPageCounter() error = %v, want ErrConflict", err)
	}
}

func TestREST_Update(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("id") == "eq.home" {
			w.Write([]byte(`[{"id":"home"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	r := NewREST(RESTConfig{BaseURL: srv.URL})
	ctx := context.Background()

	if err := r.UpdatePageCounter(ctx, PageCounter{ID: "home", Count: 5, LastUpdated: time.Now()}); err != nil {
		t.Fatalf("UpdatePageCounter() error = %v", err)
	}
	if body["count"] != float64(5) {
		t.Errorf("patched count = %v, want 5", body["count"])
	}

	if err := r.UpdateClickCounter(ctx, ClickCounter{ID: "gone", ClickCount: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateClickCounter(gone) error = %v, want ErrNotFound", err)
	}
}

func TestREST_PingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := NewREST(RESTConfig{BaseURL: srv.URL}).Ping(context.Background()); err == nil {
		t.Error("expected error for 401")
	}
}

func TestREST_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := NewREST(RESTConfig{BaseURL: url, Timeout: time.Second})
	if err := r.Ping(context.Background()); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestMemory_FaultInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	down := errors.New("network down")

	m.FailOn(func(op string) error {
		if op == "UpdatePageCounter" {
			return down
		}
		return nil
	})

	if err := m.InsertPageCounter(ctx, PageCounter{ID: "a", Count: 1}); err != nil {
		t.Fatalf("InsertPageCounter() error = %v", err)
	}
	if err := m.UpdatePageCounter(ctx, PageCounter{ID: "a", Count: 2}); !errors.Is(err, down) {
		t.Errorf("UpdatePageCounter() error = %v, want %v", err, down)
	}

	m.FailWith(down)
	if err := m.Ping(ctx); !errors.Is(err, down) {
		t.Errorf("Ping() error = %v", err)
	}
	m.FailWith(nil)
	m.FailOn(nil)

	if got := m.Writes(); got != 1 {
		t.Errorf("Writes() = %d, want 1", got)
	}
}
