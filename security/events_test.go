package security

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/nhalm/tallykit/store"
)

func TestLogEvent(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()

	tc.LogEvent(ctx, EventXSSAttempt, map[string]string{"field": "comment"})

	events, err := tc.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Events() len = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != EventXSSAttempt || ev.Details["field"] != "comment" || !ev.Timestamp.Equal(tc.clock.Now()) {
		t.Errorf("event = %+v", ev)
	}
	if len(tc.events) != 1 {
		t.Errorf("hook saw %d events, want 1", len(tc.events))
	}
}

func TestLogEvent_Cap(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()

	for i := 0; i < maxEvents+10; i++ {
		tc.LogEvent(ctx, "probe", map[string]string{"n": strconv.Itoa(i)})
	}

	events, _ := tc.Events(ctx)
	if len(events) != maxEvents {
		t.Fatalf("Events() len = %d, want %d", len(events), maxEvents)
	}
	if events[0].Details["n"] != "10" || events[len(events)-1].Details["n"] != "109" {
		t.Errorf("kept events %s..%s, want 10..109", events[0].Details["n"], events[len(events)-1].Details["n"])
	}
}

func TestLogEvent_StoreUnavailable(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	tc.durable.Close()

	tc.LogEvent(ctx, EventCSRFMismatch, nil)
	if len(tc.events) != 1 {
		t.Error("hook should still see the event")
	}
}

func TestAudit(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()

	r, err := tc.Audit(ctx)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if !r.DurableStore || !r.VolatileStore || r.SessionActive || r.CSRFToken {
		t.Errorf("empty Audit() = %+v", r)
	}

	tc.CreateSession(ctx, testUser)
	tc.GenerateCSRFToken(ctx)
	tc.LogEvent(ctx, "probe", nil)

	r, _ = tc.Audit(ctx)
	if !r.SessionActive || !r.CSRFToken || r.RecentEvents != 1 {
		t.Errorf("Audit() = %+v", r)
	}
	if !r.SessionExpires.Equal(tc.clock.Now().Add(DefaultSessionDuration)) {
		t.Errorf("SessionExpires = %v", r.SessionExpires)
	}

	var stored AuditReport
	if ok, err := store.GetJSON(ctx, tc.durable, "security_audit", &stored); err != nil || !ok {
		t.Fatalf("security_audit not stored: %v", err)
	}
	if !stored.SessionActive {
		t.Error("stored report should match")
	}

	tc.clock.Advance(DefaultSessionDuration + time.Minute)
	r, _ = tc.Audit(ctx)
	if r.SessionActive {
		t.Error("expired session should not count as active")
	}
	if !tc.has(t, tc.durable, "user_session") {
		t.Error("Audit must not modify the session")
	}
}

func TestAudit_VolatileUnavailable(t *testing.T) {
	tc := newTestController(t)
	tc.volatile.Close()

	r, err := tc.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if r.VolatileStore || !r.DurableStore {
		t.Errorf("Audit() = %+v", r)
	}
}

func TestCheckInput(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()

	if err := tc.CheckInput(ctx, "name", "Gamma case"); err != nil {
		t.Errorf("CheckInput() safe value error = %v", err)
	}

	err := tc.CheckInput(ctx, "comment", `<img src=x onerror="alert(1)">`)
	if !errors.Is(err, ErrXSSDetected) {
		t.Fatalf("CheckInput() error = %v, want ErrXSSDetected", err)
	}
	if len(tc.events) != 1 || tc.events[0].Details["field"] != "comment" {
		t.Errorf("events = %+v", tc.events)
	}
}
