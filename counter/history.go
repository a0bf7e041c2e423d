package counter

import (
	"context"
	"time"

	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// HistoryEntry is one recorded increment.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Referrer  string    `json:"referrer,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

type details struct {
	Name        string    `json:"page_name"`
	URL         string    `json:"url,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// History returns the recorded increments of counterID, oldest first.
func (e *Engine) History(ctx context.Context, counterID string) ([]HistoryEntry, error) {
	if err := checkID(counterID); err != nil {
		return nil, err
	}
	return e.readHistory(ctx, e.prefix+counterID+historySuffix)
}

// ClickHistory returns the recorded clicks of buttonID, oldest first.
func (e *Engine) ClickHistory(ctx context.Context, buttonID string) ([]HistoryEntry, error) {
	if err := checkID(buttonID); err != nil {
		return nil, err
	}
	return e.readHistory(ctx, e.prefix+clickPrefix+buttonID+historySuffix)
}

func (e *Engine) readHistory(ctx context.Context, key string) ([]HistoryEntry, error) {
	var h []HistoryEntry
	if _, err := store.GetJSON(ctx, e.local, key, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// appendHistory records the event, keeping only the newest historyCap entries.
// Failures are logged and otherwise ignored. Callers hold the key lock.
func (e *Engine) appendHistory(ctx context.Context, t target) {
	key := t.key + historySuffix
	h, err := e.readHistory(ctx, key)
	if err != nil {
		h = nil
	}
	ev := t.event
	ev.Timestamp = e.now()
	h = append(h, ev)
	if len(h) > t.historyCap {
		h = h[len(h)-t.historyCap:]
	}
	if err := store.SetJSON(ctx, e.local, key, h); err != nil {
		e.logger.Debug("could not record counter history", zap.String("counter_id", t.id), zap.Error(err))
	}
}
