// Package remote defines the network-reachable table store that holds the
// authoritative (but unreliable) copy of page counters, click counters and
// giveaway winners, along with SQL, REST and in-memory implementations.
//
// Every call may fail for network, auth or validation reasons. Callers are
// expected to degrade rather than propagate those failures.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a point read finds no row.
	ErrNotFound = errors.New("remote: record not found")

	// ErrConflict is returned when an insert collides with an existing row.
	ErrConflict = errors.New("remote: record already exists")
)

// PageCounter is a row of the page_counters table.
type PageCounter struct {
	ID          string    `json:"id"`
	PageName    string    `json:"page_name"`
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// ClickCounter is a row of the click_counters table.
type ClickCounter struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	ClickCount int64     `json:"click_count"`
	LastClick  time.Time `json:"last_click"`
}

// Winner is a row of the giveaway_winners table.
type Winner struct {
	GiveawayID string    `json:"giveaway_id"`
	UserID     string    `json:"user_id"`
	WonAt      time.Time `json:"won_at"`
}

// Store is the remote table store contract.
type Store interface {
	// Ping performs a cheap read used to decide whether the store is reachable.
	Ping(ctx context.Context) error

	GetPageCounter(ctx context.Context, id string) (PageCounter, error)
	InsertPageCounter(ctx context.Context, c PageCounter) error
	UpdatePageCounter(ctx context.Context, c PageCounter) error

	GetClickCounter(ctx context.Context, id string) (ClickCounter, error)
	InsertClickCounter(ctx context.Context, c ClickCounter) error
	UpdateClickCounter(ctx context.Context, c ClickCounter) error

	InsertWinner(ctx context.Context, w Winner) error
}
