// Package giveaway draws giveaway winners without replacement using a
// cryptographically strong random source and persists each winner.
package giveaway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/nhalm/tallykit/remote"
	"go.uber.org/zap"
)

var ErrNoGiveaway = errors.New("giveaway: empty giveaway id")

// WinnerStore persists drawn winners. remote.Store satisfies it.
type WinnerStore interface {
	InsertWinner(ctx context.Context, w remote.Winner) error
}

// Failure is a winner that was drawn but could not be persisted.
type Failure struct {
	UserID string `json:"user_id"`
	Err    error  `json:"-"`
}

// Draw is the outcome of one selection. Winners lists every drawn participant
// in draw order, persisted or not; Failed lists those whose persistence failed.
type Draw struct {
	GiveawayID string          `json:"giveaway_id"`
	Winners    []remote.Winner `json:"winners"`
	Failed     []Failure       `json:"failed,omitempty"`
}

// Picker selects winners.
type Picker struct {
	store  WinnerStore
	random io.Reader
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Picker.
type Option func(*Picker)

// WithRandom replaces crypto/rand.Reader.
func WithRandom(r io.Reader) Option {
	return func(p *Picker) {
		p.random = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Picker) {
		p.now = now
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Picker) {
		p.logger = logger
	}
}

// NewPicker creates a Picker. st may be nil, in which case winners are drawn but
// not persisted.
func NewPicker(st WinnerStore, opts ...Option) *Picker {
	p := &Picker{
		store:  st,
		random: rand.Reader,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Draw selects k distinct winners from participants. Repeated ids count once,
// and k is clamped to [0, number of distinct participants]. Each draw picks a uniform index over the remaining
// candidates and removes it. Every winner is persisted on its own; a failed
// write is recorded in Draw.Failed and the remaining draws continue.
//
// An error is returned only for an empty giveaway id or when the random source
// fails, in which case the winners drawn so far are returned with it.
func (p *Picker) Draw(ctx context.Context, giveawayID string, participants []string, k int) (Draw, error) {
	d := Draw{GiveawayID: giveawayID}
	if giveawayID == "" {
		return d, ErrNoGiveaway
	}
	pool := distinct(participants)
	k = min(max(k, 0), len(pool))

	for i := 0; i < k; i++ {
		n, err := rand.Int(p.random, big.NewInt(int64(len(pool))))
		if err != nil {
			return d, fmt.Errorf("draw winner %d: %w", i+1, err)
		}
		idx := int(n.Int64())
		userID := pool[idx]
		pool[idx] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]

		w := remote.Winner{GiveawayID: giveawayID, UserID: userID, WonAt: p.now()}
		d.Winners = append(d.Winners, w)
		if err := p.persist(ctx, w); err != nil {
			p.logger.Warn("could not save giveaway winner",
				zap.String("giveaway_id", giveawayID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			d.Failed = append(d.Failed, Failure{UserID: userID, Err: err})
		}
	}

	p.logger.Info("giveaway drawn",
		zap.String("giveaway_id", giveawayID),
		zap.Int("participants", len(participants)),
		zap.Int("winners", len(d.Winners)),
		zap.Int("failed", len(d.Failed)),
	)
	return d, nil
}

// distinct returns a copy of ids without repeats, in first-seen order.
func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (p *Picker) persist(ctx context.Context, w remote.Winner) error {
	if p.store == nil {
		return nil
	}
	return p.store.InsertWinner(ctx, w)
}
