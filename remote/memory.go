package remote

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store. It supports fault injection and counts writes,
// which makes it the remote double for engine and picker tests.
type Memory struct {
	mu      sync.Mutex
	pages   map[string]PageCounter
	clicks  map[string]ClickCounter
	winners []Winner
	fail    error
	failFn  func(op string) error
	writes  int
}

// NewMemory creates an empty in-memory remote store.
func NewMemory() *Memory {
	return &Memory{
		pages:  make(map[string]PageCounter),
		clicks: make(map[string]ClickCounter),
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// FailOn installs a per-operation fault hook. Operation names match method names.
func (m *Memory) FailOn(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// Writes returns the number of successful inserts and updates.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Winners returns a copy of the persisted winners.
func (m *Memory) Winners() []Winner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Winner(nil), m.winners...)
}

func (m *Memory) check(op string) error {
	if m.fail != nil {
		return fmt.Errorf("%s: %w", op, m.fail)
	}
	if m.failFn != nil {
		if err := m.failFn(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("Ping")
}

func (m *Memory) GetPageCounter(_ context.Context, id string) (PageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetPageCounter"); err != nil {
		return PageCounter{}, err
	}
	c, ok := m.pages[id]
	if !ok {
		return PageCounter{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) InsertPageCounter(_ context.Context, c PageCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("InsertPageCounter"); err != nil {
		return err
	}
	if _, ok := m.pages[c.ID]; ok {
		return fmt.Errorf("insert page counter %s: %w", c.ID, ErrConflict)
	}
	m.pages[c.ID] = c
	m.writes++
	return nil
}

func (m *Memory) UpdatePageCounter(_ context.Context, c PageCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UpdatePageCounter"); err != nil {
		return err
	}
	old, ok := m.pages[c.ID]
	if !ok {
		return fmt.Errorf("update page counter %s: %w", c.ID, ErrNotFound)
	}
	old.Count = c.Count
	old.LastUpdated = c.LastUpdated
	m.pages[c.ID] = old
	m.writes++
	return nil
}

func (m *Memory) GetClickCounter(_ context.Context, id string) (ClickCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetClickCounter"); err != nil {
		return ClickCounter{}, err
	}
	c, ok := m.clicks[id]
	if !ok {
		return ClickCounter{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) InsertClickCounter(_ context.Context, c ClickCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("InsertClickCounter"); err != nil {
		return err
	}
	if _, ok := m.clicks[c.ID]; ok {
		return fmt.Errorf("insert click counter %s: %w", c.ID, ErrConflict)
	}
	m.clicks[c.ID] = c
	m.writes++
	return nil
}

func (m *Memory) UpdateClickCounter(_ context.Context, c ClickCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UpdateClickCounter"); err != nil {
		return err
	}
	old, ok := m.clicks[c.ID]
	if !ok {
		return fmt.Errorf("update click counter %s: %w", c.ID, ErrNotFound)
	}
	old.ClickCount = c.ClickCount
	old.LastClick = c.LastClick
	m.clicks[c.ID] = old
	m.writes++
	return nil
}

func (m *Memory) InsertWinner(_ context.Context, w Winner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("InsertWinner"); err != nil {
		return err
	}
	m.winners = append(m.winners, w)
	m.writes++
	return nil
}
