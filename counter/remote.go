package counter

import (
	"context"
	"errors"

	"github.com/nhalm/tallykit/remote"
)

// remoteGet reads the remote count for t. found is false when no row exists.
func (e *Engine) remoteGet(ctx context.Context, t target) (int64, bool, error) {
	var (
		n   int64
		err error
	)
	switch t.kind {
	case kindClick:
		var c remote.ClickCounter
		c, err = e.remote.GetClickCounter(ctx, t.id)
		n = c.ClickCount
	default:
		var c remote.PageCounter
		c, err = e.remote.GetPageCounter(ctx, t.id)
		n = c.Count
	}
	if errors.Is(err, remote.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (e *Engine) remoteInsert(ctx context.Context, t target, n int64) error {
	now := e.now()
	if t.kind == kindClick {
		return e.remote.InsertClickCounter(ctx, remote.ClickCounter{
			ID: t.id, Name: t.name, URL: t.url, ClickCount: n, LastClick: now,
		})
	}
	return e.remote.InsertPageCounter(ctx, remote.PageCounter{
		ID: t.id, PageName: t.name, Count: n, LastUpdated: now,
	})
}

func (e *Engine) remoteUpdate(ctx context.Context, t target, n int64) error {
	now := e.now()
	if t.kind == kindClick {
		return e.remote.UpdateClickCounter(ctx, remote.ClickCounter{
			ID: t.id, Name: t.name, URL: t.url, ClickCount: n, LastClick: now,
		})
	}
	return e.remote.UpdatePageCounter(ctx, remote.PageCounter{
		ID: t.id, PageName: t.name, Count: n, LastUpdated: now,
	})
}

// remoteIncrement performs the read-modify-write: insert at 1 when absent,
// otherwise write count+1. A lost insert race falls back to the update path.
func (e *Engine) remoteIncrement(ctx context.Context, t target) (int64, error) {
	cur, found, err := e.remoteGet(ctx, t)
	if err != nil {
		return 0, err
	}
	if !found {
		err := e.remoteInsert(ctx, t, 1)
		if !errors.Is(err, remote.ErrConflict) {
			return 1, err
		}
		cur, _, err = e.remoteGet(ctx, t)
		if err != nil {
			return 0, err
		}
	}
	next := cur + 1
	if err := e.remoteUpdate(ctx, t, next); err != nil {
		return 0, err
	}
	return next, nil
}
