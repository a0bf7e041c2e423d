package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// SyncReport summarizes one Sync sweep.
type SyncReport struct {
	Scanned  int `json:"scanned"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Writes is the number of remote writes the sweep performed.
func (r SyncReport) Writes() int {
	return r.Inserted + r.Updated
}

// Sync pushes local page-counter mirrors to the remote store. A counter missing
// remotely is inserted; one whose local value is ahead is overwritten. Remote
// values are never decreased, so repeated or concurrent sweeps are harmless.
//
// Sync is a no-op unless the engine is remote-backed. Click counters are not
// swept. Per-counter failures are counted and the sweep continues; the returned
// error joins them.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if e.Mode() != ModeRemoteBacked {
		return report, nil
	}

	keys, err := e.local.Keys(ctx, e.prefix)
	if err != nil {
		return report, fmt.Errorf("list local counters: %w", err)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		id := strings.TrimPrefix(key, e.prefix)
		if id == "" ||
			strings.HasPrefix(id, clickPrefix) ||
			strings.HasSuffix(id, detailsSuffix) ||
			strings.HasSuffix(id, historySuffix) {
			continue
		}

		if err := e.syncKey(ctx, key, id, &report); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("sync %s: %w", id, err))
		}
	}

	if report.Writes() > 0 || report.Failed > 0 {
		e.logger.Info("counter sync finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("inserted", report.Inserted),
			zap.Int("updated", report.Updated),
			zap.Int("failed", report.Failed),
		)
	}
	return report, errors.Join(errs...)
}

// syncKey pushes one mirror to the remote store while holding its key lock, so
// an increment cannot land between the remote read and the write.
func (e *Engine) syncKey(ctx context.Context, key, id string, report *SyncReport) error {
	unlock := e.keys.lock(key)
	defer unlock()

	raw, ok, err := e.local.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	local, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || local < 0 {
		return nil
	}
	report.Scanned++

	t := e.pageTarget(id, Options{PageName: e.storedName(ctx, key)})
	rv, found, err := e.remoteGet(ctx, t)
	switch {
	case err != nil:
		return err
	case !found:
		if err := e.remoteInsert(ctx, t, local); err != nil {
			return err
		}
		report.Inserted++
	case local > rv:
		if err := e.remoteUpdate(ctx, t, local); err != nil {
			return err
		}
		report.Updated++
	}
	return nil
}

func (e *Engine) storedName(ctx context.Context, key string) string {
	var d details
	if ok, err := store.GetJSON(ctx, e.local, key+detailsSuffix, &d); err != nil || !ok {
		return ""
	}
	return d.Name
}

// RunSync runs Sync opportunistically: once immediately, once after delay, and
// once for every value received on nudge (for example when a visitor returns to
// the page). It returns when ctx is done.
func (e *Engine) RunSync(ctx context.Context, delay time.Duration, nudge <-chan struct{}) {
	e.syncLogged(ctx, "load")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.syncLogged(ctx, "delayed")
		case _, ok := <-nudge:
			if !ok {
				nudge = nil
				continue
			}
			e.syncLogged(ctx, "nudge")
		}
	}
}

func (e *Engine) syncLogged(ctx context.Context, trigger string) {
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Warn("counter sync failed", zap.String("trigger", trigger), zap.Error(err))
	}
}
