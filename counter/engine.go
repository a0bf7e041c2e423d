// Package counter implements the dual-store counter reconciliation engine.
//
// Every counter lives in two places: a fallible remote table store and a durable
// local mirror. Reads and writes reconcile the two by taking the maximum, so a
// displayed count never goes down even when the stores drift apart. When the
// remote store is unreachable at initialization the engine runs local-only.
//
// Lifecycle:
//
//	Uninitialized -> Initializing -> RemoteBacked
//	                              -> LocalOnly
//
// Increments submitted before initialization completes are applied locally at
// once and queued; Initialize drains the queue in submission order.
//
//	eng := counter.New(remoteStore, durable, tab, counter.WithLogger(logger))
//	go eng.Initialize(ctx)
//	res, _ := eng.Increment(ctx, "home", counter.Options{PageName: "Home"})
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nhalm/tallykit/remote"
	"github.com/nhalm/tallykit/store"
	"go.uber.org/zap"
)

// Mode is the engine's initialization state.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeInitializing
	ModeRemoteBacked
	ModeLocalOnly
)

func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeInitializing:
		return "initializing"
	case ModeRemoteBacked:
		return "remote_backed"
	case ModeLocalOnly:
		return "local_only"
	default:
		return "unknown"
	}
}

const (
	// DefaultPrefix namespaces counter mirrors in the durable store.
	DefaultPrefix = "page_counter_"

	visitedPrefix   = "counter_visited_"
	clickPrefix     = "click_"
	detailsSuffix   = "_details"
	historySuffix   = "_history"
	pageHistoryCap  = 100
	clickHistoryCap = 50
)

var (
	// ErrEmptyID is returned when a counter or button id is empty.
	ErrEmptyID = errors.New("counter: empty id")

	// ErrInvalidID is returned for ids that would share keys with another
	// counter's records: ids starting with "click_" or ending in "_details" or
	// "_history".
	ErrInvalidID = errors.New("counter: reserved id")
)

func checkID(id string) error {
	switch {
	case id == "":
		return ErrEmptyID
	case strings.HasPrefix(id, clickPrefix),
		strings.HasSuffix(id, detailsSuffix),
		strings.HasSuffix(id, historySuffix):
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Options describes the page view being counted.
type Options struct {
	PageName  string
	Referrer  string
	UserAgent string
}

// ClickOptions describes the button click being counted.
type ClickOptions struct {
	Name      string
	URL       string
	Referrer  string
	UserAgent string
}

// Result is the outcome of a counter operation. Value is always usable: when a
// store failed, Degraded is set, Err holds the first failure, and Value is the
// best value the remaining store could provide.
type Result struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
	Counted   bool   `json:"counted"`
	Queued    bool   `json:"queued,omitempty"`
	Mode      Mode   `json:"-"`
	Degraded  bool   `json:"degraded,omitempty"`
	Err       error  `json:"-"`
}

func (r *Result) degrade(err error) {
	if err == nil {
		return
	}
	r.Degraded = true
	if r.Err == nil {
		r.Err = err
	}
}

type kind int

const (
	kindPage kind = iota
	kindClick
)

// target identifies one counter and the metadata of the event being recorded.
type target struct {
	kind       kind
	id         string
	key        string
	historyCap int
	name       string
	url        string
	event      HistoryEntry
}

type pendingIncrement struct {
	target     target
	local      store.Store
	tab        store.Store
	localValue int64
}

// core is the state shared by every scoped view of an engine.
type core struct {
	mu       sync.Mutex
	mode     Mode
	pending  []pendingIncrement
	initDone chan struct{}

	// keys serializes the read-modify-write of each counter across the
	// remote store, the mirror and the history.
	keys keyLocks

	remote remote.Store
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Engine is the counter reconciliation engine bound to one durable (local) store
// and one volatile (tab) store. Views created with Scoped share mode and queue.
type Engine struct {
	*core
	local store.Store
	tab   store.Store
}

// Option configures an Engine.
type Option func(*core)

// WithPrefix sets the durable-store key prefix (default: DefaultPrefix).
func WithPrefix(prefix string) Option {
	return func(c *core) {
		c.prefix = prefix
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		c.now = now
	}
}

// WithLogger sets the logger used for fallback and degradation warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(c *core) {
		c.logger = logger
	}
}

// New creates an uninitialized engine. rs may be nil, in which case Initialize
// always settles in ModeLocalOnly.
func New(rs remote.Store, local, tab store.Store, opts ...Option) *Engine {
	c := &core{
		mode:     ModeUninitialized,
		initDone: make(chan struct{}),
		remote:   rs,
		prefix:   DefaultPrefix,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Engine{core: c, local: local, tab: tab}
}

// Scoped returns a view of the engine over different local and tab stores.
// The view shares the engine's mode and pending queue.
func (e *Engine) Scoped(local, tab store.Store) *Engine {
	return &Engine{core: e.core, local: local, tab: tab}
}

// Mode returns the current state.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Done is closed once initialization has finished and the queue is drained.
func (e *Engine) Done() <-chan struct{} {
	return e.initDone
}

// Initialize probes the stores, settles the mode and drains pending increments
// in FIFO order, one at a time. Calling it again returns the settled mode;
// concurrent callers wait for the first one to finish.
func (e *Engine) Initialize(ctx context.Context) Mode {
	e.mu.Lock()
	switch e.mode {
	case ModeRemoteBacked, ModeLocalOnly:
		m := e.mode
		e.mu.Unlock()
		return m
	case ModeInitializing:
		e.mu.Unlock()
		select {
		case <-e.initDone:
		case <-ctx.Done():
		}
		return e.Mode()
	}
	e.mode = ModeInitializing
	e.mu.Unlock()

	if err := e.local.Probe(ctx); err != nil {
		e.logger.Warn("local store unavailable, counts will not persist", zap.Error(err))
	}

	settled := ModeLocalOnly
	switch {
	case e.remote == nil:
		e.logger.Info("no remote store configured, running local-only")
	default:
		if err := e.remote.Ping(ctx); err != nil {
			e.logger.Warn("remote store unreachable, falling back to local-only", zap.Error(err))
		} else {
			settled = ModeRemoteBacked
		}
	}

	drained := 0
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mode = settled
			close(e.initDone)
			e.mu.Unlock()
			break
		}
		p := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		view := e.Scoped(p.local, p.tab)
		res := Result{CounterID: p.target.id, Value: p.localValue, Counted: true, Mode: settled}
		view.reconcile(ctx, p.target, settled, &res)
		drained++
	}

	e.logger.Info("counter engine initialized",
		zap.Stringer("mode", settled),
		zap.Int("drained", drained),
	)
	return settled
}

// Increment counts one page view for counterID, at most once per tab.
//
// Before initialization completes the increment is applied to the local mirror,
// queued for the remote store, and the local value is returned immediately; the
// remote write has not happened when Increment returns. When the tab already
// counted this counter, the reconciled value is returned with Counted false.
func (e *Engine) Increment(ctx context.Context, counterID string, opts Options) (Result, error) {
	if err := checkID(counterID); err != nil {
		return Result{}, err
	}
	return e.increment(ctx, e.pageTarget(counterID, opts))
}

// Value returns the reconciled value of counterID: max(remote, local) when
// remote-backed, the local mirror otherwise or when the remote read fails.
func (e *Engine) Value(ctx context.Context, counterID string) (Result, error) {
	if err := checkID(counterID); err != nil {
		return Result{}, err
	}
	return e.value(ctx, e.pageTarget(counterID, Options{})), nil
}

// Click counts one click of buttonID. Clicks follow the same merge and fallback
// policy as page counters, are not limited per tab, and are not swept by Sync.
func (e *Engine) Click(ctx context.Context, buttonID string, opts ClickOptions) (Result, error) {
	if err := checkID(buttonID); err != nil {
		return Result{}, err
	}
	return e.increment(ctx, e.clickTarget(buttonID, opts))
}

// ClickValue returns the reconciled click count of buttonID.
func (e *Engine) ClickValue(ctx context.Context, buttonID string) (Result, error) {
	if err := checkID(buttonID); err != nil {
		return Result{}, err
	}
	return e.value(ctx, e.clickTarget(buttonID, ClickOptions{})), nil
}

func (e *Engine) pageTarget(id string, opts Options) target {
	name := opts.PageName
	if name == "" {
		name = id
	}
	return target{
		kind:       kindPage,
		id:         id,
		key:        e.prefix + id,
		historyCap: pageHistoryCap,
		name:       name,
		event:      HistoryEntry{Referrer: opts.Referrer, UserAgent: opts.UserAgent},
	}
}

func (e *Engine) clickTarget(id string, opts ClickOptions) target {
	name := opts.Name
	if name == "" {
		name = id
	}
	return target{
		kind:       kindClick,
		id:         id,
		key:        e.prefix + clickPrefix + id,
		historyCap: clickHistoryCap,
		name:       name,
		url:        opts.URL,
		event:      HistoryEntry{Referrer: opts.Referrer, UserAgent: opts.UserAgent},
	}
}

func (e *Engine) increment(ctx context.Context, t target) (Result, error) {
	unlock := e.keys.lock(t.key)
	if e.visited(ctx, t) {
		unlock()
		res := e.value(ctx, t)
		res.Counted = false
		return res, nil
	}

	mode := e.Mode()
	if mode == ModeUninitialized || mode == ModeInitializing {
		v, err := e.localIncrement(ctx, t)
		res := Result{CounterID: t.id, Value: v, Counted: err == nil, Queued: err == nil, Mode: mode}
		res.degrade(err)
		if err == nil {
			e.markVisited(ctx, t)
		}
		unlock()
		if err != nil {
			return res, nil
		}
		return e.enqueue(ctx, t, res), nil
	}
	defer unlock()

	res := Result{CounterID: t.id, Mode: mode}
	var remoteValue int64
	if mode == ModeRemoteBacked {
		v, err := e.remoteIncrement(ctx, t)
		if err != nil {
			e.logger.Warn("remote increment failed, using local value",
				zap.String("counter_id", t.id), zap.Error(err))
			res.degrade(err)
		} else {
			remoteValue = v
			res.Counted = true
		}
	}

	localValue, err := e.localIncrement(ctx, t)
	if err != nil {
		e.logger.Warn("local increment failed, mirror left untouched",
			zap.String("counter_id", t.id), zap.Error(err))
		res.degrade(err)
	} else {
		res.Counted = true
	}
	res.Value = max(remoteValue, localValue)
	if res.Value > localValue && (err == nil || errors.Is(err, store.ErrNotInteger)) {
		res.degrade(e.raiseMirror(ctx, t.key, res.Value))
	}

	if !res.Counted {
		return res, nil
	}
	e.markVisited(ctx, t)
	e.appendHistory(ctx, t)
	return res, nil
}

// enqueue hands a locally applied increment to Initialize. When initialization
// settled while the local half ran, the increment is reconciled here instead.
func (e *Engine) enqueue(ctx context.Context, t target, res Result) Result {
	e.mu.Lock()
	if e.mode == ModeUninitialized || e.mode == ModeInitializing {
		e.pending = append(e.pending, pendingIncrement{
			target:     t,
			local:      e.local,
			tab:        e.tab,
			localValue: res.Value,
		})
		e.mu.Unlock()
		return res
	}
	settled := e.mode
	e.mu.Unlock()

	res.Queued = false
	res.Mode = settled
	e.reconcile(ctx, t, settled, &res)
	return res
}

// reconcile finishes an increment whose local half already ran.
func (e *Engine) reconcile(ctx context.Context, t target, mode Mode, res *Result) {
	unlock := e.keys.lock(t.key)
	defer unlock()

	if mode == ModeRemoteBacked {
		v, err := e.remoteIncrement(ctx, t)
		if err != nil {
			e.logger.Warn("queued remote increment failed",
				zap.String("counter_id", t.id), zap.Error(err))
			res.degrade(err)
		} else if v > res.Value {
			res.Value = v
			res.degrade(e.raiseMirror(ctx, t.key, v))
		}
	}
	e.appendHistory(ctx, t)
}

func (e *Engine) value(ctx context.Context, t target) Result {
	mode := e.Mode()
	local, err := e.readMirror(ctx, t.key)
	res := Result{CounterID: t.id, Value: local, Mode: mode}
	res.degrade(err)

	if mode != ModeRemoteBacked {
		return res
	}

	rv, found, rerr := e.remoteGet(ctx, t)
	if rerr != nil {
		e.logger.Debug("remote read failed, using local mirror",
			zap.String("counter_id", t.id), zap.Error(rerr))
		res.degrade(rerr)
		return res
	}
	if found && rv > local {
		res.Value = rv
		if err == nil || errors.Is(err, store.ErrNotInteger) {
			unlock := e.keys.lock(t.key)
			res.degrade(e.raiseMirror(ctx, t.key, rv))
			unlock()
		}
	}
	return res
}

func (e *Engine) visited(ctx context.Context, t target) bool {
	if t.kind != kindPage {
		return false
	}
	_, ok, err := e.tab.Get(ctx, visitedPrefix+t.id)
	return err == nil && ok
}

func (e *Engine) markVisited(ctx context.Context, t target) {
	if t.kind != kindPage {
		return
	}
	if err := e.tab.Set(ctx, visitedPrefix+t.id, "1"); err != nil {
		e.logger.Debug("could not set visited flag", zap.String("counter_id", t.id), zap.Error(err))
	}
}

// readMirror returns the mirrored value of key, 0 when absent. A value that is
// not a non-negative integer is reported as store.ErrNotInteger.
func (e *Engine) readMirror(ctx context.Context, key string) (int64, error) {
	raw, ok, err := e.local.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("counter: mirror %s holds %q: %w", key, raw, store.ErrNotInteger)
	}
	return n, nil
}

// localIncrement atomically increments the mirror. On failure the mirror is
// left as it was and the last readable value is returned with the error.
func (e *Engine) localIncrement(ctx context.Context, t target) (int64, error) {
	n, err := e.local.Increment(ctx, t.key)
	if err != nil {
		last, _ := e.readMirror(ctx, t.key)
		return last, err
	}
	d := details{Name: t.name, URL: t.url, LastUpdated: e.now()}
	if err := store.SetJSON(ctx, e.local, t.key+detailsSuffix, d); err != nil {
		e.logger.Debug("could not record counter details", zap.String("counter_id", t.id), zap.Error(err))
	}
	return n, nil
}

// raiseMirror writes v to the local mirror unless the mirror already holds
// more. A mirror holding a non-integer is replaced. Callers hold the key lock.
func (e *Engine) raiseMirror(ctx context.Context, key string, v int64) error {
	cur, err := e.readMirror(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotInteger) {
		return err
	}
	if err == nil && v <= cur {
		return nil
	}
	return e.local.Set(ctx, key, strconv.FormatInt(v, 10))
}
