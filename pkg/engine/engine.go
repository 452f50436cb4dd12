// Package engine wires the windowing, caching and loading components into
// a single list engine driven by explicit events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/pkg/cache"
	"github.com/fruitsalade/vlist/pkg/collection"
	"github.com/fruitsalade/vlist/pkg/events"
	"github.com/fruitsalade/vlist/pkg/heights"
	"github.com/fruitsalade/vlist/pkg/loader"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
	"github.com/fruitsalade/vlist/pkg/window"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// ErrNotExpandable is returned by ToggleExpand when the source is flat.
var ErrNotExpandable = errors.New("source does not support expansion")

// Source loads the inclusive range [start, end] of a listing. It must
// honor ctx. Returning fewer items than asked marks the end of the listing.
type Source interface {
	Load(ctx context.Context, scope string, start, end int) ([]models.Item, error)
}

// LoadFunc adapts a function to Source.
type LoadFunc func(ctx context.Context, scope string, start, end int) ([]models.Item, error)

// Load calls f.
func (f LoadFunc) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	return f(ctx, scope, start, end)
}

// Expander is implemented by hierarchical sources. Toggle flips the
// expansion of the directory at key and reports whether it is now expanded.
type Expander interface {
	Toggle(key string) (bool, error)
}

// Row is one materialized row of the window.
type Row struct {
	Index    int
	Key      string
	Item     models.Item
	Loaded   bool // false for skeleton rows
	Stale    bool
	Offset   float64
	Height   float64
	Rendered string
}

// Engine is a virtualized, progressively loaded list. All methods are safe
// for concurrent use; events are serialized and each runs to completion.
type Engine struct {
	mu     sync.Mutex
	opts   Options
	log    *zap.Logger
	rec    Recorder
	source Source

	heights     heights.Model
	coll        *collection.Collection
	cache       *cache.Cache
	tracker     *loader.Tracker
	offline     *loader.Coordinator
	progressive *loader.Progressive
	bus         *events.Broadcaster

	viewport window.Viewport
	rng      window.Range
	opened   bool
	closed   bool

	// rendered holds Render output by item key for the current listing.
	// It is separate from the content cache so reads never touch it.
	rendered *lru.Cache

	lastRange   window.Range
	lastState   loader.State
	lastOffline bool

	wg sync.WaitGroup
}

// New validates opts and builds an engine over source. It is the only
// operation that reports configuration errors.
func New(source Source, opts Options) (*Engine, error) {
	if source == nil {
		return nil, errors.New("engine: nil source")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	hm, err := heights.Parse(opts.ItemHeight, opts.EstimatedItemHeight)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		rec:     opts.Recorder,
		source:  source,
		heights: hm,
		coll:    collection.New(),
		viewport: window.Viewport{
			ContainerSize: opts.ContainerSize,
			Overscan:      opts.Overscan,
		},
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = loader.SystemClock{}
	}

	if opts.CacheEnabled {
		e.cache, err = cache.New(opts.CacheSize, cache.WithClock(clock.Now))
		if err != nil {
			return nil, fmt.Errorf("create content cache: %w", err)
		}
		e.rendered = lru.New(opts.CacheSize)
	} else {
		e.cache = cache.Disabled()
	}

	e.tracker = loader.NewTracker(loader.TrackerConfig{
		MaxConcurrent: opts.MaxConcurrentRequests,
		MaxRetries:    opts.MaxRetries,
		Clock:         clock,
		Logger:        e.log.Named("tracker"),
	}, e.dispatch)

	e.offline = loader.NewCoordinator(e.tracker, loader.CoordinatorConfig{
		Backoff: retry.Config{
			MaxAttempts: opts.MaxRetries,
			InitialWait: opts.BackoffBase,
			MaxWait:     opts.BackoffMax,
			Multiplier:  2,
			Jitter:      opts.BackoffJitter,
		},
		Clock:            clock,
		OfflineCacheSize: opts.OfflineCacheSize,
		Logger:           e.log.Named("offline"),
		Exec:             e.exec,
		OnChange:         e.connectivityChanged,
		OnRetry: func(r loader.Request, delay time.Duration) {
			e.rec.RetryScheduled(delay)
		},
	})

	e.progressive = loader.NewProgressive(e.coll, e.cache, e.tracker, e.offline, loader.ProgressiveConfig{
		PageSize: opts.PageSize,
		Logger:   e.log.Named("progressive"),
		OnLoadMore: func(dir window.Direction) {
			e.publish(events.Event{Type: events.EventLoadMore, Direction: dir.String()})
		},
	})

	buf := opts.EventBuffer
	if buf <= 0 {
		buf = events.DefaultBuffer
	}
	e.bus = events.NewBroadcaster(
		events.WithBuffer(buf),
		events.WithObserver(e.rec.EventPublished),
	)

	e.rng = window.Range{Empty: true}
	e.lastRange = e.rng
	if opts.Monitor != nil {
		e.offline.Watch(opts.Monitor)
	}
	e.lastOffline = e.offline.IsOffline()
	e.lastState = e.present()
	return e, nil
}

// exec runs f under the engine lock, then publishes whatever changed.
// Timer, monitor and load completions enter the engine through it.
func (e *Engine) exec(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	f()
	e.notify()
}

// Open switches to scope, discarding the previous listing and scroll
// position, and starts loading its first page.
func (e *Engine) Open(scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.tracker.CancelAll()
	e.offline.Reset()
	e.coll.Reset()
	e.progressive.SetScope(scope)
	e.viewport.ScrollOffset = 0
	e.dropRendered()
	e.opened = true
	e.log.Debug("open", zap.String("scope", scope))
	e.update(window.DirectionNone)
	e.notify()
	return nil
}

// Scroll moves the viewport to offset pixels from the top.
func (e *Engine) Scroll(offset float64) {
	e.exec(func() {
		if offset < 0 {
			offset = 0
		}
		dir := window.ScrollDirection(e.viewport.ScrollOffset, offset)
		e.viewport.ScrollOffset = offset
		e.publish(events.Event{Type: events.EventScroll, Offset: offset, Direction: dir.String()})
		e.update(dir)
	})
}

// Resize changes the container size.
func (e *Engine) Resize(size float64) {
	e.exec(func() {
		if size < 0 {
			size = 0
		}
		e.viewport.ContainerSize = size
		e.update(window.DirectionNone)
	})
}

// MeasureHeight records the rendered height of the row with key. It is a
// no-op with fixed heights.
func (e *Engine) MeasureHeight(key string, px float64) {
	e.exec(func() {
		e.heights.SetHeight(key, px)
		e.update(window.DirectionNone)
	})
}

// SetTotal declares the listing length when the host knows it up front.
func (e *Engine) SetTotal(n int) {
	e.exec(func() {
		e.coll.SetTotal(n)
		e.update(window.DirectionNone)
	})
}

// Refresh drops every loaded page of the open listing and reloads the
// window at the current scroll position. The total is rediscovered.
func (e *Engine) Refresh() {
	e.exec(e.refresh)
}

func (e *Engine) refresh() {
	if !e.opened {
		return
	}
	e.tracker.CancelAll()
	e.offline.Reset()
	e.progressive.Invalidate()
	e.coll.Reset()
	e.dropRendered()
	e.update(window.DirectionNone)
}

// ToggleExpand flips the expansion of the directory row with key and
// reloads the listing around the current window.
func (e *Engine) ToggleExpand(key string) error {
	exp, ok := e.source.(Expander)
	if !ok {
		return ErrNotExpandable
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	expanded, err := exp.Toggle(key)
	if err != nil {
		return fmt.Errorf("toggle %s: %w", key, err)
	}
	e.log.Debug("toggle expand", zap.String("key", key), zap.Bool("expanded", expanded))

	e.refresh()
	e.notify()
	return nil
}

// Retry re-issues a failed request immediately with a fresh retry budget.
// An empty id retries every terminal failure.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	defer e.notify()
	if id != "" {
		return e.offline.ManualRetry(id)
	}
	var errs []error
	for _, r := range e.tracker.Terminal() {
		if err := e.offline.ManualRetry(r.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Visible returns the rows of the current window. Rows without a loaded
// item are skeletons.
func (e *Engine) Visible() []Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rng.Empty {
		return nil
	}
	rows := make([]Row, 0, e.rng.Count())
	for i := e.rng.Start; i <= e.rng.End; i++ {
		row := Row{
			Index:  i,
			Offset: e.heights.OffsetOf(i, e.coll),
		}
		item, ok := e.coll.At(i)
		if ok {
			row.Key = item.Key
			row.Item = item
			row.Loaded = true
			row.Stale = e.coll.IsStale(i)
			row.Height = e.heights.HeightOf(item.Key)
			row.Rendered = e.render(item)
		} else {
			row.Height = e.heights.Estimate()
		}
		rows = append(rows, row)
	}
	return rows
}

func (e *Engine) render(item models.Item) string {
	if e.opts.Render == nil {
		return ""
	}
	if e.rendered == nil {
		return e.opts.Render(item)
	}
	if v, ok := e.rendered.Get(item.Key); ok {
		return v.(string)
	}
	out := e.opts.Render(item)
	e.rendered.Add(item.Key, out)
	return out
}

func (e *Engine) dropRendered() {
	if e.rendered != nil {
		e.rendered.Clear()
	}
}

// State returns the current loading and offline state.
func (e *Engine) State() loader.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.present()
}

// Window returns the current materialized range.
func (e *Engine) Window() window.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng
}

// TotalHeight is the scrollable height of the rows known so far.
func (e *Engine) TotalHeight() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heights.TotalHeight(e.coll)
}

// Len is the current listing length, loaded or not.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coll.Len()
}

// Scope returns the open listing.
func (e *Engine) Scope() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressive.Scope()
}

// CacheStats returns content cache statistics.
func (e *Engine) CacheStats() cache.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Stats()
}

// Subscribe returns a channel receiving engine events. Slow consumers
// miss events rather than block the engine.
func (e *Engine) Subscribe() chan events.Event {
	return e.bus.Subscribe()
}

// Unsubscribe stops delivering events to ch and closes it.
func (e *Engine) Unsubscribe(ch chan events.Event) {
	e.bus.Unsubscribe(ch)
}

// DroppedEvents is the number of event deliveries skipped because a
// subscriber fell behind.
func (e *Engine) DroppedEvents() int64 {
	return e.bus.Dropped()
}

// Cleanup trims the content cache to its soft threshold and returns the
// number of evicted entries.
func (e *Engine) Cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.cache.Cleanup()
	e.rec.CacheStats(e.cache.Stats())
	return n
}

// Close cancels every load, stops retry timers and closes subscriber
// channels. It waits for in-flight loads to return.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	n := e.tracker.CancelAll()
	e.offline.Stop()
	e.mu.Unlock()

	e.wg.Wait()
	e.bus.Close()
	e.log.Debug("engine closed", zap.Int("cancelled", n))
	return nil
}

// dispatch starts a load for r on its own goroutine. It runs under the
// engine lock.
func (e *Engine) dispatch(ctx context.Context, r *loader.Request) {
	id, scope, start, end := r.ID, r.Scope, r.Start, r.End
	e.rec.LoadStarted()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		began := time.Now()
		items, err := e.source.Load(ctx, scope, start, end)
		e.rec.LoadDone(time.Since(began))
		e.exec(func() { e.settle(ctx, id, items, err) })
	}()
}

// settle applies the outcome of a load attempt.
func (e *Engine) settle(ctx context.Context, id string, items []models.Item, err error) {
	if ctx.Err() != nil {
		// The attempt was aborted (cancel or offline); a requeued copy
		// of the request may already be running.
		e.rec.LoadOutcome(OutcomeCancelled)
		return
	}
	if err == nil {
		r, ok := e.tracker.Complete(id, items)
		if !ok {
			e.rec.LoadOutcome(OutcomeIgnored)
			return
		}
		res := e.progressive.Apply(r, items)
		e.log.Debug("page loaded",
			zap.String("scope", r.Scope),
			zap.Int("start", r.Start),
			zap.Int("count", len(items)),
			zap.Int("added", res.Added),
			zap.Int("replaced", res.Replaced),
		)
		e.rec.LoadOutcome(OutcomeSuccess)
		e.update(window.DirectionNone)
		return
	}

	r, ok := e.tracker.Fail(id, err)
	if !ok {
		e.rec.LoadOutcome(OutcomeIgnored)
		return
	}
	switch {
	case r.Status == loader.StatusCancelled:
		e.rec.LoadOutcome(OutcomeCancelled)
	case r.Terminal:
		e.rec.LoadOutcome(OutcomeTerminal)
		e.offline.HandleFailure(r)
	default:
		e.rec.LoadOutcome(OutcomeFailure)
		e.offline.HandleFailure(r)
	}
	e.update(window.DirectionNone)
}

// connectivityChanged runs inside exec after every transition.
func (e *Engine) connectivityChanged(offline bool) {
	e.rec.OfflineChanged(offline)
	if e.opened {
		e.update(window.DirectionNone)
	}
}

// update recomputes the window and asks the progressive loader to fill it.
// Cache hits merge synchronously, so the window is computed again after.
func (e *Engine) update(dir window.Direction) {
	if !e.opened {
		return
	}
	e.rng = window.Compute(e.viewport, e.coll, e.heights)
	e.progressive.Ensure(e.rng, dir, e.preloadRows())
	e.rng = window.Compute(e.viewport, e.coll, e.heights)
}

func (e *Engine) preloadRows() int {
	est := e.heights.Estimate()
	if est <= 0 || e.opts.PreloadDistance <= 0 {
		return 0
	}
	return int(math.Ceil(e.opts.PreloadDistance / est))
}

// notify publishes range, loading and offline changes since the last call.
func (e *Engine) notify() {
	if e.rng != e.lastRange {
		e.lastRange = e.rng
		ev := events.Event{Type: events.EventVisibleRangeChange}
		if !e.rng.Empty {
			ev.Start, ev.End = e.rng.Start, e.rng.End
		}
		e.publish(ev)
	}

	st := e.present()
	if st.IsOffline != e.lastOffline {
		e.lastOffline = st.IsOffline
		s := st
		e.publish(events.Event{Type: events.EventOfflineStateChange, IsOffline: st.IsOffline, State: &s})
	}
	if stateChanged(e.lastState, st) {
		s := st
		e.publish(events.Event{Type: events.EventLoadingStateChange, IsLoading: st.IsLoading, State: &s})
	}
	e.lastState = st
	e.rec.CacheStats(e.cache.Stats())
}

func (e *Engine) present() loader.State {
	total, known := e.coll.Total()
	return loader.Present(loader.PresentInput{
		Tracker:    e.tracker.Stats(),
		Terminal:   e.tracker.Terminal(),
		Offline:    e.offline.State(),
		Cache:      e.cache.Stats(),
		Loaded:     e.coll.LoadedCount(),
		Total:      total,
		TotalKnown: known,
		WindowGaps: e.windowGaps(),
	})
}

// windowGaps counts rows of the window with nothing to show. Before the
// first page arrives it is the number of rows that fit the viewport.
func (e *Engine) windowGaps() int {
	if !e.opened {
		return 0
	}
	if e.rng.Empty {
		if _, known := e.coll.Total(); known {
			return 0
		}
		return window.VisibleCount(e.viewport.ContainerSize, e.heights.Estimate())
	}
	gaps := 0
	for i := e.rng.Start; i <= e.rng.End; i++ {
		if _, ok := e.coll.At(i); !ok {
			gaps++
		}
	}
	return gaps
}

func (e *Engine) publish(ev events.Event) {
	ev.Timestamp = time.Now().UnixMilli()
	e.bus.Publish(ev)
}

func stateChanged(a, b loader.State) bool {
	return a.IsLoading != b.IsLoading ||
		a.LoadingProgress != b.LoadingProgress ||
		a.Stats != b.Stats ||
		a.SkeletonCount != b.SkeletonCount ||
		len(a.Failures) != len(b.Failures)
}
