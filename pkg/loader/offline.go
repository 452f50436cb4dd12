package loader

import (
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
)

// DefaultOfflineCacheSize is the number of pages kept for offline fallback.
const DefaultOfflineCacheSize = 200

// OfflineCache keeps the last good copy of loaded pages so they can be shown
// as stale data while offline.
type OfflineCache struct {
	pages *lru.Cache
}

// NewOfflineCache creates a cache holding up to size pages.
func NewOfflineCache(size int) *OfflineCache {
	if size <= 0 {
		size = DefaultOfflineCacheSize
	}
	return &OfflineCache{pages: lru.New(size)}
}

// Store remembers a copy of items under key.
func (o *OfflineCache) Store(key string, items []models.Item) {
	cp := make([]models.Item, len(items))
	copy(cp, items)
	o.pages.Add(key, cp)
}

// Lookup returns the stored page for key.
func (o *OfflineCache) Lookup(key string) ([]models.Item, bool) {
	v, ok := o.pages.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]models.Item), true
}

// Len is the number of stored pages.
func (o *OfflineCache) Len() int {
	return o.pages.Len()
}

// OfflineState is the connectivity side of the loading state.
type OfflineState struct {
	IsOffline            bool
	LastOnlineTransition time.Time
	QueuedRequests       []string // ids in dispatch order
	CachedPages          int
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Backoff          retry.Config
	Clock            Clock
	OfflineCacheSize int
	Logger           *zap.Logger

	// Exec runs f serialized with every other engine event. Timer and
	// monitor callbacks go through it. Defaults to calling f directly.
	Exec func(f func())

	// OnChange is called, inside Exec, after each connectivity transition.
	OnChange func(offline bool)

	// OnRetry is called when a retry timer is armed.
	OnRetry func(r Request, delay time.Duration)
}

type retryTimer struct {
	timer Timer
}

// Coordinator queues requests while offline, retries failures with
// bounded exponential backoff and serves stale pages as fallback.
type Coordinator struct {
	tracker  *Tracker
	cfg      CoordinatorConfig
	log      *zap.Logger
	fallback *OfflineCache

	offline        bool
	lastTransition time.Time
	timers         map[string]*retryTimer
	unsubscribe    func()
}

// NewCoordinator creates a coordinator driving tracker. It starts online.
func NewCoordinator(tracker *Tracker, cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Exec == nil {
		cfg.Exec = func(f func()) { f() }
	}
	if cfg.Backoff.InitialWait <= 0 {
		cfg.Backoff = retry.DefaultConfig()
	}
	return &Coordinator{
		tracker:        tracker,
		cfg:            cfg,
		log:            cfg.Logger,
		fallback:       NewOfflineCache(cfg.OfflineCacheSize),
		lastTransition: cfg.Clock.Now(),
		timers:         make(map[string]*retryTimer),
	}
}

// Watch subscribes to monitor and adopts its current state. It replaces any
// previous subscription.
func (c *Coordinator) Watch(monitor connectivity.Monitor) {
	c.Unwatch()
	c.unsubscribe = monitor.Subscribe(func(online bool) {
		c.cfg.Exec(func() { c.SetOnline(online) })
	})
	c.SetOnline(monitor.Online())
}

// Unwatch drops the monitor subscription.
func (c *Coordinator) Unwatch() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// SetOnline applies a connectivity transition and reports whether the
// state changed. Going offline aborts pending loads and parks every
// request, including those waiting on a retry timer, in the FIFO queue.
// Coming back online dispatches the queue through the concurrency ceiling.
func (c *Coordinator) SetOnline(online bool) bool {
	if c.offline == !online {
		return false
	}
	c.offline = !online
	c.lastTransition = c.cfg.Clock.Now()

	if c.offline {
		moved := c.tracker.Suspend()
		for _, r := range c.tracker.Live() {
			if rt, ok := c.timers[r.ID]; ok {
				rt.timer.Stop()
				delete(c.timers, r.ID)
				_ = c.tracker.Enqueue(r.ID)
				moved++
			}
		}
		c.log.Warn("Went offline, queueing loads", zap.Int("queued", moved))
	} else {
		n := c.tracker.Resume()
		c.log.Info("Back online, flushing queued loads", zap.Int("queued", n))
	}

	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.offline)
	}
	return true
}

// IsOffline reports the current connectivity.
func (c *Coordinator) IsOffline() bool {
	return c.offline
}

// HandleFailure decides what happens to a request the tracker just marked
// failed: terminal requests stay put, offline ones are queued and the rest
// get a retry timer.
func (c *Coordinator) HandleFailure(r *Request) {
	if r == nil || r.Status != StatusFailed {
		return
	}
	if r.Terminal {
		c.log.Warn("Load failed permanently",
			zap.String("id", r.ID),
			zap.Int("start", r.Start),
			zap.Int("end", r.End),
			zap.Error(r.LastErr))
		return
	}
	if c.offline {
		_ = c.tracker.Enqueue(r.ID)
		return
	}
	delay := c.Delay(r.RetryCount)
	c.arm(r.ID, delay)
	c.log.Debug("Retry scheduled",
		zap.String("id", r.ID),
		zap.Int("retry_count", r.RetryCount),
		zap.Duration("delay", delay))
	if c.cfg.OnRetry != nil {
		c.cfg.OnRetry(*r, delay)
	}
}

// Delay is the wait before retry number n: min(base*2^(n-1), max).
func (c *Coordinator) Delay(n int) time.Duration {
	return retry.Backoff(c.cfg.Backoff, n)
}

// ManualRetry re-arms a failed request right away, including a terminal
// one, which gets a fresh retry budget. While offline it is queued.
func (c *Coordinator) ManualRetry(id string) error {
	r, ok := c.tracker.Get(id)
	if !ok {
		return ErrUnknownRequest
	}
	if r.Status != StatusFailed {
		return ErrNotFailed
	}
	c.disarm(id)
	return c.tracker.Rearm(id)
}

// Forget stops any retry timer held for id.
func (c *Coordinator) Forget(id string) {
	c.disarm(id)
}

// Reset stops every retry timer.
func (c *Coordinator) Reset() {
	for id := range c.timers {
		c.disarm(id)
	}
}

// Stop drops the monitor subscription and all timers.
func (c *Coordinator) Stop() {
	c.Unwatch()
	c.Reset()
}

// Remember stores a loaded page for offline fallback.
func (c *Coordinator) Remember(key string, items []models.Item) {
	c.fallback.Store(key, items)
}

// Fallback returns the stored page for key, only while offline.
func (c *Coordinator) Fallback(key string) ([]models.Item, bool) {
	if !c.offline {
		return nil, false
	}
	return c.fallback.Lookup(key)
}

// PendingRetries is the number of armed retry timers.
func (c *Coordinator) PendingRetries() int {
	return len(c.timers)
}

// State returns the offline state.
func (c *Coordinator) State() OfflineState {
	return OfflineState{
		IsOffline:            c.offline,
		LastOnlineTransition: c.lastTransition,
		QueuedRequests:       c.tracker.QueuedIDs(),
		CachedPages:          c.fallback.Len(),
	}
}

func (c *Coordinator) arm(id string, delay time.Duration) {
	c.disarm(id)
	rt := &retryTimer{}
	rt.timer = c.cfg.Clock.AfterFunc(delay, func() {
		c.cfg.Exec(func() { c.fire(id, rt) })
	})
	c.timers[id] = rt
}

func (c *Coordinator) disarm(id string) {
	if rt, ok := c.timers[id]; ok {
		rt.timer.Stop()
		delete(c.timers, id)
	}
}

// fire runs a retry. A timer that was replaced or stopped after it had
// already fired is ignored.
func (c *Coordinator) fire(id string, rt *retryTimer) {
	if c.timers[id] != rt {
		return
	}
	delete(c.timers, id)
	if c.offline {
		_ = c.tracker.Enqueue(id)
		return
	}
	if err := c.tracker.Retry(id); err != nil {
		c.log.Debug("Retry skipped", zap.String("id", id), zap.Error(err))
	}
}
