package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/retry"
	"github.com/fruitsalade/vlist/pkg/window"
)

type offlineFixture struct {
	clock   *fakeClock
	rec     *recorder
	tracker *Tracker
	coord   *Coordinator
	delays  []time.Duration
	changes []bool
}

func newOfflineFixture(maxConcurrent int) *offlineFixture {
	f := &offlineFixture{clock: newFakeClock(), rec: &recorder{}}
	f.tracker = NewTracker(TrackerConfig{
		MaxConcurrent: maxConcurrent,
		MaxRetries:    3,
		Clock:         f.clock,
	}, f.rec.dispatch)
	f.coord = NewCoordinator(f.tracker, CoordinatorConfig{
		Backoff:  retry.DefaultConfig(),
		Clock:    f.clock,
		OnChange: func(offline bool) { f.changes = append(f.changes, offline) },
		OnRetry:  func(_ Request, d time.Duration) { f.delays = append(f.delays, d) },
	})
	return f
}

func (f *offlineFixture) fail(id string) *Request {
	r, _ := f.tracker.Fail(id, errBoom)
	f.coord.HandleFailure(r)
	return r
}

func TestCoordinator_BackoffThenTerminal(t *testing.T) {
	f := newOfflineFixture(2)
	id, _ := f.tracker.Request("/docs", 0, 49, window.DirectionDown)

	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second}
	for i, d := range want {
		f.fail(id)
		require.Len(t, f.delays, i+1)
		assert.Equal(t, d, f.delays[i])

		calls := len(f.rec.calls)
		f.clock.Advance(d - time.Millisecond)
		assert.Len(t, f.rec.calls, calls, "retry fired early")
		f.clock.Advance(time.Millisecond)
		assert.Len(t, f.rec.calls, calls+1, "retry did not fire")
	}

	r := f.fail(id)
	assert.True(t, r.Terminal)
	assert.Equal(t, 0, f.coord.PendingRetries())
	assert.Len(t, f.delays, 3)

	f.clock.Advance(time.Hour)
	assert.Len(t, f.rec.calls, 4, "terminal requests are never auto-retried")
}

func TestCoordinator_DelayFormula(t *testing.T) {
	f := newOfflineFixture(2)
	assert.Equal(t, 3*time.Second, f.coord.Delay(1))
	assert.Equal(t, 6*time.Second, f.coord.Delay(2))
	assert.Equal(t, 12*time.Second, f.coord.Delay(3))
	assert.Equal(t, 12*time.Second, f.coord.Delay(7))
}

func TestCoordinator_OfflineQueuesAndFlushesFIFO(t *testing.T) {
	f := newOfflineFixture(2)

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := f.tracker.Request("/docs", i*50, i*50+49, window.DirectionDown)
		ids = append(ids, id)
	}
	require.Len(t, f.rec.calls, 2)

	assert.True(t, f.coord.SetOnline(false))
	assert.False(t, f.coord.SetOnline(false))
	assert.True(t, f.coord.IsOffline())
	assert.Error(t, f.rec.calls[0].ctx.Err(), "in-flight load aborted")

	got, _ := f.tracker.Get(ids[0])
	assert.Equal(t, StatusQueued, got.Status)

	id, _ := f.tracker.Request("/docs", 150, 199, window.DirectionDown)
	ids = append(ids, id)
	assert.Equal(t, ids, f.coord.State().QueuedRequests)
	assert.Len(t, f.rec.calls, 2, "nothing dispatched while offline")

	f.rec.calls = nil
	assert.True(t, f.coord.SetOnline(true))
	assert.Equal(t, []bool{true, false}, f.changes)
	assert.Equal(t, ids[:2], f.rec.ids())

	f.tracker.Complete(ids[0], items(0, 50))
	f.tracker.Complete(ids[1], items(50, 50))
	assert.Equal(t, ids, f.rec.ids())
	assert.Empty(t, f.coord.State().QueuedRequests)
}

func TestCoordinator_OfflineParksRetryTimers(t *testing.T) {
	f := newOfflineFixture(2)
	failed, _ := f.tracker.Request("/docs", 0, 49, window.DirectionDown)
	f.fail(failed)
	require.Equal(t, 1, f.coord.PendingRetries())

	later, _ := f.tracker.Request("/docs", 50, 99, window.DirectionDown)

	f.coord.SetOnline(false)
	assert.Equal(t, 0, f.coord.PendingRetries())
	assert.Equal(t, 0, f.clock.armed())
	assert.Equal(t, []string{failed, later}, f.coord.State().QueuedRequests)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.rec.calls, 2)

	f.coord.SetOnline(true)
	require.Len(t, f.rec.calls, 4)
	assert.Equal(t, failed, f.rec.calls[2].req.ID)
	assert.Equal(t, later, f.rec.calls[3].req.ID)

	got, _ := f.tracker.Get(failed)
	assert.Equal(t, 1, got.RetryCount, "parking does not reset the retry count")
}

func TestCoordinator_FailureWhileOfflineIsQueued(t *testing.T) {
	f := newOfflineFixture(2)
	id, _ := f.tracker.Request("/docs", 0, 49, window.DirectionDown)

	// A failure reported before the monitor noticed the outage.
	r, _ := f.tracker.Fail(id, errBoom)
	f.coord.offline = true
	f.coord.HandleFailure(r)

	assert.Equal(t, 0, f.coord.PendingRetries())
	got, _ := f.tracker.Get(id)
	assert.Equal(t, StatusQueued, got.Status)
}

func TestCoordinator_ManualRetry(t *testing.T) {
	f := newOfflineFixture(2)
	id, _ := f.tracker.Request("/docs", 0, 49, window.DirectionDown)

	assert.ErrorIs(t, f.coord.ManualRetry(id), ErrNotFailed)
	assert.ErrorIs(t, f.coord.ManualRetry("missing"), ErrUnknownRequest)

	for i := 0; i < 4; i++ {
		r := f.fail(id)
		if !r.Terminal {
			f.clock.Advance(f.coord.Delay(r.RetryCount))
		}
	}
	got, _ := f.tracker.Get(id)
	require.True(t, got.Terminal)

	calls := len(f.rec.calls)
	require.NoError(t, f.coord.ManualRetry(id))
	assert.Len(t, f.rec.calls, calls+1)

	got, _ = f.tracker.Get(id)
	assert.False(t, got.Terminal)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCoordinator_ManualRetryCancelsTimer(t *testing.T) {
	f := newOfflineFixture(2)
	id, _ := f.tracker.Request("/docs", 0, 49, window.DirectionDown)
	f.fail(id)
	require.Equal(t, 1, f.coord.PendingRetries())

	require.NoError(t, f.coord.ManualRetry(id))
	assert.Equal(t, 0, f.coord.PendingRetries())

	calls := len(f.rec.calls)
	f.clock.Advance(time.Minute)
	assert.Len(t, f.rec.calls, calls, "stopped timer must not dispatch again")
}

func TestCoordinator_WatchMonitor(t *testing.T) {
	f := newOfflineFixture(2)
	monitor := connectivity.NewManual(false)

	f.coord.Watch(monitor)
	assert.True(t, f.coord.IsOffline(), "adopts the monitor state")

	monitor.Set(true)
	assert.False(t, f.coord.IsOffline())

	f.coord.Stop()
	monitor.Set(false)
	assert.False(t, f.coord.IsOffline(), "no updates after Stop")
	assert.Equal(t, []bool{true, false}, f.changes)
}

func TestCoordinator_FallbackOnlyWhileOffline(t *testing.T) {
	f := newOfflineFixture(2)
	f.coord.Remember("page:/docs:0", items(0, 3))

	_, ok := f.coord.Fallback("page:/docs:0")
	assert.False(t, ok, "online loads never use stale data")

	f.coord.SetOnline(false)
	page, ok := f.coord.Fallback("page:/docs:0")
	require.True(t, ok)
	assert.Len(t, page, 3)
	assert.Equal(t, 1, f.coord.State().CachedPages)
}

func TestOfflineCache_Bounded(t *testing.T) {
	c := NewOfflineCache(2)
	c.Store("a", items(0, 1))
	c.Store("b", items(1, 1))
	c.Store("c", items(2, 1))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup("a")
	assert.False(t, ok)

	src := items(5, 2)
	c.Store("d", src)
	src[0].Name = "mutated"
	got, _ := c.Lookup("d")
	assert.NotEqual(t, "mutated", got[0].Name, "stored pages are copies")
}
