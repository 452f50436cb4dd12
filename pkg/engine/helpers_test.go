package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vlist/pkg/events"
	"github.com/fruitsalade/vlist/pkg/loader"
	"github.com/fruitsalade/vlist/pkg/models"
)

var errFlaky = errors.New("connection reset by peer")

// fakeClock fires timers only when advanced. Timers may be armed from load
// goroutines, so it is locked; callbacks run without the lock held.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) loader.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.fired && !t.stopped && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		t := due[0]
		c.now = t.at
		t.fired = true
		c.mu.Unlock()
		t.f()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func listing(n int) []models.Item {
	out := make([]models.Item, n)
	for i := range out {
		key := fmt.Sprintf("/docs/file%05d", i)
		out[i] = models.Item{Key: key, Path: key, Name: key[6:]}
	}
	return out
}

// listSource serves a fixed listing immediately. fail, when set, decides
// per call whether to return errFlaky instead.
type listSource struct {
	items []models.Item
	calls atomic.Int32
	fail  func(call int, start int) bool

	mu     sync.Mutex
	ranges [][2]int
}

func (s *listSource) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	n := int(s.calls.Add(1))
	s.mu.Lock()
	s.ranges = append(s.ranges, [2]int{start, end})
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.fail != nil && s.fail(n, start) {
		return nil, errFlaky
	}
	if start >= len(s.items) {
		return nil, nil
	}
	end = min(end, len(s.items)-1)
	return append([]models.Item(nil), s.items[start:end+1]...), nil
}

func (s *listSource) loadedRanges() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.ranges...)
}

// gateSource blocks every load until the test answers it.
type gateSource struct {
	calls chan *gateCall
}

type gateCall struct {
	ctx        context.Context
	start, end int
	reply      chan gateReply
}

type gateReply struct {
	items []models.Item
	err   error
}

func newGateSource() *gateSource {
	return &gateSource{calls: make(chan *gateCall, 64)}
}

func (s *gateSource) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	c := &gateCall{ctx: ctx, start: start, end: end, reply: make(chan gateReply, 1)}
	s.calls <- c
	select {
	case r := <-c.reply:
		return r.items, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gateSource) next(t *testing.T) *gateCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no load started")
		return nil
	}
}

func (s *gateSource) idle(t *testing.T) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("unexpected load [%d, %d]", c.start, c.end)
	case <-time.After(50 * time.Millisecond):
	}
}

func testOptions(clock loader.Clock) Options {
	opts := DefaultOptions()
	opts.ItemHeight = "20"
	opts.ContainerSize = 200
	opts.PageSize = 50
	opts.PreloadDistance = 0
	opts.Clock = clock
	return opts
}

func newTestEngine(t *testing.T, src Source, opts Options) *Engine {
	t.Helper()
	e, err := New(src, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// collect drains ch into a slice until no event arrives for a short while.
func collect(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func ofType(evs []events.Event, typ string) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
