package loader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fruitsalade/vlist/pkg/models"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.fired && !t.stopped && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		t := due[0]
		c.now = t.at
		t.fired = true
		t.f()
	}
	c.now = target
}

// armed is the number of timers that have neither fired nor been stopped.
func (c *fakeClock) armed() int {
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type dispatchCall struct {
	ctx context.Context
	req Request
}

// recorder captures dispatched loads instead of running them.
type recorder struct {
	calls []dispatchCall
}

func (r *recorder) dispatch(ctx context.Context, req *Request) {
	r.calls = append(r.calls, dispatchCall{ctx: ctx, req: *req})
}

func (r *recorder) ids() []string {
	ids := make([]string, len(r.calls))
	for i, c := range r.calls {
		ids[i] = c.req.ID
	}
	return ids
}

func (r *recorder) ranges() [][2]int {
	out := make([][2]int, len(r.calls))
	for i, c := range r.calls {
		out[i] = [2]int{c.req.Start, c.req.End}
	}
	return out
}

func items(start, n int) []models.Item {
	out := make([]models.Item, n)
	for i := range out {
		key := fmt.Sprintf("/docs/file%05d", start+i)
		out[i] = models.Item{Key: key, Path: key, Name: key[6:]}
	}
	return out
}
