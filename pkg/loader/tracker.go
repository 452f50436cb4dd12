// Package loader tracks page loads for the list engine: request
// de-duplication and the concurrency ceiling, offline queueing with
// bounded retries, progressive page loading and the aggregated loading
// state shown to the view layer.
//
// Nothing in this package is safe for concurrent use. The engine runs
// every event (scroll, load completion, timer, connectivity change) under
// one lock, and timer callbacks re-enter through the Exec hook.
package loader

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
	"github.com/fruitsalade/vlist/pkg/window"
)

// Status is the lifecycle state of a load request.
type Status int

const (
	StatusPending   Status = iota // dispatched, waiting on the load function
	StatusBuffered                // over the concurrency ceiling, waiting for a slot
	StatusQueued                  // held while offline
	StatusFailed                  // failed, awaiting retry or terminal
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBuffered:
		return "buffered"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is one fetch of the inclusive index range [Start, End] of Scope.
type Request struct {
	ID         string
	Scope      string
	Start      int
	End        int
	Direction  window.Direction
	Status     Status
	RetryCount int
	Terminal   bool
	LastErr    error
	CreatedAt  time.Time
	Loaded     int

	seq    uint64
	cancel context.CancelFunc
}

// Count is the number of indices the request covers.
func (r *Request) Count() int {
	return r.End - r.Start + 1
}

// Overlaps reports whether the request covers any of [start, end] in scope.
func (r *Request) Overlaps(scope string, start, end int) bool {
	return r.Scope == scope && r.Start <= end && start <= r.End
}

// Cancel aborts the in-flight load, if any. Calling it twice is a no-op.
func (r *Request) Cancel() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// DispatchFunc starts the load for r and must not block. The outcome is
// reported back with Complete or Fail. ctx is cancelled when the request is
// cancelled or aborted by going offline.
type DispatchFunc func(ctx context.Context, r *Request)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	MaxConcurrent int // simultaneously pending requests, default 2
	MaxRetries    int // failures beyond this are terminal, default 3
	Clock         Clock
	Logger        *zap.Logger
}

// TrackerStats counts live requests by status plus lifetime totals.
type TrackerStats struct {
	Issued    int
	Succeeded int
	Failures  int // failed attempts, including ones later retried
	Cancelled int

	Pending  int
	Buffered int
	Queued   int
	Retrying int // failed, not terminal
	Terminal int
}

// Tracker owns every live load request. No two live requests of a scope
// overlap: asking for an overlapping range returns the existing id.
type Tracker struct {
	cfg      TrackerConfig
	dispatch DispatchFunc
	log      *zap.Logger

	requests  map[string]*Request
	buffer    []*Request // FIFO, promoted oldest first
	queue     []*Request // offline queue, ordered by creation
	active    int
	suspended bool
	seq       uint64

	issued    int
	succeeded int
	failures  int
	cancelled int
}

// NewTracker creates a tracker that starts loads through dispatch.
func NewTracker(cfg TrackerConfig, dispatch DispatchFunc) *Tracker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		dispatch: dispatch,
		log:      cfg.Logger,
		requests: make(map[string]*Request),
	}
}

// Request asks for [start, end] of scope. When a live request already
// overlaps the range its id is returned with created == false.
func (t *Tracker) Request(scope string, start, end int, dir window.Direction) (id string, created bool) {
	if start > end {
		start, end = end, start
	}
	if start < 0 {
		start = 0
	}
	if r := t.overlapping(scope, start, end); r != nil {
		return r.ID, false
	}

	t.seq++
	r := &Request{
		ID:        uuid.New().String(),
		Scope:     scope,
		Start:     start,
		End:       end,
		Direction: dir,
		CreatedAt: t.cfg.Clock.Now(),
		seq:       t.seq,
	}
	t.requests[r.ID] = r
	t.issued++
	t.schedule(r)

	t.log.Debug("Load requested",
		zap.String("id", r.ID),
		zap.String("scope", scope),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Stringer("status", r.Status))
	return r.ID, true
}

// Complete records a successful load. Unknown ids and requests that are no
// longer pending are ignored and reported with ok == false.
func (t *Tracker) Complete(id string, items []models.Item) (*Request, bool) {
	r, ok := t.requests[id]
	if !ok || r.Status != StatusPending {
		return nil, false
	}
	r.Cancel()
	r.Status = StatusCompleted
	r.Loaded = len(items)
	r.LastErr = nil
	delete(t.requests, id)
	t.active--
	t.succeeded++
	t.promote()
	return r, true
}

// Fail records a failed load. Cancellations are not failures: the request
// is dropped and returned with status cancelled. Otherwise RetryCount is
// incremented and the request becomes terminal once it exceeds MaxRetries
// or the error is permanent.
func (t *Tracker) Fail(id string, err error) (*Request, bool) {
	r, ok := t.requests[id]
	if !ok || r.Status != StatusPending {
		return nil, false
	}
	r.Cancel()
	t.active--

	if IsCancelled(err) {
		r.Status = StatusCancelled
		delete(t.requests, id)
		t.cancelled++
		t.promote()
		return r, true
	}

	r.Status = StatusFailed
	r.RetryCount++
	r.LastErr = err
	t.failures++
	if retry.IsPermanent(err) || r.RetryCount > t.cfg.MaxRetries {
		r.Terminal = true
		r.LastErr = &TerminalError{Err: err, Retries: r.RetryCount - 1}
	}
	t.promote()

	t.log.Debug("Load failed",
		zap.String("id", id),
		zap.Int("retry_count", r.RetryCount),
		zap.Bool("terminal", r.Terminal),
		zap.Error(err))
	return r, true
}

// Retry re-dispatches a failed request that is not terminal.
func (t *Tracker) Retry(id string) error {
	r, ok := t.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if r.Status != StatusFailed || r.Terminal {
		return ErrNotFailed
	}
	t.schedule(r)
	return nil
}

// Rearm gives a terminal request a fresh retry budget and re-dispatches it.
func (t *Tracker) Rearm(id string) error {
	r, ok := t.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if r.Status != StatusFailed {
		return ErrNotFailed
	}
	r.Terminal = false
	r.RetryCount = 0
	r.LastErr = nil
	t.schedule(r)
	return nil
}

// Enqueue moves a failed request awaiting retry to the offline queue.
func (t *Tracker) Enqueue(id string) error {
	r, ok := t.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if r.Status != StatusFailed || r.Terminal {
		return ErrNotFailed
	}
	t.enqueue(r)
	return nil
}

// Cancel aborts and forgets one request.
func (t *Tracker) Cancel(id string) bool {
	r, ok := t.requests[id]
	if !ok {
		return false
	}
	wasPending := r.Status == StatusPending
	r.Cancel()
	r.Status = StatusCancelled
	delete(t.requests, id)
	t.buffer = without(t.buffer, r)
	t.queue = without(t.queue, r)
	t.cancelled++
	if wasPending {
		t.active--
		t.promote()
	}
	return true
}

// CancelAll aborts every request and clears all state. Later completions
// for the old ids are ignored. It is idempotent.
func (t *Tracker) CancelAll() int {
	n := len(t.requests)
	for _, r := range t.requests {
		r.Cancel()
		r.Status = StatusCancelled
	}
	t.cancelled += n
	t.requests = make(map[string]*Request)
	t.buffer = nil
	t.queue = nil
	t.active = 0
	return n
}

// Suspend aborts pending loads and holds them, together with buffered
// ones, in the offline queue. New requests queue until Resume.
func (t *Tracker) Suspend() int {
	if t.suspended {
		return 0
	}
	t.suspended = true

	moved := 0
	for _, r := range t.sorted() {
		switch r.Status {
		case StatusPending:
			r.Cancel()
			t.active--
		case StatusBuffered:
		default:
			continue
		}
		t.enqueue(r)
		moved++
	}
	t.buffer = nil
	return moved
}

// Resume dispatches the offline queue in FIFO order through the
// concurrency ceiling.
func (t *Tracker) Resume() int {
	if !t.suspended {
		return 0
	}
	t.suspended = false
	q := t.queue
	t.queue = nil
	for _, r := range q {
		t.schedule(r)
	}
	return len(q)
}

// Suspended reports whether new requests are being queued.
func (t *Tracker) Suspended() bool {
	return t.suspended
}

// Get returns a copy of the request with id.
func (t *Tracker) Get(id string) (Request, bool) {
	r, ok := t.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Live returns copies of every live request in creation order.
func (t *Tracker) Live() []Request {
	rs := t.sorted()
	out := make([]Request, len(rs))
	for i, r := range rs {
		out[i] = *r
	}
	return out
}

// Covering returns the live request overlapping [start, end] of scope.
func (t *Tracker) Covering(scope string, start, end int) (Request, bool) {
	r := t.overlapping(scope, start, end)
	if r == nil {
		return Request{}, false
	}
	return *r, true
}

// Terminal returns requests whose retries are exhausted, oldest first.
func (t *Tracker) Terminal() []Request {
	var out []Request
	for _, r := range t.sorted() {
		if r.Terminal {
			out = append(out, *r)
		}
	}
	return out
}

// QueuedIDs returns the offline queue in dispatch order.
func (t *Tracker) QueuedIDs() []string {
	ids := make([]string, len(t.queue))
	for i, r := range t.queue {
		ids[i] = r.ID
	}
	return ids
}

// Active is the number of pending requests.
func (t *Tracker) Active() int {
	return t.active
}

// Stats returns current counts.
func (t *Tracker) Stats() TrackerStats {
	s := TrackerStats{
		Issued:    t.issued,
		Succeeded: t.succeeded,
		Failures:  t.failures,
		Cancelled: t.cancelled,
	}
	for _, r := range t.requests {
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusBuffered:
			s.Buffered++
		case StatusQueued:
			s.Queued++
		case StatusFailed:
			if r.Terminal {
				s.Terminal++
			} else {
				s.Retrying++
			}
		}
	}
	return s
}

// schedule places r according to connectivity and the concurrency ceiling.
func (t *Tracker) schedule(r *Request) {
	switch {
	case t.suspended:
		t.enqueue(r)
	case t.active < t.cfg.MaxConcurrent:
		t.start(r)
	default:
		r.Status = StatusBuffered
		t.buffer = append(t.buffer, r)
	}
}

func (t *Tracker) start(r *Request) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.Status = StatusPending
	t.active++
	if t.dispatch != nil {
		t.dispatch(ctx, r)
	}
}

func (t *Tracker) promote() {
	for !t.suspended && t.active < t.cfg.MaxConcurrent && len(t.buffer) > 0 {
		r := t.buffer[0]
		t.buffer = t.buffer[1:]
		t.start(r)
	}
}

// enqueue inserts r into the offline queue keeping creation order.
func (t *Tracker) enqueue(r *Request) {
	r.Status = StatusQueued
	if r.LastErr == nil {
		r.LastErr = ErrOffline
	}
	i := sort.Search(len(t.queue), func(i int) bool { return t.queue[i].seq > r.seq })
	t.queue = append(t.queue, nil)
	copy(t.queue[i+1:], t.queue[i:])
	t.queue[i] = r
}

func (t *Tracker) overlapping(scope string, start, end int) *Request {
	var found *Request
	for _, r := range t.requests {
		if r.Overlaps(scope, start, end) && (found == nil || r.seq < found.seq) {
			found = r
		}
	}
	return found
}

func (t *Tracker) sorted() []*Request {
	rs := make([]*Request, 0, len(t.requests))
	for _, r := range t.requests {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
	return rs
}

func without(rs []*Request, r *Request) []*Request {
	for i, x := range rs {
		if x == r {
			return append(rs[:i], rs[i+1:]...)
		}
	}
	return rs
}
