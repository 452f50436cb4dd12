// Package events fans engine notifications out to view-layer subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/vlist/pkg/loader"
)

const (
	EventLoadMore           = "load-more"
	EventScroll             = "scroll"
	EventVisibleRangeChange = "visible-range-change"
	EventLoadingStateChange = "loading-state-change"
	EventOfflineStateChange = "offline-state-change"
)

// DefaultBuffer is the channel capacity of each subscriber.
const DefaultBuffer = 64

// Event is one engine notification. Which fields are set depends on Type.
type Event struct {
	Type      string        `json:"type"`
	Direction string        `json:"direction,omitempty"`
	Offset    float64       `json:"offset,omitempty"`
	Start     int           `json:"start,omitempty"`
	End       int           `json:"end,omitempty"`
	IsLoading bool          `json:"is_loading,omitempty"`
	IsOffline bool          `json:"is_offline,omitempty"`
	State     *loader.State `json:"state,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithObserver is called after every Publish with the event type and the
// number of subscribers that missed it.
func WithObserver(fn func(eventType string, dropped int)) Option {
	return func(b *Broadcaster) { b.observe = fn }
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
	observe     func(string, int)
	dropped     int64
	closed      bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      DefaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done. After Close the channel
// comes back already closed.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Close unsubscribes everyone. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	dropped := 0
	b.mu.Lock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
			dropped++
		}
	}
	b.dropped += int64(dropped)
	b.mu.Unlock()

	if b.observe != nil {
		b.observe(event.Type, dropped)
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped is the total number of deliveries skipped for slow consumers.
func (b *Broadcaster) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
