package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fruitsalade/vlist/pkg/loader"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}
	if _, ok := <-ch1; ok {
		t.Error("expected closed channel")
	}

	b.Close()
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel after Close")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventVisibleRangeChange, Start: 151, End: 174})

	select {
	case received := <-ch:
		if received.Type != EventVisibleRangeChange {
			t.Errorf("expected type %s, got %s", EventVisibleRangeChange, received.Type)
		}
		if received.Start != 151 || received.End != 174 {
			t.Errorf("expected range 151..174, got %d..%d", received.Start, received.End)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventLoadMore, Direction: "down"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Direction != "down" {
				t.Errorf("subscriber %d: expected down, got %s", i, received.Direction)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	var observed []int
	b := NewBroadcaster(WithBuffer(2), WithObserver(func(_ string, dropped int) {
		observed = append(observed, dropped)
	}))
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventScroll, Offset: float64(i)})
	}

	if len(ch) != 2 {
		t.Errorf("expected 2 buffered events, got %d", len(ch))
	}
	if b.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", b.Dropped())
	}
	if len(observed) != 5 || observed[0] != 0 || observed[4] != 1 {
		t.Errorf("unexpected observer calls: %v", observed)
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{
		Type:      EventOfflineStateChange,
		IsOffline: true,
		State:     &loader.State{IsOffline: true, ShowOfflineBanner: true},
		Timestamp: 42,
	})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != EventOfflineStateChange || decoded["is_offline"] != true {
		t.Errorf("unexpected JSON: %s", data)
	}
	if _, ok := decoded["state"]; !ok {
		t.Error("expected state in JSON")
	}
}

func TestBroadcasterSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Close()

	ch := b.Subscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel handed out after Close is not closed")
	}
	if b.Count() != 0 {
		t.Errorf("expected no subscribers after Close, got %d", b.Count())
	}
	b.Unsubscribe(ch) // must not double close
	b.Publish(Event{Type: EventScroll})
}
