package engine

import (
	"time"

	"github.com/fruitsalade/vlist/pkg/cache"
)

// Load outcomes reported to a Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTerminal  = "terminal"
	OutcomeCancelled = "cancelled"
	OutcomeIgnored   = "ignored"
)

// Recorder receives engine measurements, typically for metrics export.
// Calls may come from load goroutines and must not block.
type Recorder interface {
	LoadStarted()
	LoadDone(d time.Duration)
	LoadOutcome(outcome string)
	RetryScheduled(delay time.Duration)
	OfflineChanged(offline bool)
	CacheStats(s cache.Stats)
	EventPublished(eventType string, dropped int)
}

type nopRecorder struct{}

func (nopRecorder) LoadStarted()                 {}
func (nopRecorder) LoadDone(time.Duration)       {}
func (nopRecorder) LoadOutcome(string)           {}
func (nopRecorder) RetryScheduled(time.Duration) {}
func (nopRecorder) OfflineChanged(bool)          {}
func (nopRecorder) CacheStats(cache.Stats)       {}
func (nopRecorder) EventPublished(string, int)   {}
