package loader

import (
	"math"
	"time"

	"github.com/fruitsalade/vlist/pkg/cache"
)

// LoadingStats is derived on every transition and never stored.
type LoadingStats struct {
	Total        int // requests issued
	Successful   int
	Failed       int // failed attempts
	Pending      int
	Buffered     int
	Queued       int
	Retrying     int
	Terminal     int
	CacheHits    int64
	CacheMisses  int64
	CacheHitRate float64
	Progress     float64
}

// Failure is a terminal load failure with its retry affordance.
type Failure struct {
	RequestID string
	Start     int
	End       int
	Retries   int
	Message   string
}

// State is what the view layer renders besides the rows themselves.
type State struct {
	IsLoading            bool
	LoadingProgress      float64 // 0-100
	Stats                LoadingStats
	IsOffline            bool
	LastOnlineTransition time.Time
	Failures             []Failure
	SkeletonCount        int
	ShowOfflineBanner    bool
}

// PresentInput is everything Present reads.
type PresentInput struct {
	Tracker  TrackerStats
	Terminal []Request
	Offline  OfflineState
	Cache    cache.Stats

	Loaded     int
	Total      int
	TotalKnown bool

	// WindowGaps is the number of rows in the window with no item at all,
	// fresh or stale.
	WindowGaps int
}

// Present aggregates tracker, coordinator and cache state. It is pure.
func Present(in PresentInput) State {
	ts := in.Tracker
	st := State{
		IsLoading:            ts.Pending+ts.Buffered+ts.Retrying > 0,
		IsOffline:            in.Offline.IsOffline,
		LastOnlineTransition: in.Offline.LastOnlineTransition,
		ShowOfflineBanner:    in.Offline.IsOffline,
	}

	st.LoadingProgress = progress(in)
	st.Stats = LoadingStats{
		Total:        ts.Issued,
		Successful:   ts.Succeeded,
		Failed:       ts.Failures,
		Pending:      ts.Pending,
		Buffered:     ts.Buffered,
		Queued:       ts.Queued,
		Retrying:     ts.Retrying,
		Terminal:     ts.Terminal,
		CacheHits:    in.Cache.Hits,
		CacheMisses:  in.Cache.Misses,
		CacheHitRate: in.Cache.HitRate,
		Progress:     st.LoadingProgress,
	}

	for _, r := range in.Terminal {
		f := Failure{RequestID: r.ID, Start: r.Start, End: r.End, Retries: r.RetryCount - 1}
		if r.LastErr != nil {
			f.Message = r.LastErr.Error()
		}
		st.Failures = append(st.Failures, f)
	}

	if st.IsLoading || (st.IsOffline && ts.Queued > 0) {
		st.SkeletonCount = in.WindowGaps
	}
	return st
}

// progress is loaded/total when the total is known, otherwise the share of
// issued requests that completed.
func progress(in PresentInput) float64 {
	if in.TotalKnown {
		if in.Total <= 0 {
			return 100
		}
		return clampPercent(float64(in.Loaded) / float64(in.Total) * 100)
	}
	if in.Tracker.Issued == 0 {
		return 0
	}
	return clampPercent(float64(in.Tracker.Succeeded) / float64(in.Tracker.Issued) * 100)
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
