package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fruitsalade/vlist/pkg/cache"
	"github.com/fruitsalade/vlist/pkg/engine"
)

var _ engine.Recorder = (*Recorder)(nil)

func TestRecorderCacheDeltas(t *testing.T) {
	r := NewRecorder()
	hits := testutil.ToFloat64(cacheHitsTotal)
	evictions := testutil.ToFloat64(cacheEvictionsTotal)

	r.CacheStats(cache.Stats{Hits: 5, Misses: 2, Size: 3})
	r.CacheStats(cache.Stats{Hits: 8, Misses: 2, Size: 4, Evictions: 1})

	if got := testutil.ToFloat64(cacheHitsTotal) - hits; got != 8 {
		t.Errorf("expected 8 hits recorded, got %v", got)
	}
	if got := testutil.ToFloat64(cacheEvictionsTotal) - evictions; got != 1 {
		t.Errorf("expected 1 eviction recorded, got %v", got)
	}
	if got := testutil.ToFloat64(cacheEntries); got != 4 {
		t.Errorf("expected 4 entries, got %v", got)
	}

	// A fresh cache restarts its totals.
	r.CacheStats(cache.Stats{Hits: 1})
	if got := testutil.ToFloat64(cacheHitsTotal) - hits; got != 9 {
		t.Errorf("expected 9 hits recorded after reset, got %v", got)
	}
}

func TestRecorderLoads(t *testing.T) {
	r := NewRecorder()
	inFlight := testutil.ToFloat64(loadsInFlight)
	ok := testutil.ToFloat64(loadRequestsTotal.WithLabelValues(engine.OutcomeSuccess))

	r.LoadStarted()
	if got := testutil.ToFloat64(loadsInFlight) - inFlight; got != 1 {
		t.Errorf("expected 1 load in flight, got %v", got)
	}
	r.LoadDone(20 * time.Millisecond)
	r.LoadOutcome(engine.OutcomeSuccess)
	if got := testutil.ToFloat64(loadsInFlight) - inFlight; got != 0 {
		t.Errorf("expected no load in flight, got %v", got)
	}
	if got := testutil.ToFloat64(loadRequestsTotal.WithLabelValues(engine.OutcomeSuccess)) - ok; got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
}

func TestOfflineAndEvents(t *testing.T) {
	r := NewRecorder()
	r.OfflineChanged(true)
	if testutil.ToFloat64(offlineGauge) != 1 {
		t.Error("expected offline gauge set")
	}
	r.OfflineChanged(false)
	if testutil.ToFloat64(offlineGauge) != 0 {
		t.Error("expected offline gauge cleared")
	}

	dropped := testutil.ToFloat64(eventsDroppedTotal.WithLabelValues("scroll"))
	r.EventPublished("scroll", 2)
	r.EventPublished("scroll", 0)
	if got := testutil.ToFloat64(eventsDroppedTotal.WithLabelValues("scroll")) - dropped; got != 2 {
		t.Errorf("expected 2 dropped, got %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	RecordSourceOperation("pg", "list", time.Millisecond, true)
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/metrics", "200"))

	rec := httptest.NewRecorder()
	Middleware(Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vlist_source_operations_total") {
		t.Error("expected vlist metrics in output")
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/metrics", "200")) - before; got != 1 {
		t.Errorf("expected request to be recorded once, got %v", got)
	}
}
