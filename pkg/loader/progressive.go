package loader

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/pkg/cache"
	"github.com/fruitsalade/vlist/pkg/collection"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/window"
)

// DefaultPageSize is the number of items fetched per load.
const DefaultPageSize = 50

// PageKey is the content cache key of page n of scope.
func PageKey(scope string, page int) string {
	return "page:" + scope + ":" + strconv.Itoa(page)
}

// ProgressiveConfig configures a Progressive coordinator.
type ProgressiveConfig struct {
	PageSize int
	Logger   *zap.Logger

	// OnLoadMore is called once per Ensure that issued new requests.
	OnLoadMore func(dir window.Direction)
}

// Progressive decides when pages are fetched. It is the only writer of the
// collection and the page entries of the content cache.
type Progressive struct {
	cfg     ProgressiveConfig
	log     *zap.Logger
	coll    *collection.Collection
	cache   *cache.Cache
	tracker *Tracker
	offline *Coordinator

	scope  string
	pinned map[string]struct{}
}

// NewProgressive wires a coordinator over the given collaborators.
func NewProgressive(coll *collection.Collection, c *cache.Cache, tracker *Tracker, offline *Coordinator, cfg ProgressiveConfig) *Progressive {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Progressive{
		cfg:     cfg,
		log:     cfg.Logger,
		coll:    coll,
		cache:   c,
		tracker: tracker,
		offline: offline,
		pinned:  make(map[string]struct{}),
	}
}

// SetScope switches the listing being loaded.
func (p *Progressive) SetScope(scope string) {
	p.scope = scope
}

// Scope is the listing being loaded.
func (p *Progressive) Scope() string {
	return p.scope
}

// PageSize is the configured page size.
func (p *Progressive) PageSize() int {
	return p.cfg.PageSize
}

// Ensure makes sure every page within preload items of the window is
// loaded or requested. Pages already in the collection are skipped, pages
// in the content cache are merged without a network call and pages
// overlapping a live request are left to it. It returns the number of new
// requests.
func (p *Progressive) Ensure(rng window.Range, dir window.Direction, preload int) int {
	lo, hi, ok := p.span(rng, preload)
	if !ok {
		p.repin(rng)
		return 0
	}

	ps := p.cfg.PageSize
	first, last := lo/ps, hi/ps
	pages := make([]int, 0, last-first+1)
	for pg := first; pg <= last; pg++ {
		pages = append(pages, pg)
	}
	if dir == window.DirectionUp {
		for i, j := 0, len(pages)-1; i < j; i, j = i+1, j-1 {
			pages[i], pages[j] = pages[j], pages[i]
		}
	}

	issued := 0
	for _, pg := range pages {
		start, end, ok := p.pageBounds(pg)
		if !ok || p.coll.Covered(start, end) {
			continue
		}
		if _, live := p.tracker.Covering(p.scope, start, end); live {
			continue
		}

		key := PageKey(p.scope, pg)
		if v, hit := p.cache.Get(key); hit {
			p.place(start, end-start+1, v.([]models.Item))
			continue
		}
		if items, hit := p.offline.Fallback(key); hit {
			res := p.coll.Merge(start, items, true)
			p.log.Debug("Serving stale page while offline",
				zap.String("key", key),
				zap.Int("added", res.Added))
		}
		if _, created := p.tracker.Request(p.scope, start, end, dir); created {
			issued++
		}
	}

	p.repin(rng)
	if issued > 0 && p.cfg.OnLoadMore != nil {
		p.cfg.OnLoadMore(dir)
	}
	return issued
}

// Apply merges a completed request into the collection and stores the page
// in the content cache and the offline cache.
func (p *Progressive) Apply(r *Request, items []models.Item) collection.MergeResult {
	if r.Scope != p.scope {
		return collection.MergeResult{}
	}
	res := p.place(r.Start, r.Count(), items)

	if r.Start%p.cfg.PageSize == 0 {
		key := PageKey(r.Scope, r.Start/p.cfg.PageSize)
		page := items
		if len(page) > r.Count() {
			page = page[:r.Count()]
		}
		p.cache.Set(key, page)
		p.offline.Remember(key, page)
		if _, ok := p.pinned[key]; ok {
			p.cache.Pin(key)
		}
	}
	return res
}

// Invalidate drops the cached pages of the current scope so the next Ensure
// fetches fresh data. Offline copies are kept for fallback.
func (p *Progressive) Invalidate() {
	n := p.coll.Len()/p.cfg.PageSize + 1
	for pg := 0; pg <= n; pg++ {
		key := PageKey(p.scope, pg)
		p.cache.Unpin(key)
		p.cache.Delete(key)
	}
	p.pinned = make(map[string]struct{})
}

// place merges items at start, trims anything past want and records the end
// of the collection when the page came back short.
func (p *Progressive) place(start, want int, items []models.Item) collection.MergeResult {
	if len(items) > want {
		items = items[:want]
	}
	res := p.coll.Merge(start, items, false)
	if len(items) < want {
		p.coll.SetTotal(start + len(items))
		p.log.Debug("Reached end of listing",
			zap.String("scope", p.scope),
			zap.Int("total", start+len(items)))
	}
	return res
}

// span is the index range that should be loaded for the window.
func (p *Progressive) span(rng window.Range, preload int) (lo, hi int, ok bool) {
	total, known := p.coll.Total()
	if known && total == 0 {
		return 0, 0, false
	}
	if preload < 0 {
		preload = 0
	}

	lo, hi = 0, p.cfg.PageSize-1
	if !rng.Empty {
		lo, hi = rng.Start-preload, rng.End+preload
	}
	if lo < 0 {
		lo = 0
	}
	if known {
		if hi >= total {
			hi = total - 1
		}
	} else if n := p.coll.Len(); n > 0 && hi >= n-1 {
		// The window reaches the last loaded row: the next page is adjacent.
		hi = max(hi, n)
	}
	return lo, hi, lo <= hi
}

func (p *Progressive) pageBounds(pg int) (start, end int, ok bool) {
	start = pg * p.cfg.PageSize
	end = start + p.cfg.PageSize - 1
	if total, known := p.coll.Total(); known {
		if start >= total {
			return 0, 0, false
		}
		if end >= total {
			end = total - 1
		}
	}
	return start, end, true
}

// repin pins the cached pages under the window and those of live requests
// so Cleanup keeps them.
func (p *Progressive) repin(rng window.Range) {
	want := make(map[string]struct{})
	if !rng.Empty {
		for pg := rng.Start / p.cfg.PageSize; pg <= rng.End/p.cfg.PageSize; pg++ {
			want[PageKey(p.scope, pg)] = struct{}{}
		}
	}
	for _, r := range p.tracker.Live() {
		if r.Scope == p.scope && !r.Terminal {
			want[PageKey(r.Scope, r.Start/p.cfg.PageSize)] = struct{}{}
		}
	}

	for key := range p.pinned {
		if _, ok := want[key]; !ok {
			p.cache.Unpin(key)
		}
	}
	for key := range want {
		p.cache.Pin(key)
	}
	p.pinned = want
}
