// Package collection holds the flattened, index-ordered item list the list
// engine windows over. Slots may be empty until their page is loaded.
package collection

import (
	"github.com/fruitsalade/vlist/pkg/models"
)

type slot struct {
	item   models.Item
	loaded bool
	stale  bool
}

// MergeResult counts what a Merge changed.
type MergeResult struct {
	Added    int // slots filled that were empty
	Replaced int // slots whose item was replaced
	Moved    int // keys that moved from another slot
	Skipped  int // stale items not applied over fresh data
}

// Collection is a sparse list of items keyed by index, with unique keys.
// It is not safe for concurrent use; the engine serializes access.
type Collection struct {
	slots   []slot
	index   map[string]int
	total   int // -1 while unknown
	loaded  int
	version uint64
}

// New creates an empty collection with an unknown total.
func New() *Collection {
	return &Collection{
		index:   make(map[string]int),
		total:   -1,
		version: 1,
	}
}

// Len is the number of addressable slots: the total when known, else the
// highest loaded index + 1.
func (c *Collection) Len() int {
	if c.total >= 0 {
		return c.total
	}
	return len(c.slots)
}

// Version changes whenever any slot changes.
func (c *Collection) Version() uint64 {
	return c.version
}

// KeyAt returns the key at i, or "" when the slot is not loaded.
func (c *Collection) KeyAt(i int) string {
	if i < 0 || i >= len(c.slots) || !c.slots[i].loaded {
		return ""
	}
	return c.slots[i].item.Key
}

// At returns the item at i.
func (c *Collection) At(i int) (models.Item, bool) {
	if i < 0 || i >= len(c.slots) || !c.slots[i].loaded {
		return models.Item{}, false
	}
	return c.slots[i].item, true
}

// IsStale reports whether slot i holds fallback data served while offline.
func (c *Collection) IsStale(i int) bool {
	return i >= 0 && i < len(c.slots) && c.slots[i].loaded && c.slots[i].stale
}

// Total returns the known total.
func (c *Collection) Total() (int, bool) {
	return c.total, c.total >= 0
}

// LoadedCount is the number of filled slots.
func (c *Collection) LoadedCount() int {
	return c.loaded
}

// Covered reports whether every slot in [start, end] is loaded with fresh
// data. Indices at or past a known total count as covered.
func (c *Collection) Covered(start, end int) bool {
	if start < 0 {
		start = 0
	}
	if c.total >= 0 && end >= c.total {
		end = c.total - 1
	}
	for i := start; i <= end; i++ {
		if i >= len(c.slots) || !c.slots[i].loaded || c.slots[i].stale {
			return false
		}
	}
	return true
}

// Merge places items at consecutive slots starting at start. A key already
// held by another slot moves to its new position. Stale items never
// overwrite fresh ones.
func (c *Collection) Merge(start int, items []models.Item, stale bool) MergeResult {
	var res MergeResult
	if start < 0 {
		return res
	}
	for i, item := range items {
		idx := start + i
		if c.total >= 0 && idx >= c.total {
			break
		}
		c.grow(idx + 1)
		cur := &c.slots[idx]

		if stale && cur.loaded && !cur.stale {
			res.Skipped++
			continue
		}

		if prev, ok := c.index[item.Key]; ok && prev != idx {
			c.clear(prev)
			res.Moved++
		}
		if cur.loaded {
			if cur.item.Key != item.Key {
				delete(c.index, cur.item.Key)
			}
			res.Replaced++
		} else {
			c.loaded++
			res.Added++
		}
		*cur = slot{item: item, loaded: true, stale: stale}
		c.index[item.Key] = idx
	}
	if res != (MergeResult{}) {
		c.version++
	}
	return res
}

// SetTotal fixes the collection length and drops any slots past it.
func (c *Collection) SetTotal(n int) {
	if n < 0 {
		n = -1
	}
	if n == c.total {
		return
	}
	c.total = n
	if n >= 0 && len(c.slots) > n {
		for i := n; i < len(c.slots); i++ {
			c.clear(i)
		}
		c.slots = c.slots[:n]
	}
	c.version++
}

// Reset empties the collection and forgets the total.
func (c *Collection) Reset() {
	c.slots = nil
	c.index = make(map[string]int)
	c.total = -1
	c.loaded = 0
	c.version++
}

// Items returns the loaded items in [start, end] in index order.
func (c *Collection) Items(start, end int) []models.Item {
	var out []models.Item
	for i := start; i <= end && i < len(c.slots); i++ {
		if i >= 0 && c.slots[i].loaded {
			out = append(out, c.slots[i].item)
		}
	}
	return out
}

func (c *Collection) grow(n int) {
	if n > len(c.slots) {
		c.slots = append(c.slots, make([]slot, n-len(c.slots))...)
	}
}

func (c *Collection) clear(i int) {
	if i < 0 || i >= len(c.slots) || !c.slots[i].loaded {
		return
	}
	if c.index[c.slots[i].item.Key] == i {
		delete(c.index, c.slots[i].item.Key)
	}
	c.slots[i] = slot{}
	c.loaded--
}
