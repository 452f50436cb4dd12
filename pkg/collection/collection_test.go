package collection

import (
	"fmt"
	"testing"

	"github.com/fruitsalade/vlist/pkg/models"
)

func page(start, n int) []models.Item {
	items := make([]models.Item, n)
	for i := range items {
		key := fmt.Sprintf("/f%04d", start+i)
		items[i] = models.Item{Key: key, Path: key, Name: key[1:]}
	}
	return items
}

func TestMergeAppends(t *testing.T) {
	c := New()
	v0 := c.Version()

	res := c.Merge(0, page(0, 10), false)
	if res.Added != 10 {
		t.Errorf("Added = %d, want 10", res.Added)
	}
	if c.Len() != 10 || c.LoadedCount() != 10 {
		t.Errorf("Len=%d Loaded=%d, want 10/10", c.Len(), c.LoadedCount())
	}
	if c.Version() == v0 {
		t.Error("Merge should bump version")
	}
	if c.KeyAt(3) != "/f0003" {
		t.Errorf("KeyAt(3) = %q", c.KeyAt(3))
	}
}

func TestMergeLeavesGaps(t *testing.T) {
	c := New()
	c.Merge(20, page(20, 5), false)

	if c.Len() != 25 {
		t.Errorf("Len = %d, want 25", c.Len())
	}
	if c.KeyAt(0) != "" {
		t.Error("slot 0 should be empty")
	}
	if c.Covered(0, 24) {
		t.Error("Covered should be false with gaps")
	}
	if !c.Covered(20, 24) {
		t.Error("Covered(20,24) should be true")
	}
}

func TestMergeKeepsKeysUnique(t *testing.T) {
	c := New()
	c.Merge(0, page(0, 5), false)

	// The server shifted: /f0002 now lives at index 4.
	moved := []models.Item{{Key: "/f0002"}}
	res := c.Merge(4, moved, false)
	if res.Moved != 1 || res.Replaced != 1 {
		t.Errorf("res = %+v, want 1 moved, 1 replaced", res)
	}
	if c.KeyAt(4) != "/f0002" {
		t.Errorf("KeyAt(4) = %q, want /f0002", c.KeyAt(4))
	}
	if c.KeyAt(2) != "" {
		t.Error("old slot should be cleared")
	}
	for i := 0; i < c.Len(); i++ {
		if c.KeyAt(i) == "/f0004" {
			t.Errorf("replaced key still at %d", i)
		}
	}
	if c.LoadedCount() != 4 {
		t.Errorf("LoadedCount = %d, want 4", c.LoadedCount())
	}
}

func TestStaleNeverOverwritesFresh(t *testing.T) {
	c := New()
	c.Merge(0, page(0, 3), false)

	stale := []models.Item{{Key: "/old0"}, {Key: "/old1"}, {Key: "/old2"}, {Key: "/old3"}}
	res := c.Merge(0, stale, true)
	if res.Skipped != 3 || res.Added != 1 {
		t.Errorf("res = %+v, want 3 skipped, 1 added", res)
	}
	if !c.IsStale(3) || c.IsStale(0) {
		t.Error("staleness not tracked per slot")
	}
	if c.Covered(0, 3) {
		t.Error("stale slots should not count as covered")
	}

	// Fresh data replaces stale.
	c.Merge(3, page(3, 1), false)
	if c.IsStale(3) {
		t.Error("fresh merge should clear staleness")
	}
}

func TestSetTotalTruncates(t *testing.T) {
	c := New()
	c.Merge(0, page(0, 10), false)
	c.SetTotal(6)

	if c.Len() != 6 {
		t.Errorf("Len = %d, want 6", c.Len())
	}
	if c.LoadedCount() != 6 {
		t.Errorf("LoadedCount = %d, want 6", c.LoadedCount())
	}
	if !c.Covered(0, 100) {
		t.Error("range past a known total should count as covered")
	}

	// Merges past the total are ignored.
	c.Merge(5, page(5, 5), false)
	if c.LoadedCount() != 6 {
		t.Errorf("LoadedCount after overflow merge = %d", c.LoadedCount())
	}
}

func TestKnownTotalGivesLength(t *testing.T) {
	c := New()
	c.SetTotal(10000)
	if c.Len() != 10000 {
		t.Errorf("Len = %d, want 10000", c.Len())
	}
	if n, ok := c.Total(); !ok || n != 10000 {
		t.Errorf("Total = %d, %v", n, ok)
	}
	if c.KeyAt(9999) != "" {
		t.Error("unloaded slot should have empty key")
	}
}

func TestResetAndItems(t *testing.T) {
	c := New()
	c.Merge(0, page(0, 4), false)

	items := c.Items(1, 2)
	if len(items) != 2 || items[0].Key != "/f0001" {
		t.Errorf("Items(1,2) = %+v", items)
	}

	c.Reset()
	if c.Len() != 0 || c.LoadedCount() != 0 {
		t.Error("Reset should empty the collection")
	}
	if _, ok := c.Total(); ok {
		t.Error("Reset should forget total")
	}
}
