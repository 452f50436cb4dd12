// Package heights resolves row heights for the windowing engine, either as a
// fixed constant or as per-key measurements with an estimate for rows that
// have not been measured yet.
package heights

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Keys is the read-only view of an item list the height model needs.
// KeyAt returns "" for slots whose item has not been loaded.
// Version must change whenever keys change; 0 means unversioned.
type Keys interface {
	Len() int
	KeyAt(i int) string
	Version() uint64
}

// KeySlice adapts a plain slice of keys. It is unversioned.
type KeySlice []string

func (k KeySlice) Len() int { return len(k) }
func (k KeySlice) KeyAt(i int) string { return k[i] }
func (k KeySlice) Version() uint64 { return 0 }

// Model resolves pixel heights and offsets.
type Model interface {
	HeightOf(key string) float64
	SetHeight(key string, px float64)
	TotalHeight(items Keys) float64
	OffsetOf(index int, items Keys) float64
	// IndexAt returns the index of the row containing offset, clamped to
	// the list. It returns 0 for an empty list.
	IndexAt(offset float64, items Keys) int
	Estimate() float64
	// FixedHeight reports the constant row height, if any.
	FixedHeight() (float64, bool)
}

// DynamicKeyword selects measured heights in configuration.
const DynamicKeyword = "dynamic"

// Parse builds a model from an itemHeight option: a positive number for
// fixed rows or "dynamic". estimate is used for unmeasured dynamic rows.
func Parse(itemHeight string, estimate float64) (Model, error) {
	v := strings.TrimSpace(strings.ToLower(itemHeight))
	if v == DynamicKeyword {
		if estimate <= 0 {
			return nil, fmt.Errorf("dynamic item height needs a positive estimate, got %v", estimate)
		}
		return NewDynamic(estimate), nil
	}
	h, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64)
	if err != nil {
		return nil, fmt.Errorf("item height %q: want a number or %q", itemHeight, DynamicKeyword)
	}
	if h <= 0 || math.IsInf(h, 0) || math.IsNaN(h) {
		return nil, fmt.Errorf("item height must be positive, got %v", h)
	}
	return NewFixed(h), nil
}

// Fixed gives every row the same height. All operations are O(1).
type Fixed struct {
	h float64
}

// NewFixed creates a fixed-height model.
func NewFixed(h float64) *Fixed {
	return &Fixed{h: h}
}

func (f *Fixed) HeightOf(string) float64 { return f.h }
func (f *Fixed) SetHeight(string, float64) {}
func (f *Fixed) Estimate() float64 { return f.h }
func (f *Fixed) FixedHeight() (float64, bool) { return f.h, true }
func (f *Fixed) TotalHeight(items Keys) float64 { return float64(items.Len()) * f.h }

func (f *Fixed) OffsetOf(index int, items Keys) float64 {
	return float64(clamp(index, 0, items.Len())) * f.h
}

func (f *Fixed) IndexAt(offset float64, items Keys) int {
	n := items.Len()
	if n == 0 || offset <= 0 {
		return 0
	}
	return clamp(int(math.Floor(offset/f.h)), 0, n-1)
}

// Dynamic stores the latest measurement per key and keeps prefix sums that
// are rebuilt lazily on the next read after a change.
type Dynamic struct {
	estimate float64
	measured map[string]float64

	prefix  []float64 // prefix[i] = offset of row i; prefix[n] = total
	dirty   bool
	version uint64
}

// NewDynamic creates a dynamic model with the given estimate.
func NewDynamic(estimate float64) *Dynamic {
	return &Dynamic{
		estimate: estimate,
		measured: make(map[string]float64),
		dirty:    true,
	}
}

func (d *Dynamic) Estimate() float64 { return d.estimate }
func (d *Dynamic) FixedHeight() (float64, bool) { return 0, false }

// HeightOf returns the measured height for key or the estimate.
func (d *Dynamic) HeightOf(key string) float64 {
	if key == "" {
		return d.estimate
	}
	if h, ok := d.measured[key]; ok {
		return h
	}
	return d.estimate
}

// SetHeight records the latest measurement for key. Non-positive values
// are ignored.
func (d *Dynamic) SetHeight(key string, px float64) {
	if key == "" || px <= 0 {
		return
	}
	if old, ok := d.measured[key]; ok && old == px {
		return
	}
	d.measured[key] = px
	d.dirty = true
}

// Measured reports whether key has a measurement.
func (d *Dynamic) Measured(key string) bool {
	_, ok := d.measured[key]
	return ok
}

// Forget drops measurements for keys no longer present.
func (d *Dynamic) Forget(key string) {
	if _, ok := d.measured[key]; ok {
		delete(d.measured, key)
		d.dirty = true
	}
}

func (d *Dynamic) TotalHeight(items Keys) float64 {
	p := d.sums(items)
	return p[len(p)-1]
}

func (d *Dynamic) OffsetOf(index int, items Keys) float64 {
	p := d.sums(items)
	return p[clamp(index, 0, len(p)-1)]
}

func (d *Dynamic) IndexAt(offset float64, items Keys) int {
	p := d.sums(items)
	n := len(p) - 1
	if n == 0 || offset <= 0 {
		return 0
	}
	i := sort.Search(n, func(i int) bool { return p[i+1] > offset })
	return clamp(i, 0, n-1)
}

// Prefix returns the current prefix sums (len = items.Len()+1).
func (d *Dynamic) Prefix(items Keys) []float64 {
	return d.sums(items)
}

func (d *Dynamic) sums(items Keys) []float64 {
	n := items.Len()
	v := items.Version()
	if !d.dirty && v != 0 && v == d.version && len(d.prefix) == n+1 {
		return d.prefix
	}
	if cap(d.prefix) >= n+1 {
		d.prefix = d.prefix[:n+1]
	} else {
		d.prefix = make([]float64, n+1)
	}
	d.prefix[0] = 0
	for i := 0; i < n; i++ {
		d.prefix[i+1] = d.prefix[i] + d.HeightOf(items.KeyAt(i))
	}
	d.version = v
	d.dirty = false
	return d.prefix
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
