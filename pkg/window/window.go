// Package window computes which slice of a long list must be materialized
// for a given scroll position and container size.
package window

import (
	"math"

	"github.com/fruitsalade/vlist/pkg/heights"
)

// DefaultOverscan is the number of extra rows rendered past each edge.
const DefaultOverscan = 5

// Viewport is the scroll state the window is computed from.
type Viewport struct {
	ScrollOffset  float64
	ContainerSize float64
	Overscan      int
}

// Range is an inclusive index range. Empty is set when the list has no
// items; Start and End are then both 0.
type Range struct {
	Start int
	End   int
	Empty bool
}

// Count is the number of rows in the range.
func (r Range) Count() int {
	if r.Empty {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether i lies in the range.
func (r Range) Contains(i int) bool {
	return !r.Empty && i >= r.Start && i <= r.End
}

// Compute returns the rows to materialize. It is pure: no I/O and no state,
// so it is safe to call on every scroll tick.
func Compute(vp Viewport, items heights.Keys, hm heights.Model) Range {
	n := items.Len()
	if n == 0 {
		return Range{Empty: true}
	}
	overscan := vp.Overscan
	if overscan < 0 {
		overscan = 0
	}
	scroll := math.Max(0, vp.ScrollOffset)
	container := math.Max(0, vp.ContainerSize)

	if h, ok := hm.FixedHeight(); ok {
		return computeFixed(scroll, container, h, overscan, n)
	}
	return computeDynamic(scroll, container, overscan, items, hm)
}

func computeFixed(scroll, container, h float64, overscan, n int) Range {
	start := int(math.Floor(scroll/h)) - overscan
	if start < 0 {
		start = 0
	}
	visible := int(math.Ceil(container / h))
	end := start + visible + 2*overscan
	return clampRange(start, end, n)
}

func computeDynamic(scroll, container float64, overscan int, items heights.Keys, hm heights.Model) Range {
	n := items.Len()
	margin := float64(overscan) * hm.Estimate()

	// First row whose bottom edge passes the top of the overscanned viewport.
	top := scroll - margin
	start := 0
	if top > 0 {
		start = hm.IndexAt(top, items)
	}

	// Keep accumulating until a row's bottom edge passes the far edge.
	limit := scroll + container + margin
	end := start
	for end < n-1 && hm.OffsetOf(end+1, items) <= limit {
		end++
	}
	return clampRange(start, end, n)
}

func clampRange(start, end, n int) Range {
	if start > n-1 {
		start = n - 1
	}
	if start < 0 {
		start = 0
	}
	if end > n-1 {
		end = n - 1
	}
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

// Direction of a scroll tick.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "none"
	}
}

// ScrollDirection classifies the move from prev to next.
func ScrollDirection(prev, next float64) Direction {
	switch {
	case next > prev:
		return DirectionDown
	case next < prev:
		return DirectionUp
	default:
		return DirectionNone
	}
}

// VisibleCount is how many rows of height h fit in container, rounded up.
func VisibleCount(container, h float64) int {
	if h <= 0 {
		return 0
	}
	return int(math.Ceil(container / h))
}
