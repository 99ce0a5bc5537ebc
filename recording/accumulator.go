// Package recording aggregates per-well movement and persists it as one
// delimited row per flush interval.
package recording

import (
	"sync"

	"flybox/grid"
)

// Accumulator sums movement distance per well between flushes. Add and
// Snapshot are mutually exclusive so a flush never observes a half-applied
// event.
type Accumulator struct {
	mu     sync.Mutex
	cells  [][]float64
	maxRow int
	maxCol int
}

// NewAccumulator allocates a zeroed accumulator for the given grid shape
func NewAccumulator(dims grid.Dimensions) *Accumulator {
	a := &Accumulator{
		maxRow: dims.Rows - 1,
		maxCol: dims.Cols - 1,
	}
	a.cells = newCells(dims)
	return a
}

func newCells(dims grid.Dimensions) [][]float64 {
	cells := make([][]float64, dims.Rows)
	for r := range cells {
		cells[r] = make([]float64, dims.Cols)
	}
	return cells
}

// Add records distance against a well. Coordinates outside the grid are
// ignored and reported as false.
func (a *Accumulator) Add(c grid.Coords, distance float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Row < 0 || c.Row > a.maxRow || c.Col < 0 || c.Col > a.maxCol {
		return false
	}
	a.cells[c.Row][c.Col] += distance
	return true
}

// Snapshot returns the current totals and resets every cell to zero
func (a *Accumulator) Snapshot() [][]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.cells
	a.cells = newCells(grid.Dimensions{Rows: a.maxRow + 1, Cols: a.maxCol + 1})
	return out
}

// Total returns the sum of all cells without resetting
func (a *Accumulator) Total() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sum float64
	for _, row := range a.cells {
		for _, v := range row {
			sum += v
		}
	}
	return sum
}

// Dimensions returns the shape the accumulator was sized for
func (a *Accumulator) Dimensions() grid.Dimensions {
	return grid.Dimensions{Rows: a.maxRow + 1, Cols: a.maxCol + 1}
}
