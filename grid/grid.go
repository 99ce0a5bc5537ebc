// Package grid models the calibrated layout of wells: rows of axis-aligned
// rectangles with coordinates and a column-major index.
package grid

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
)

var (
	// ErrEmpty is returned when a layout has no rows or a row has no items.
	ErrEmpty = errors.New("grid has no items")
	// ErrRowSizeMismatch is returned when rows hold different item counts.
	ErrRowSizeMismatch = errors.New("row size mismatch")
)

// Coords locates an item inside the grid
type Coords struct {
	Row int
	Col int
}

// Dimensions is the (rows, cols) shape of a grid
type Dimensions struct {
	Rows int
	Cols int
}

// Cells returns the number of wells covered by the dimensions
func (d Dimensions) Cells() int {
	return d.Rows * d.Cols
}

// String renders dimensions as "RxC"
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Rows, d.Cols)
}

// Item is a single well. Items are created by New and never mutated.
type Item struct {
	Rect   r2.Rect
	Coords Coords
	Index  int
}

// Contains reports whether bounds lies fully inside the item. Both the
// top-left and the bottom-right corner (x+w, y+h) must be inside.
func (it *Item) Contains(bounds image.Rectangle) bool {
	return it.Rect.ContainsPoint(r2.Point{X: float64(bounds.Min.X), Y: float64(bounds.Min.Y)}) &&
		it.Rect.ContainsPoint(r2.Point{X: float64(bounds.Max.X), Y: float64(bounds.Max.Y)})
}

// Bounds returns the item rectangle snapped to integer pixels
func (it *Item) Bounds() image.Rectangle {
	return toImageRect(it.Rect)
}

// Row is an ordered run of items sharing a vertical band
type Row struct {
	Items []*Item
	Rect  r2.Rect
}

// Contains reports whether bounds lies fully inside the row's bounding rectangle
func (r *Row) Contains(bounds image.Rectangle) bool {
	return r.Rect.ContainsPoint(r2.Point{X: float64(bounds.Min.X), Y: float64(bounds.Min.Y)}) &&
		r.Rect.ContainsPoint(r2.Point{X: float64(bounds.Max.X), Y: float64(bounds.Max.Y)})
}

// FindItem returns the item fully containing bounds, or nil
func (r *Row) FindItem(bounds image.Rectangle) *Item {
	for _, it := range r.Items {
		if it.Contains(bounds) {
			return it
		}
	}
	return nil
}

// Grid is the full calibrated layout
type Grid struct {
	Rows []*Row
	Rect r2.Rect
}

// New builds a grid from rows of rectangles, ordered top to bottom and left
// to right. Every row must hold the same number of rectangles as the first.
// Items are indexed column-major: index = col*rows + row.
func New(rows [][]r2.Rect) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmpty
	}

	cols := len(rows[0])
	for i, rects := range rows {
		if len(rects) != cols {
			return nil, fmt.Errorf("%w: row %d has %d items, expected %d", ErrRowSizeMismatch, i, len(rects), cols)
		}
	}

	g := &Grid{Rows: make([]*Row, 0, len(rows)), Rect: r2.EmptyRect()}
	for r, rects := range rows {
		row := &Row{Items: make([]*Item, 0, cols), Rect: r2.EmptyRect()}
		for c, rect := range rects {
			row.Items = append(row.Items, &Item{
				Rect:   rect,
				Coords: Coords{Row: r, Col: c},
				Index:  c*len(rows) + r,
			})
			row.Rect = row.Rect.Union(rect)
		}
		g.Rows = append(g.Rows, row)
		g.Rect = g.Rect.Union(row.Rect)
	}
	return g, nil
}

// Dimensions returns (rows, cols)
func (g *Grid) Dimensions() Dimensions {
	if len(g.Rows) == 0 {
		return Dimensions{}
	}
	return Dimensions{Rows: len(g.Rows), Cols: len(g.Rows[0].Items)}
}

// FindRow returns the row whose bounding rectangle fully contains bounds, or nil
func (g *Grid) FindRow(bounds image.Rectangle) *Row {
	for _, row := range g.Rows {
		if row.Contains(bounds) {
			return row
		}
	}
	return nil
}

// FindItem performs the two-step row then item lookup
func (g *Grid) FindItem(bounds image.Rectangle) *Item {
	row := g.FindRow(bounds)
	if row == nil {
		return nil
	}
	return row.FindItem(bounds)
}

// Item returns the item at the given coordinates, or nil when out of range
func (g *Grid) Item(c Coords) *Item {
	if c.Row < 0 || c.Row >= len(g.Rows) {
		return nil
	}
	row := g.Rows[c.Row]
	if c.Col < 0 || c.Col >= len(row.Items) {
		return nil
	}
	return row.Items[c.Col]
}

// Items returns every item ordered by index (column-major)
func (g *Grid) Items() []*Item {
	dims := g.Dimensions()
	items := make([]*Item, dims.Cells())
	for _, row := range g.Rows {
		for _, it := range row.Items {
			items[it.Index] = it
		}
	}
	return items
}

// Bounds returns the grid bounding rectangle snapped to integer pixels
func (g *Grid) Bounds() image.Rectangle {
	return toImageRect(g.Rect)
}

func toImageRect(r r2.Rect) image.Rectangle {
	if r.IsEmpty() {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Round(r.X.Lo)), int(math.Round(r.Y.Lo)),
		int(math.Round(r.X.Hi)), int(math.Round(r.Y.Hi)),
	)
}
