package calibration

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat"

	"flybox/grid"
)

// ErrDetectionFailed is returned when a frame does not yield a usable well
// layout. Calibrating again on a new frame may succeed.
var ErrDetectionFailed = errors.New("detection failed")

// Circle is a detected well outline
type Circle struct {
	Center r2.Point
	Radius float64
}

// MeanRadius returns the average radius of circles
func MeanRadius(circles []Circle) float64 {
	radii := make([]float64, len(circles))
	for i, c := range circles {
		radii[i] = c.Radius
	}
	return stat.Mean(radii, nil)
}

// Layout turns detected circles into a grid. Each circle becomes a square
// whose half-size blends its own radius with the mean radius. Circles are
// grouped into rows top to bottom: a new row starts when a square's bottom
// edge sits more than one mean radius below the previous square in the row.
func Layout(circles []Circle, smoothing float64) (*grid.Grid, error) {
	if len(circles) == 0 {
		return nil, fmt.Errorf("%w: no circles detected", ErrDetectionFailed)
	}

	mean := MeanRadius(circles)
	rects := make([]r2.Rect, len(circles))
	for i, c := range circles {
		half := (1-smoothing)*c.Radius + smoothing*mean
		rects[i] = r2.RectFromCenterSize(c.Center, r2.Point{X: 2 * half, Y: 2 * half})
	}

	sort.SliceStable(rects, func(i, j int) bool {
		return rects[i].Center().Y < rects[j].Center().Y
	})

	var rows [][]r2.Rect
	for _, rect := range rects {
		if n := len(rows); n > 0 {
			row := rows[n-1]
			if rect.Y.Hi-row[len(row)-1].Y.Hi <= mean {
				rows[n-1] = append(row, rect)
				continue
			}
		}
		rows = append(rows, []r2.Rect{rect})
	}

	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool {
			return row[i].Center().X < row[j].Center().X
		})
	}

	g, err := grid.New(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}
	return g, nil
}
