package tracking

import (
	"fmt"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"flybox/grid"
)

// Params tunes the correlation engine
type Params struct {
	// SizeFilter enables the running-average plausibility filter on blob area.
	SizeFilter bool `json:"size_filter" yaml:"size_filter"`
	// MinSizeRatio and MaxSizeRatio bound an acceptable area relative to the
	// running average once it is established.
	MinSizeRatio float64 `json:"min_size_ratio" yaml:"min_size_ratio"`
	MaxSizeRatio float64 `json:"max_size_ratio" yaml:"max_size_ratio"`
	// TieBreakFirst applies the same-frame largest-blob comparison before the
	// size filter instead of after it.
	TieBreakFirst bool `json:"tie_break_first" yaml:"tie_break_first"`
}

// Validate checks the size filter window
func (p Params) Validate() error {
	if p.SizeFilter && (p.MinSizeRatio <= 0 || p.MaxSizeRatio <= p.MinSizeRatio) {
		return fmt.Errorf("size filter ratios must satisfy 0 < min < max, got %g..%g", p.MinSizeRatio, p.MaxSizeRatio)
	}
	return nil
}

// DefaultParams returns the engine defaults: size filter on, [0.33x, 3x]
// window, tie-break after filtering.
func DefaultParams() Params {
	return Params{
		SizeFilter:   true,
		MinSizeRatio: 0.33,
		MaxSizeRatio: 3,
	}
}

// Engine correlates motion contours across frames, one state slot per well.
// It is not safe for concurrent use; the capture loop owns it.
type Engine struct {
	grid    *grid.Grid
	handler EventHandler
	params  Params
	logger  *zap.SugaredLogger

	points  [][]*MotionPoint
	average float64
}

// NewEngine creates an engine bound to a calibrated grid. Events go to handler.
func NewEngine(g *grid.Grid, handler EventHandler, params Params, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		grid:    g,
		handler: handler,
		params:  params,
		logger:  logger,
	}
	e.Reset()
	return e
}

// Reset forgets every cell's last point and the running average area
func (e *Engine) Reset() {
	dims := e.grid.Dimensions()
	e.points = make([][]*MotionPoint, dims.Rows)
	for r := range e.points {
		e.points[r] = make([]*MotionPoint, dims.Cols)
	}
	e.average = 0
}

// AverageArea returns the current running average blob area (0 until the
// first accepted contour)
func (e *Engine) AverageArea() float64 {
	return e.average
}

// Last returns the stored point for a well, or nil
func (e *Engine) Last(c grid.Coords) *MotionPoint {
	if c.Row < 0 || c.Row >= len(e.points) || c.Col < 0 || c.Col >= len(e.points[c.Row]) {
		return nil
	}
	return e.points[c.Row][c.Col]
}

// Handle processes the contours of one frame and returns how many motion
// events were emitted. Contours outside every well, or crossing a well
// boundary, are skipped silently.
func (e *Engine) Handle(contours []Contour, frame *gocv.Mat, frameCount int) int {
	emitted := 0
	for _, contour := range contours {
		item := e.grid.FindItem(contour.Bounds)
		if item == nil {
			continue
		}

		point := &MotionPoint{Contour: contour, Item: item, FrameCount: frameCount}
		cell := &e.points[item.Coords.Row][item.Coords.Col]

		if e.params.TieBreakFirst && e.sameFrameLoser(*cell, point) {
			continue
		}
		if !e.plausible(point.Area()) {
			continue
		}

		last := *cell
		switch {
		case last == nil:
			*cell = point
		case last.FrameCount == frameCount:
			if point.Area() > last.Area() {
				*cell = point
			}
		default:
			event := MotionEvent{
				Point:     point,
				LastPoint: last,
				Item:      item,
				Frame:     frame,
				Distance:  point.DistanceTo(last),
			}
			*cell = point
			emitted++
			if e.handler != nil {
				e.handler.Handle(event)
			}
		}
	}
	return emitted
}

// sameFrameLoser reports whether point would lose the same-frame tie-break
func (e *Engine) sameFrameLoser(last, point *MotionPoint) bool {
	return last != nil && last.FrameCount == point.FrameCount && point.Area() <= last.Area()
}

// plausible applies the running-average size filter and folds accepted
// sizes into the average
func (e *Engine) plausible(size float64) bool {
	if !e.params.SizeFilter {
		return true
	}
	if e.average > 0 && (size < e.average*e.params.MinSizeRatio || size > e.average*e.params.MaxSizeRatio) {
		e.logger.Debugw("contour rejected by size filter", "area", size, "average", e.average)
		return false
	}
	e.average = (e.average + size) / 2
	return true
}
