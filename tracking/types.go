package tracking

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"

	"flybox/grid"
)

// Contour is a connected region of detected change in a frame
type Contour struct {
	Points   []image.Point
	Bounds   image.Rectangle // inclusive pixel box, Max = (x+w, y+h)
	Area     float64
	Centroid r2.Point
}

// NewContour derives bounding box, area and centroid from an outline.
// The bounding box follows OpenCV's boundingRect (width = max-min+1), the
// area and centroid come from polygon moments like cv::moments on a
// contour. A degenerate outline with zero area uses its first point as the
// centroid.
func NewContour(points []image.Point) Contour {
	c := Contour{Points: points}
	if len(points) == 0 {
		return c
	}

	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	var m00, m10, m01 float64
	for i, p := range points {
		if p.X < minX {
			minX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y > maxY {
			maxY = p.Y
		}

		q := points[(i+1)%len(points)]
		cross := float64(p.X*q.Y - q.X*p.Y)
		m00 += cross
		m10 += float64(p.X+q.X) * cross
		m01 += float64(p.Y+q.Y) * cross
	}
	c.Bounds = image.Rect(minX, minY, maxX+1, maxY+1)
	c.Area = math.Abs(m00) / 2
	c.Centroid = centroid(points, m00/2, m10/6, m01/6)
	return c
}

func centroid(points []image.Point, m00, m10, m01 float64) r2.Point {
	if m00 == 0 {
		return r2.Point{X: float64(points[0].X), Y: float64(points[0].Y)}
	}
	return r2.Point{X: m10 / m00, Y: m01 / m00}
}

// MotionPoint is a contour that has been attributed to a well at a given frame
type MotionPoint struct {
	Contour    Contour
	Item       *grid.Item
	FrameCount int
}

// Centroid returns the contour centroid in frame pixels
func (p *MotionPoint) Centroid() r2.Point {
	return p.Contour.Centroid
}

// Area returns the contour area in square pixels
func (p *MotionPoint) Area() float64 {
	return p.Contour.Area
}

// DistanceTo returns the Euclidean distance between two centroids
func (p *MotionPoint) DistanceTo(other *MotionPoint) float64 {
	return p.Centroid().Sub(other.Centroid()).Norm()
}

// MotionEvent pairs two consecutive detections in the same well.
// Frame may be nil when events are produced outside a capture loop.
type MotionEvent struct {
	Point     *MotionPoint
	LastPoint *MotionPoint
	Item      *grid.Item
	Frame     *gocv.Mat
	Distance  float64
}

// EventHandler consumes motion events produced by the engine
type EventHandler interface {
	Handle(event MotionEvent)
}

// HandlerFunc adapts a plain function to EventHandler
type HandlerFunc func(event MotionEvent)

// Handle calls f(event)
func (f HandlerFunc) Handle(event MotionEvent) {
	f(event)
}

// Handlers fans a single event out to several handlers in order
type Handlers []EventHandler

// Handle delivers the event to every non-nil handler
func (hs Handlers) Handle(event MotionEvent) {
	for _, h := range hs {
		if h != nil {
			h.Handle(event)
		}
	}
}
