// Package overlay draws the calibrated grid, live motion and session status
// onto preview frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"flybox/grid"
	"flybox/tracking"
)

// LogEntry is one line of the on-screen message log
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Priority  int // 0=normal, 1=important, 2=critical
}

// Status is the session state shown in the corner of the preview
type Status struct {
	Recording  bool
	Hidden     bool
	Dimensions grid.Dimensions
	Frame      int
	Output     string
}

// Renderer keeps the palette and a short message history. Handle may be
// called from the engine while DrawStatus runs on the same goroutine, the
// mutex only guards the message log.
type Renderer struct {
	clock clock.Clock

	militaryGreen color.RGBA
	targetRed     color.RGBA
	systemBlue    color.RGBA
	decisionColor color.RGBA

	mu          sync.Mutex
	messages    []LogEntry
	maxMessages int
}

// NewRenderer returns a renderer using the wall clock
func NewRenderer() *Renderer {
	return NewRendererWithClock(clock.New())
}

// NewRendererWithClock is NewRenderer with an injectable clock for message
// timestamps
func NewRendererWithClock(c clock.Clock) *Renderer {
	return &Renderer{
		clock:         c,
		militaryGreen: color.RGBA{0, 255, 0, 255},
		targetRed:     color.RGBA{255, 0, 0, 255},
		systemBlue:    color.RGBA{0, 150, 255, 255},
		decisionColor: color.RGBA{255, 255, 0, 255},
		maxMessages:   8,
	}
}

// DrawGrid outlines every well and labels the layout in the top-left corner
func (r *Renderer) DrawGrid(img *gocv.Mat, g *grid.Grid) {
	if g == nil || img == nil || img.Empty() {
		return
	}
	for _, it := range g.Items() {
		gocv.Rectangle(img, it.Bounds(), r.systemBlue, 1)
	}
	gocv.Rectangle(img, g.Bounds(), r.militaryGreen, 1)
	gocv.PutText(img, g.Dimensions().String(), image.Pt(10, 20),
		gocv.FontHersheySimplex, 0.5, r.militaryGreen, 1)
}

// Handle draws the moving contour and its well onto the event frame. Events
// without a frame are ignored.
func (r *Renderer) Handle(event tracking.MotionEvent) {
	if event.Frame == nil || event.Frame.Empty() || event.Point == nil {
		return
	}
	img := event.Frame

	if event.Item != nil {
		gocv.Rectangle(img, event.Item.Bounds(), r.targetRed, 2)
	}

	if pts := event.Point.Contour.Points; len(pts) > 0 {
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
		gocv.DrawContours(img, pv, -1, r.militaryGreen, 1)
		pv.Close()
	}

	if event.LastPoint != nil {
		from := event.LastPoint.Centroid()
		to := event.Point.Centroid()
		gocv.Line(img, image.Pt(int(from.X), int(from.Y)), image.Pt(int(to.X), int(to.Y)), r.decisionColor, 1)
	}
}

// Log appends a message to the on-screen history, dropping the oldest once
// the history is full
func (r *Renderer) Log(message string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, LogEntry{
		Timestamp: r.clock.Now(),
		Message:   message,
		Priority:  priority,
	})
	if len(r.messages) > r.maxMessages {
		r.messages = r.messages[len(r.messages)-r.maxMessages:]
	}
}

// Messages returns a copy of the message history, oldest first
func (r *Renderer) Messages() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.messages))
	copy(out, r.messages)
	return out
}

// StatusLine renders s as a single line of text
func StatusLine(s Status) string {
	state := "IDLE"
	if s.Recording {
		state = "REC"
	}
	line := fmt.Sprintf("%s  %s  frame %d", state, s.Dimensions, s.Frame)
	if s.Recording && s.Output != "" {
		line += "  -> " + s.Output
	}
	return line
}

// DrawStatus writes the status line and the recent messages along the
// bottom-left of img
func (r *Renderer) DrawStatus(img *gocv.Mat, s Status) {
	if img == nil || img.Empty() {
		return
	}

	lineHeight := 14
	y := img.Rows() - 10

	stateColor := r.militaryGreen
	if s.Recording {
		stateColor = r.targetRed
	}
	gocv.PutText(img, StatusLine(s), image.Pt(10, y), gocv.FontHersheySimplex, 0.4, stateColor, 1)

	msgs := r.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		y -= lineHeight
		if y < lineHeight {
			break
		}
		text := msgs[i].Timestamp.Format("15:04:05") + " " + msgs[i].Message
		if len(text) > 80 {
			text = text[:77] + "..."
		}
		c := color.RGBA{255, 255, 255, 255}
		if msgs[i].Priority > 0 {
			c = r.decisionColor
		}
		gocv.PutText(img, text, image.Pt(10, y), gocv.FontHersheySimplex, 0.35, c, 1)
	}
}
