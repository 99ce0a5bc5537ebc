package overlay

import (
	"image"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"flybox/grid"
	"flybox/tracking"
)

func testGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New([][]r2.Rect{{
		r2.RectFromPoints(r2.Point{X: 10, Y: 10}, r2.Point{X: 40, Y: 40}),
		r2.RectFromPoints(r2.Point{X: 50, Y: 10}, r2.Point{X: 80, Y: 40}),
	}})
	require.NoError(t, err)
	return g
}

func blank() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 120, gocv.MatTypeCV8UC3)
}

func TestDrawGridMarksWells(t *testing.T) {
	img := blank()
	defer img.Close()

	NewRenderer().DrawGrid(&img, testGrid(t))
	assert.Greater(t, img.Mean().Val1+img.Mean().Val2+img.Mean().Val3, 0.0)
}

func TestDrawGridIgnoresNil(t *testing.T) {
	img := blank()
	defer img.Close()

	NewRenderer().DrawGrid(&img, nil)
	assert.Zero(t, img.Mean().Val2)
}

func TestHandleDrawsOnEventFrame(t *testing.T) {
	g := testGrid(t)
	img := blank()
	defer img.Close()

	item := g.Item(grid.Coords{Row: 0, Col: 0})
	last := &tracking.MotionPoint{Contour: tracking.NewContour([]image.Point{{15, 15}, {20, 15}, {20, 20}, {15, 20}}), Item: item}
	point := &tracking.MotionPoint{Contour: tracking.NewContour([]image.Point{{25, 25}, {30, 25}, {30, 30}, {25, 30}}), Item: item}

	NewRenderer().Handle(tracking.MotionEvent{Point: point, LastPoint: last, Item: item, Frame: &img})
	assert.Greater(t, img.Mean().Val3, 0.0, "well outline is drawn in red")
}

func TestHandleWithoutFrame(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRenderer().Handle(tracking.MotionEvent{})
	})
}

func TestLogKeepsRecentMessages(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	r := NewRendererWithClock(mock)

	for i := 0; i < 12; i++ {
		r.Log(string(rune('a'+i)), 0)
		mock.Add(time.Second)
	}

	msgs := r.Messages()
	require.Len(t, msgs, 8)
	assert.Equal(t, "e", msgs[0].Message)
	assert.Equal(t, "l", msgs[7].Message)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 11, 0, time.UTC), msgs[7].Timestamp)
}

func TestStatusLine(t *testing.T) {
	dims := grid.Dimensions{Rows: 8, Cols: 12}
	assert.Equal(t, "IDLE  8x12  frame 3", StatusLine(Status{Dimensions: dims, Frame: 3}))
	assert.Equal(t, "REC  8x12  frame 9  -> out.txt",
		StatusLine(Status{Recording: true, Dimensions: dims, Frame: 9, Output: "out.txt"}))
}

func TestDrawStatus(t *testing.T) {
	img := blank()
	defer img.Close()

	r := NewRenderer()
	r.Log("calibrated 1x2", 1)
	r.DrawStatus(&img, Status{Recording: true, Dimensions: grid.Dimensions{Rows: 1, Cols: 2}})
	assert.Greater(t, img.Mean().Val1+img.Mean().Val2+img.Mean().Val3, 0.0)
}
