package calibration

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"flybox/grid"
)

func gridCircles(rows, cols int, radius, pitch float64) []Circle {
	var out []Circle
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, Circle{
				Center: r2.Point{X: 50 + float64(c)*pitch, Y: 40 + float64(r)*pitch},
				Radius: radius,
			})
		}
	}
	return out
}

func TestLayoutRowsColumnsAndIndex(t *testing.T) {
	circles := gridCircles(3, 4, 10, 30)
	rand.New(rand.NewSource(7)).Shuffle(len(circles), func(i, j int) {
		circles[i], circles[j] = circles[j], circles[i]
	})

	g, err := Layout(circles, 0.75)
	require.NoError(t, err)
	assert.Equal(t, grid.Dimensions{Rows: 3, Cols: 4}, g.Dimensions())

	for r, row := range g.Rows {
		for c, it := range row.Items {
			assert.Equal(t, c*3+r, it.Index)
			assert.Equal(t, r2.Point{X: 50 + float64(c)*30, Y: 40 + float64(r)*30}, it.Rect.Center())
			assert.Equal(t, r2.Point{X: 20, Y: 20}, it.Rect.Size())
		}
	}
}

func TestLayoutToleratesVerticalJitter(t *testing.T) {
	circles := gridCircles(2, 5, 10, 30)
	for i := range circles {
		circles[i].Center.Y += float64(i%3) * 2.5
	}

	g, err := Layout(circles, 0.75)
	require.NoError(t, err)
	assert.Equal(t, grid.Dimensions{Rows: 2, Cols: 5}, g.Dimensions())
	for i, it := range g.Rows[0].Items[1:] {
		assert.Greater(t, it.Rect.Center().X, g.Rows[0].Items[i].Rect.Center().X, "row sorted by x")
	}
}

func TestLayoutRadiusSmoothing(t *testing.T) {
	circles := []Circle{
		{Center: r2.Point{X: 20, Y: 20}, Radius: 8},
		{Center: r2.Point{X: 60, Y: 20}, Radius: 12},
	}

	for _, tc := range []struct {
		smoothing   float64
		left, right float64
	}{
		{0.75, 19, 21},
		{0, 16, 24},
		{1, 20, 20},
	} {
		g, err := Layout(circles, tc.smoothing)
		require.NoError(t, err)
		items := g.Rows[0].Items
		assert.InDelta(t, tc.left, items[0].Rect.Size().X, 1e-9, "smoothing %g", tc.smoothing)
		assert.InDelta(t, tc.right, items[1].Rect.Size().X, 1e-9, "smoothing %g", tc.smoothing)
	}
}

func TestLayoutRowSizeMismatch(t *testing.T) {
	circles := gridCircles(2, 3, 10, 30)
	circles = circles[:5]

	_, err := Layout(circles, 0.75)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectionFailed))
	assert.True(t, errors.Is(err, grid.ErrRowSizeMismatch))
}

func TestLayoutNoCircles(t *testing.T) {
	_, err := Layout(nil, 0.75)
	assert.ErrorIs(t, err, ErrDetectionFailed)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
	assert.Error(t, DefaultParams().WithRadiusSmoothing(1.5).Validate())
	require.NoError(t, DefaultParams().WithoutEqualization().Validate())

	p := DefaultParams()
	p.MaxExpectedCircles = 5
	assert.Error(t, p.Validate())
	_, err := NewDetector(p, nil)
	assert.Error(t, err)
}

// plate draws rows x cols filled circles of the given radius on a dark
// background, spaced pitch pixels apart starting at origin.
func plate(t *testing.T, rows, cols, radius, pitch int, origin image.Point) gocv.Mat {
	t.Helper()
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0), 360, 480, gocv.MatTypeCV8UC3)
	fill := color.RGBA{R: 200, G: 200, B: 200, A: 0}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			center := origin.Add(image.Pt(c*pitch, r*pitch))
			gocv.Circle(&frame, center, radius, fill, -1)
		}
	}
	return frame
}

func TestDetectSyntheticPlate(t *testing.T) {
	const rows, cols, radius, pitch = 4, 6, 20, 70
	frame := plate(t, rows, cols, radius, pitch, image.Pt(80, 70))
	defer frame.Close()

	d, err := NewDetector(DefaultParams(), nil)
	require.NoError(t, err)

	g, err := d.Detect(frame)
	require.NoError(t, err)
	require.Equal(t, grid.Dimensions{Rows: rows, Cols: cols}, g.Dimensions())

	var total float64
	for _, it := range g.Items() {
		total += it.Rect.Size().X * it.Rect.Size().Y
	}
	want := float64(4 * radius * radius)
	assert.InEpsilon(t, want, total/float64(rows*cols), 0.2)

	first := g.Rows[0].Items[0].Rect.Center()
	assert.InDelta(t, 80, first.X, 3)
	assert.InDelta(t, 70, first.Y, 3)
	last := g.Rows[rows-1].Items[cols-1]
	assert.Equal(t, rows*cols-1, last.Index)
	assert.InDelta(t, 80+5*pitch, last.Rect.Center().X, 3)
}

func TestDetectBlankFrameFails(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0), 120, 160, gocv.MatTypeCV8UC3)
	defer frame.Close()

	d, err := NewDetector(DefaultParams(), nil)
	require.NoError(t, err)

	_, err = d.Detect(frame)
	require.ErrorIs(t, err, ErrDetectionFailed)
	assert.Contains(t, err.Error(), "no circles detected")

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = d.Detect(empty)
	assert.ErrorIs(t, err, ErrDetectionFailed)
}

// coarsePass records the arguments of one circle finder call
type coarsePass struct {
	param2     float64
	minR, maxR float64
}

// scriptedFinder returns two circles of radii[i] on call i; a zero radius
// means an empty pass. Calls past the script find nothing.
type scriptedFinder struct {
	radii  []float64
	passes []coarsePass
}

func (f *scriptedFinder) find(_ gocv.Mat, _, param2, minR, maxR float64) []Circle {
	f.passes = append(f.passes, coarsePass{param2: param2, minR: minR, maxR: maxR})
	i := len(f.passes) - 1
	if i >= len(f.radii) || f.radii[i] == 0 {
		return nil
	}
	r := f.radii[i]
	return []Circle{{Radius: r}, {Radius: r}}
}

func TestApproximateRadiusScripted(t *testing.T) {
	for _, tc := range []struct {
		name       string
		maxIter    int
		radii      []float64
		want       float64
		wantPasses int
	}{
		{"converges on second pass", 100, []float64{10, 10.0001}, 10.0001, 2},
		{"change above threshold keeps going", 100, []float64{10, 9.99, 9.9899}, 9.9899, 3},
		{"oscillating pass is discarded", 100, []float64{10, 10.6, 10.0002}, 10.0002, 3},
		{"growth within tolerance is accepted", 100, []float64{10, 10.4, 10.4001}, 10.4001, 3},
		{"empty passes are skipped", 100, []float64{0, 0, 10, 10.0001}, 10.0001, 4},
		{"cap after success uses last accepted mean", 3, []float64{10, 9, 8}, 8, 3},
		{"cap ignores a discarded last pass", 3, []float64{10, 9, 20}, 9, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			params := DefaultParams()
			params.MaxIterations = tc.maxIter
			d, err := NewDetector(params, nil)
			require.NoError(t, err)

			f := &scriptedFinder{radii: tc.radii}
			gray := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8U)
			defer gray.Close()

			got, err := d.WithCircleFinder(f.find).ApproximateRadius(gray)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
			assert.Len(t, f.passes, tc.wantPasses)
		})
	}
}

func TestApproximateRadiusNarrowsBand(t *testing.T) {
	params := DefaultParams()
	params.MaxIterations = 4
	d, err := NewDetector(params, nil)
	require.NoError(t, err)

	f := &scriptedFinder{radii: []float64{10, 9, 20, 0}}
	gray := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8U)
	defer gray.Close()

	got, err := d.WithCircleFinder(f.find).ApproximateRadius(gray)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got)
	require.Len(t, f.passes, 4)

	// first pass spans the shorter side / 192 .. / 12
	assert.InDelta(t, 120.0/192, f.passes[0].minR, 1e-9)
	assert.InDelta(t, 10.0, f.passes[0].maxR, 1e-9)
	// accepted means narrow the band to 0.5x .. 1.5x
	assert.InDelta(t, 5.0, f.passes[1].minR, 1e-9)
	assert.InDelta(t, 15.0, f.passes[1].maxR, 1e-9)
	assert.InDelta(t, 4.5, f.passes[2].minR, 1e-9)
	assert.InDelta(t, 13.5, f.passes[2].maxR, 1e-9)
	// a discarded pass leaves the band alone
	assert.InDelta(t, 4.5, f.passes[3].minR, 1e-9)
	assert.InDelta(t, 13.5, f.passes[3].maxR, 1e-9)

	// sensitivity loosens every pass down to the floor
	assert.InDelta(t, 50.0, f.passes[0].param2, 1e-9)
	assert.InDelta(t, 47.5, f.passes[1].param2, 1e-9)
	assert.InDelta(t, 45.125, f.passes[2].param2, 1e-9)
}

func TestApproximateRadiusSensitivityFloor(t *testing.T) {
	params := DefaultParams()
	params.MaxIterations = 20
	d, err := NewDetector(params, nil)
	require.NoError(t, err)

	f := &scriptedFinder{}
	gray := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8U)
	defer gray.Close()

	_, err = d.WithCircleFinder(f.find).ApproximateRadius(gray)
	require.ErrorIs(t, err, ErrDetectionFailed)
	assert.Contains(t, err.Error(), "no circles detected")
	require.Len(t, f.passes, 20)
	assert.Equal(t, 35.0, f.passes[19].param2)
}

func TestDetectCirclesFinalBand(t *testing.T) {
	d, err := NewDetector(DefaultParams(), nil)
	require.NoError(t, err)

	f := &scriptedFinder{radii: []float64{10, 10, 10}}
	frame := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer frame.Close()

	circles, err := d.WithCircleFinder(f.find).DetectCircles(frame)
	require.NoError(t, err)
	assert.Len(t, circles, 2)
	require.Len(t, f.passes, 3)
	final := f.passes[2]
	assert.InDelta(t, 8.5, final.minR, 1e-9)
	assert.InDelta(t, 11.5, final.maxR, 1e-9)
	assert.Equal(t, 20.0, final.param2)
}
