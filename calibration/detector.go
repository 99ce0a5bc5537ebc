// Package calibration locates the grid of circular wells in a frame.
//
// Detection runs in two phases. A series of coarse Hough passes over a wide
// radius band converges on the typical well radius; a final pass in a tight
// band around that radius then finds every well, which Layout arranges into
// rows and columns.
package calibration

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"flybox/grid"
)

// CircleFinder runs one circle detection pass over a gray image with the
// given Hough thresholds and radius band
type CircleFinder func(gray gocv.Mat, param1, param2, minR, maxR float64) []Circle

// Detector finds well grids. It keeps no state between calls.
type Detector struct {
	params Params
	logger *zap.SugaredLogger
	find   CircleFinder
}

// NewDetector validates params and returns a detector
func NewDetector(params Params, logger *zap.SugaredLogger) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Detector{params: params, logger: logger}
	d.find = d.hough
	return d, nil
}

// WithCircleFinder returns a copy of d that uses find instead of the Hough
// transform for every pass
func (d *Detector) WithCircleFinder(find CircleFinder) *Detector {
	c := *d
	c.find = find
	return &c
}

// Params returns the detector tuning
func (d *Detector) Params() Params {
	return d.params
}

// Detect returns the well grid found in frame, or an error wrapping
// ErrDetectionFailed
func (d *Detector) Detect(frame gocv.Mat) (*grid.Grid, error) {
	circles, err := d.DetectCircles(frame)
	if err != nil {
		return nil, err
	}
	g, err := Layout(circles, d.params.RadiusSmoothing)
	if err != nil {
		return nil, err
	}
	d.logger.Infow("grid calibrated", "dimensions", g.Dimensions().String(), "wells", len(circles))
	return g, nil
}

// DetectCircles runs both detection phases and returns the final circles
func (d *Detector) DetectCircles(frame gocv.Mat) ([]Circle, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrDetectionFailed)
	}

	gray := d.preprocess(frame)
	defer gray.Close()

	mean, err := d.ApproximateRadius(gray)
	if err != nil {
		return nil, err
	}

	circles := d.find(gray, d.params.FinalParam1, d.params.FinalParam2,
		mean*d.params.FinalBandLow, mean*d.params.FinalBandHigh)
	if len(circles) == 0 {
		return nil, fmt.Errorf("%w: no circles at radius %.2f", ErrDetectionFailed, mean)
	}
	d.logger.Debugw("final detection", "circles", len(circles), "radius", mean)
	return circles, nil
}

// preprocess converts frame to gray and optionally equalizes it. Blurring is
// deliberately skipped, it hurts the coarse radius convergence.
func (d *Detector) preprocess(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() == 1 {
		frame.CopyTo(&gray)
	} else {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}

	if !d.params.Equalize {
		return gray
	}

	clahe := gocv.NewCLAHEWithParams(d.params.ClipLimit, image.Pt(d.params.TileSize, d.params.TileSize))
	defer clahe.Close()
	equalized := gocv.NewMat()
	clahe.Apply(gray, &equalized)
	gray.Close()
	return equalized
}

// ApproximateRadius iterates coarse Hough passes until the mean detected
// radius stops changing. gray must be a single-channel image.
func (d *Detector) ApproximateRadius(gray gocv.Mat) (float64, error) {
	p := d.params
	minDim := float64(gray.Cols())
	if rows := float64(gray.Rows()); rows < minDim {
		minDim = rows
	}

	minR := minDim / p.MaxExpectedCircles
	maxR := minDim / p.MinExpectedCircles
	param2 := p.CoarseParam2

	last := 0.0
	found := false
	for pass := 1; pass <= p.MaxIterations; pass++ {
		circles := d.find(gray, p.CoarseParam1, param2, minR, maxR)
		param2 = math.Max(param2*p.SensitivityDecay, p.MinCoarseParam2)
		if len(circles) == 0 {
			d.logger.Debugw("coarse pass found nothing", "pass", pass, "min_radius", minR, "max_radius", maxR)
			continue
		}

		mean := MeanRadius(circles)
		if found && mean > last*(1+p.OscillationTolerance) {
			d.logger.Debugw("coarse pass discarded", "pass", pass, "mean", mean, "previous", last)
			continue
		}

		converged := found && math.Abs(mean-last) < p.ConvergenceThreshold
		last, found = mean, true
		d.logger.Debugw("coarse pass", "pass", pass, "circles", len(circles), "mean", mean)
		if converged {
			return mean, nil
		}
		minR, maxR = mean*p.CoarseBandLow, mean*p.CoarseBandHigh
	}

	if !found {
		return 0, fmt.Errorf("%w: no circles detected", ErrDetectionFailed)
	}
	d.logger.Warnw("radius did not converge, using last estimate", "mean", last, "passes", p.MaxIterations)
	return last, nil
}

// hough runs a single circle detection pass with the radius band
// [minR, maxR]. Wells cannot overlap, so centers closer than two minimum
// radii are merged.
func (d *Detector) hough(gray gocv.Mat, param1, param2, minR, maxR float64) []Circle {
	lo := int(math.Floor(minR))
	if lo < 1 {
		lo = 1
	}
	hi := int(math.Ceil(maxR))
	if hi <= lo {
		hi = lo + 1
	}
	minDist := math.Max(2*minR, 1)

	mat := gocv.NewMat()
	defer mat.Close()
	gocv.HoughCirclesWithParams(gray, &mat, gocv.HoughGradient, d.params.HoughDP, minDist, param1, param2, lo, hi)
	if mat.Empty() || mat.Cols() == 0 {
		return nil
	}

	circles := make([]Circle, mat.Cols())
	for i := range circles {
		circles[i] = Circle{
			Center: r2.Point{
				X: float64(mat.GetFloatAt(0, i*3)),
				Y: float64(mat.GetFloatAt(0, i*3+1)),
			},
			Radius: float64(mat.GetFloatAt(0, i*3+2)),
		}
	}
	return circles
}
