package detection

import (
	"errors"
	"fmt"
	"image"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"flybox/tracking"
)

// ErrEmptyFrame is returned when a detector is handed an empty Mat
var ErrEmptyFrame = errors.New("empty frame")

// MotionParams tunes the motion detector
type MotionParams struct {
	Method            string  `json:"method" yaml:"method"`
	History           int     `json:"history" yaml:"history"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	DetectShadows     bool    `json:"detect_shadows" yaml:"detect_shadows"`
	KernelSize        int     `json:"kernel_size" yaml:"kernel_size"`
	Iterations        int     `json:"iterations" yaml:"iterations"`
	BlurSize          int     `json:"blur_size" yaml:"blur_size"` // 0 disables the median blur
	LightingThreshold float64 `json:"lighting_threshold" yaml:"lighting_threshold"`
}

// DefaultMotionParams returns KNN with OpenCV's stock history and distance,
// a 3x3 closing applied twice and no blur.
func DefaultMotionParams() MotionParams {
	return MotionParams{
		Method:            MethodKNN,
		History:           500,
		Threshold:         400,
		KernelSize:        3,
		Iterations:        2,
		LightingThreshold: 25,
	}
}

// Validate checks the parameters for values OpenCV would reject
func (p MotionParams) Validate() error {
	switch {
	case p.History <= 0:
		return fmt.Errorf("motion history must be positive, got %d", p.History)
	case p.Threshold <= 0:
		return fmt.Errorf("motion threshold must be positive, got %g", p.Threshold)
	case p.KernelSize <= 0:
		return fmt.Errorf("closing kernel size must be positive, got %d", p.KernelSize)
	case p.Iterations < 0:
		return fmt.Errorf("closing iterations cannot be negative, got %d", p.Iterations)
	case p.BlurSize < 0 || (p.BlurSize > 0 && p.BlurSize%2 == 0):
		return fmt.Errorf("median blur size must be 0 or an odd number, got %d", p.BlurSize)
	case p.LightingThreshold < 0:
		return fmt.Errorf("lighting threshold cannot be negative, got %g", p.LightingThreshold)
	}
	return nil
}

// MotionDetector owns a background model and turns frames into motion
// contours. The model learns from every frame, so Detect has to be called
// on each captured frame even when the result is discarded.
type MotionDetector struct {
	params MotionParams
	logger *zap.SugaredLogger

	sub    Subtractor
	kernel gocv.Mat
	gray   gocv.Mat
	mask   gocv.Mat

	lastMean float64
	primed   bool
	resets   int
	frames   int
}

// NewMotionDetector validates params and builds the background model
func NewMotionDetector(params MotionParams, logger *zap.SugaredLogger) (*MotionDetector, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	sub, info, err := NewSubtractor(params)
	if err != nil {
		return nil, err
	}
	logger.Infow("background model ready", "model", info.String())

	return &MotionDetector{
		params: params,
		logger: logger,
		sub:    sub,
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(params.KernelSize, params.KernelSize)),
		gray:   gocv.NewMat(),
		mask:   gocv.NewMat(),
	}, nil
}

// Params returns the active tuning
func (d *MotionDetector) Params() MotionParams {
	return d.params
}

// Resets returns how many times the background model was rebuilt after a
// lighting change
func (d *MotionDetector) Resets() int {
	return d.resets
}

// Frames returns the number of frames fed to the model
func (d *MotionDetector) Frames() int {
	return d.frames
}

// Reconfigure applies new tuning. The background model is rebuilt only when
// a parameter it was constructed with changes.
func (d *MotionDetector) Reconfigure(params MotionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	old := d.params
	if params.Method != old.Method || params.History != old.History ||
		params.Threshold != old.Threshold || params.DetectShadows != old.DetectShadows {
		sub, info, err := NewSubtractor(params)
		if err != nil {
			return err
		}
		d.sub.Close()
		d.sub = sub
		d.primed = false
		d.logger.Infow("background model rebuilt", "model", info.String())
	}
	if params.KernelSize != old.KernelSize {
		d.kernel.Close()
		d.kernel = gocv.GetStructuringElement(gocv.MorphRect, image.Pt(params.KernelSize, params.KernelSize))
	}
	d.params = params
	return nil
}

// Detect feeds frame to the background model and returns the outlines of the
// foreground regions. Frames may be BGR or single-channel.
func (d *MotionDetector) Detect(frame gocv.Mat) ([]tracking.Contour, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	if frame.Channels() == 1 {
		frame.CopyTo(&d.gray)
	} else {
		gocv.CvtColor(frame, &d.gray, gocv.ColorBGRToGray)
	}

	if err := d.checkLighting(); err != nil {
		return nil, err
	}

	d.sub.Apply(d.gray, &d.mask)
	d.frames++

	if d.params.DetectShadows {
		// shadows are marked 127, keep only confident foreground
		gocv.Threshold(d.mask, &d.mask, 200, 255, gocv.ThresholdBinary)
	}
	if d.params.Iterations > 0 {
		gocv.MorphologyExWithParams(d.mask, &d.mask, gocv.MorphClose, d.kernel, d.params.Iterations, gocv.BorderConstant)
	}
	if d.params.BlurSize > 0 {
		gocv.MedianBlur(d.mask, &d.mask, d.params.BlurSize)
	}

	return FindContours(d.mask), nil
}

// checkLighting rebuilds the background model when the mean brightness
// jumps by more than LightingThreshold since the previous frame
func (d *MotionDetector) checkLighting() error {
	mean := d.gray.Mean().Val1
	defer func() {
		d.lastMean = mean
		d.primed = true
	}()

	if !d.primed || d.params.LightingThreshold <= 0 || math.Abs(mean-d.lastMean) <= d.params.LightingThreshold {
		return nil
	}

	sub, _, err := NewSubtractor(d.params)
	if err != nil {
		return err
	}
	d.sub.Close()
	d.sub = sub
	d.resets++
	d.logger.Infow("lighting change, background model reset", "previous", d.lastMean, "current", mean, "resets", d.resets)
	return nil
}

// Close releases the OpenCV resources held by the detector
func (d *MotionDetector) Close() error {
	return multierr.Combine(
		d.sub.Close(),
		d.kernel.Close(),
		d.gray.Close(),
		d.mask.Close(),
	)
}

// FindContours extracts the external outlines of a binary mask
func FindContours(mask gocv.Mat) []tracking.Contour {
	pv := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer pv.Close()

	contours := make([]tracking.Contour, 0, pv.Size())
	for i := 0; i < pv.Size(); i++ {
		contours = append(contours, contourFrom(pv.At(i)))
	}
	return contours
}

func contourFrom(pv gocv.PointVector) tracking.Contour {
	c := tracking.NewContour(pv.ToPoints())
	c.Bounds = gocv.BoundingRect(pv)
	c.Area = gocv.ContourArea(pv)
	return c
}
