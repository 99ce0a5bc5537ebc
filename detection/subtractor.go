// Package detection turns video frames into motion contours: a background
// subtractor adapter with lighting recovery, plus a border cropper that
// isolates the lit plate from the rest of the frame.
package detection

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// Background subtraction methods
const (
	MethodKNN  = "knn"
	MethodMOG2 = "mog2"
)

// Subtractor is an adaptive background model. Apply both updates the model
// and writes the foreground mask for src into dst.
type Subtractor interface {
	Apply(src gocv.Mat, dst *gocv.Mat)
	Close() error
}

// SubtractorInfo describes a constructed subtractor, mostly for logging
type SubtractorInfo struct {
	Method        string
	History       int
	Threshold     float64
	DetectShadows bool
}

func (i SubtractorInfo) String() string {
	return fmt.Sprintf("%s(history=%d threshold=%.1f shadows=%t)", i.Method, i.History, i.Threshold, i.DetectShadows)
}

// NewSubtractor builds a background model for the given parameters.
// KNN interprets Threshold as the squared distance threshold, MOG2 as the
// variance threshold.
func NewSubtractor(p MotionParams) (Subtractor, SubtractorInfo, error) {
	info := SubtractorInfo{
		Method:        strings.ToLower(p.Method),
		History:       p.History,
		Threshold:     p.Threshold,
		DetectShadows: p.DetectShadows,
	}

	switch info.Method {
	case MethodKNN, "":
		info.Method = MethodKNN
		sub := gocv.NewBackgroundSubtractorKNNWithParams(p.History, p.Threshold, p.DetectShadows)
		return &sub, info, nil
	case MethodMOG2:
		sub := gocv.NewBackgroundSubtractorMOG2WithParams(p.History, p.Threshold, p.DetectShadows)
		return &sub, info, nil
	default:
		return nil, info, fmt.Errorf("unknown background subtraction method %q", p.Method)
	}
}
