package detection

import (
	"image"

	"gocv.io/x/gocv"
)

// DefaultBorderThreshold is the gray level separating the lit plate from
// the dark surroundings
const DefaultBorderThreshold = 40

// BorderDetector locates the brightest connected region of a frame, which
// on a backlit rig is the plate holding the wells.
type BorderDetector struct {
	Threshold float32
}

// Border returns the bounding box of the largest region brighter than the
// threshold, or the whole frame when there is none.
func (b BorderDetector) Border(frame gocv.Mat) image.Rectangle {
	full := image.Rect(0, 0, frame.Cols(), frame.Rows())
	if frame.Empty() {
		return full
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() == 1 {
		frame.CopyTo(&gray)
	} else {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}

	threshold := b.Threshold
	if threshold <= 0 {
		threshold = DefaultBorderThreshold
	}
	gocv.Threshold(gray, &gray, threshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(gray, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	best, bestArea := -1, 0.0
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 {
		return full
	}
	return gocv.BoundingRect(contours.At(best)).Intersect(full)
}

// FrameCropper crops every frame to the plate border found on the first
// frame after a Reset, then scales it down to fit MaxWidth x MaxHeight.
// Keeping the border fixed between calibrations keeps well coordinates
// stable from frame to frame.
type FrameCropper struct {
	Detector  BorderDetector
	MaxWidth  int
	MaxHeight int

	border image.Rectangle
	locked bool
}

// NewFrameCropper returns a cropper clamping output to maxWidth x maxHeight
func NewFrameCropper(threshold float32, maxWidth, maxHeight int) *FrameCropper {
	return &FrameCropper{
		Detector:  BorderDetector{Threshold: threshold},
		MaxWidth:  maxWidth,
		MaxHeight: maxHeight,
	}
}

// Reset forgets the cached border so the next frame determines a new one
func (c *FrameCropper) Reset() {
	c.locked = false
	c.border = image.Rectangle{}
}

// Border returns the cached border and whether one has been determined
func (c *FrameCropper) Border() (image.Rectangle, bool) {
	return c.border, c.locked
}

// Crop returns a new Mat holding the cropped and resized frame. The caller
// owns the result and must Close it.
func (c *FrameCropper) Crop(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), ErrEmptyFrame
	}
	if !c.locked {
		c.border = c.Detector.Border(frame)
		c.locked = true
	}

	rect := c.border.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if rect.Empty() {
		rect = image.Rect(0, 0, frame.Cols(), frame.Rows())
	}

	region := frame.Region(rect)
	defer region.Close()

	w, h := ClampSize(rect.Dx(), rect.Dy(), c.MaxWidth, c.MaxHeight)
	if w == rect.Dx() && h == rect.Dy() {
		return region.Clone(), nil
	}

	out := gocv.NewMat()
	gocv.Resize(region, &out, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
	return out, nil
}

// ClampSize scales (width, height) down, preserving aspect ratio, until it
// fits inside (maxWidth, maxHeight). Non-positive limits disable clamping.
func ClampSize(width, height, maxWidth, maxHeight int) (int, int) {
	if maxWidth <= 0 || maxHeight <= 0 || (width <= maxWidth && height <= maxHeight) {
		return width, height
	}
	if width*maxHeight >= height*maxWidth {
		// width is the binding limit
		return maxWidth, atLeastOne(scaleInt(height, maxWidth, width))
	}
	return atLeastOne(scaleInt(width, maxHeight, height)), maxHeight
}

// scaleInt returns round(v * num / den)
func scaleInt(v, num, den int) int {
	return (2*v*num + den) / (2 * den)
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
