// Package source reads frames from a camera, video file or stream.
package source

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrReadFailed is returned when the underlying capture stops producing
	// frames (end of file, unplugged camera, dropped stream)
	ErrReadFailed = errors.New("failed to read frame from source")
	// ErrInvalidFrame is returned for an unusable frame when no earlier good
	// frame can stand in for it
	ErrInvalidFrame = errors.New("invalid frame")
)

// Reader is the capture primitive, satisfied by *gocv.VideoCapture
type Reader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Source wraps a Reader with frame validation, numbering and short-term
// recovery: after a few consecutive bad frames the last good one is
// repeated so the background model keeps being fed.
type Source struct {
	reader Reader
	name   string

	lastGood   gocv.Mat
	errorCount int
	maxErrors  int
	frames     int
}

// Open parses target as a device index ("0", "1", ...) or a file path / URL
func Open(target string) (*Source, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("empty video source")
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if id, convErr := strconv.Atoi(target); convErr == nil {
		capture, err = gocv.OpenVideoCapture(id)
	} else {
		capture, err = gocv.OpenVideoCapture(target)
	}
	if err != nil {
		return nil, fmt.Errorf("opening video source %q: %w", target, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video source %q did not open", target)
	}
	return New(capture, target), nil
}

// New wraps reader. name is used in error messages.
func New(reader Reader, name string) *Source {
	return &Source{
		reader:    reader,
		name:      name,
		lastGood:  gocv.NewMat(),
		maxErrors: 5,
	}
}

// Name returns the source description given at construction
func (s *Source) Name() string {
	return s.name
}

// Frames returns how many frames have been delivered; it is the frame
// counter of the most recent frame
func (s *Source) Frames() int {
	return s.frames
}

// Read fills dst with the next frame. Invalid frames are skipped up to a
// small limit, after which the last good frame is repeated.
func (s *Source) Read(dst *gocv.Mat) error {
	if ok := s.reader.Read(dst); !ok {
		return fmt.Errorf("%w: %s", ErrReadFailed, s.name)
	}

	if !IsValidFrame(*dst) {
		s.errorCount++
		if s.errorCount >= s.maxErrors && IsValidFrame(s.lastGood) {
			s.lastGood.CopyTo(dst)
			s.frames++
			return nil
		}
		return ErrInvalidFrame
	}

	dst.CopyTo(&s.lastGood)
	s.errorCount = 0
	s.frames++
	return nil
}

// Close releases the capture and the recovery frame
func (s *Source) Close() error {
	s.lastGood.Close()
	return s.reader.Close()
}

// IsValidFrame reports whether frame is a non-empty 8-bit BGR image
func IsValidFrame(frame gocv.Mat) bool {
	if frame.Ptr() == nil || frame.Empty() {
		return false
	}
	return frame.Rows() > 0 && frame.Cols() > 0 && frame.Type() == gocv.MatTypeCV8UC3
}

// ListWebcams probes device indexes 0..max-1 and returns those that open and
// deliver a frame
func ListWebcams(max int) []int {
	var found []int
	frame := gocv.NewMat()
	defer frame.Close()

	for id := 0; id < max; id++ {
		capture, err := gocv.VideoCaptureDevice(id)
		if err != nil {
			continue
		}
		if capture.IsOpened() && capture.Read(&frame) && !frame.Empty() {
			found = append(found, id)
		}
		capture.Close()
	}
	return found
}
