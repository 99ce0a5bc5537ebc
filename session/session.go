// Package session ties a frame source to calibration, motion detection,
// tracking and recording, one frame per Tick.
package session

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"flybox/calibration"
	"flybox/config"
	"flybox/detection"
	"flybox/grid"
	"flybox/overlay"
	"flybox/pkg/source"
	"flybox/recording"
	"flybox/tracking"
)

var (
	// ErrGridNotInitialized is returned when recording is requested before a
	// successful calibration
	ErrGridNotInitialized = errors.New("grid not initialized, calibrate first")
	// ErrAlreadyRecording is returned by StartRecording while a recording runs
	ErrAlreadyRecording = errors.New("already recording")
)

// FrameSource delivers numbered frames. *source.Source implements it.
type FrameSource interface {
	Read(dst *gocv.Mat) error
	Frames() int
	Close() error
}

// Display shows rendered preview frames
type Display interface {
	Show(frame gocv.Mat)
}

// Option configures a Session
type Option func(*Session)

// WithSettings replaces the default settings
func WithSettings(s config.Settings) Option {
	return func(sess *Session) {
		sess.settings = s
	}
}

// WithLogger sets the parent logger; the session logs under "session"
func WithLogger(logger *zap.Logger) Option {
	return func(sess *Session) {
		if logger != nil {
			sess.rootLogger = logger
		}
	}
}

// WithClock injects the clock driving the flush interval
func WithClock(c clock.Clock) Option {
	return func(sess *Session) {
		sess.clock = c
	}
}

// WithFs sets the filesystem the recording is written to
func WithFs(fs afero.Fs) Option {
	return func(sess *Session) {
		sess.fs = fs
	}
}

// WithDisplay enables the preview
func WithDisplay(d Display) Option {
	return func(sess *Session) {
		sess.display = d
	}
}

// recordingRun is the state of one recording between Start and Stop
type recordingRun struct {
	id       uuid.UUID
	writer   *recording.FileWriter
	interval *recording.Interval
	engine   *tracking.Engine
}

// Session is driven from a single goroutine: Tick, Calibrate and the
// recording controls must not be called concurrently. UpdateSettings is the
// one method safe to call from other goroutines.
type Session struct {
	src        FrameSource
	settings   config.Settings
	rootLogger *zap.Logger
	logger     *zap.SugaredLogger
	clock      clock.Clock
	fs         afero.Fs
	display    Display

	motion     *detection.MotionDetector
	cropper    *detection.FrameCropper
	calibrator *calibration.Detector
	renderer   *overlay.Renderer

	grid    *grid.Grid
	run     *recordingRun
	hidden  bool
	updates chan config.Settings

	frame gocv.Mat
}

// New validates the settings and builds the long-lived components. The
// session takes ownership of src and closes it in Close.
func New(src FrameSource, opts ...Option) (*Session, error) {
	s := &Session{
		src:        src,
		settings:   config.Default(),
		rootLogger: zap.NewNop(),
		clock:      clock.New(),
		fs:         afero.NewOsFs(),
		updates:    make(chan config.Settings, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.rootLogger.Named("session").Sugar()

	if err := s.settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}

	calibrator, err := calibration.NewDetector(s.settings.Calibration, s.rootLogger.Named("calibration").Sugar())
	if err != nil {
		return nil, err
	}
	motion, err := detection.NewMotionDetector(s.settings.Motion, s.rootLogger.Named("motion").Sugar())
	if err != nil {
		return nil, err
	}

	v := s.settings.Video
	s.calibrator = calibrator
	s.motion = motion
	s.cropper = detection.NewFrameCropper(float32(v.BorderThreshold), v.MaxWidth, v.MaxHeight)
	s.renderer = overlay.NewRendererWithClock(s.clock)
	s.hidden = s.display == nil
	s.frame = gocv.NewMat()
	return s, nil
}

// Grid returns the calibrated grid, nil before calibration
func (s *Session) Grid() *grid.Grid {
	return s.grid
}

// Recording reports whether a recording is running
func (s *Session) Recording() bool {
	return s.run != nil
}

// RecordingID returns the id of the running recording
func (s *Session) RecordingID() (uuid.UUID, bool) {
	if s.run == nil {
		return uuid.Nil, false
	}
	return s.run.id, true
}

// Settings returns the active settings
func (s *Session) Settings() config.Settings {
	return s.settings
}

// Renderer exposes the overlay so callers can add messages to the preview
func (s *Session) Renderer() *overlay.Renderer {
	return s.renderer
}

// Hidden reports whether the preview is suppressed
func (s *Session) Hidden() bool {
	return s.hidden
}

// SetHidden hides or shows the preview. Hiding skips all drawing.
func (s *Session) SetHidden(hidden bool) {
	if s.display == nil {
		hidden = true
	}
	s.hidden = hidden
}

// Calibrate reads the next frame and calibrates on it
func (s *Session) Calibrate() error {
	if err := s.src.Read(&s.frame); err != nil {
		return errors.Wrap(err, "reading calibration frame")
	}
	return s.CalibrateFrame(s.frame)
}

// CalibrateFrame discards the current grid, stopping any recording, and
// detects a new one on frame. The plate border is determined again from
// frame, and the grid lives in the cropped coordinates. The cropped frame is
// also fed to the motion detector.
func (s *Session) CalibrateFrame(frame gocv.Mat) error {
	s.StopRecording()
	s.grid = nil
	s.cropper.Reset()

	cropped, err := s.cropper.Crop(frame)
	defer cropped.Close()
	if err != nil {
		return err
	}

	// the background model sees this frame too, like every ticked one
	if _, err := s.motion.Detect(cropped); err != nil {
		s.logger.Debugw("motion detection on calibration frame", "error", err)
	}

	g, err := s.calibrator.Detect(cropped)
	if err != nil {
		s.logger.Warnw("calibration failed", "error", err)
		s.renderer.Log("calibration failed", 2)
		return err
	}
	s.grid = g
	s.renderer.Log("calibrated "+g.Dimensions().String(), 1)
	return nil
}

// StartRecording truncates the output file and starts the flush timer
func (s *Session) StartRecording() error {
	if s.grid == nil {
		return ErrGridNotInitialized
	}
	if s.run != nil {
		return ErrAlreadyRecording
	}

	rec := s.settings.Recording
	writer, err := recording.NewFileWriter(s.fs, rec.OutputFile, s.grid.Dimensions(), rec.Monitor)
	if err != nil {
		return err
	}

	interval := recording.NewInterval(writer, s.settings.FlushInterval(),
		recording.WithClock(s.clock),
		recording.WithLogger(s.rootLogger.Named("recording").Sugar()))
	handlers := tracking.Handlers{interval, s.renderer}
	engine := tracking.NewEngine(s.grid, handlers, s.settings.Tracking, s.rootLogger.Named("tracking").Sugar())

	if err := interval.Start(); err != nil {
		return err
	}

	s.run = &recordingRun{
		id:       uuid.New(),
		writer:   writer,
		interval: interval,
		engine:   engine,
	}
	s.logger.Infow("recording started",
		"id", s.run.id.String(),
		"output", writer.Path(),
		"interval", s.settings.FlushInterval(),
		"wells", s.grid.Dimensions().Cells())
	s.renderer.Log("recording to "+writer.Path(), 1)
	return nil
}

// StopRecording cancels the flush timer. It is a no-op when idle.
func (s *Session) StopRecording() {
	if s.run == nil {
		return
	}
	s.run.interval.Cancel()
	s.logger.Infow("recording stopped", "id", s.run.id.String(), "output", s.run.writer.Path())
	s.renderer.Log("recording stopped", 1)
	s.run = nil
}

// UpdateSettings queues new settings for the next Tick. A pending update
// that was not applied yet is replaced.
func (s *Session) UpdateSettings(settings config.Settings) {
	for {
		select {
		case s.updates <- settings:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// applySettings installs new tuning. Motion tuning takes effect at once,
// calibration tuning on the next calibration, tracking and recording
// settings on the next recording.
func (s *Session) applySettings(next config.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.motion.Reconfigure(next.Motion); err != nil {
		return err
	}
	if next.Calibration != s.settings.Calibration {
		calibrator, err := calibration.NewDetector(next.Calibration, s.rootLogger.Named("calibration").Sugar())
		if err != nil {
			return err
		}
		s.calibrator = calibrator
	}
	v := next.Video
	s.cropper.Detector.Threshold = float32(v.BorderThreshold)
	s.cropper.MaxWidth = v.MaxWidth
	s.cropper.MaxHeight = v.MaxHeight

	s.settings = next
	s.logger.Infow("settings applied", "motion", next.Motion.Method, "history", next.Motion.History)
	return nil
}

func (s *Session) drainSettings() {
	select {
	case next := <-s.updates:
		if err := s.applySettings(next); err != nil {
			s.logger.Warnw("ignoring settings update", "error", err)
		}
	default:
	}
}

// pollErrors stops the recording when its flush failed and returns the error
func (s *Session) pollErrors() error {
	if s.run == nil {
		return nil
	}
	select {
	case err := <-s.run.interval.Errors():
		s.logger.Errorw("recording failed", "id", s.run.id.String(), "error", err)
		s.StopRecording()
		s.renderer.Log("recording failed: "+err.Error(), 2)
		return err
	default:
		return nil
	}
}

// Tick processes one frame. The returned error is either a
// *recording.PersistenceError (recording has been stopped, the grid kept)
// or a source error. Unusable single frames are skipped silently.
func (s *Session) Tick() error {
	s.drainSettings()
	if err := s.pollErrors(); err != nil {
		return err
	}

	if err := s.src.Read(&s.frame); err != nil {
		if errors.Is(err, source.ErrInvalidFrame) {
			s.logger.Debugw("skipping invalid frame", "frame", s.src.Frames())
			return nil
		}
		return err
	}

	cropped, err := s.cropper.Crop(s.frame)
	defer cropped.Close()
	if err != nil {
		return err
	}

	// the background model learns from every frame, recording or not
	contours, err := s.motion.Detect(cropped)
	if err != nil {
		return err
	}

	var canvas *gocv.Mat
	if !s.hidden {
		canvas = &cropped
	}
	if s.run != nil {
		s.run.engine.Handle(contours, canvas, s.src.Frames())
	}

	if canvas != nil {
		s.renderer.DrawGrid(canvas, s.grid)
		s.renderer.DrawStatus(canvas, s.status())
		s.display.Show(*canvas)
	}
	return nil
}

func (s *Session) status() overlay.Status {
	st := overlay.Status{
		Recording: s.run != nil,
		Hidden:    s.hidden,
		Frame:     s.src.Frames(),
	}
	if s.grid != nil {
		st.Dimensions = s.grid.Dimensions()
	}
	if s.run != nil {
		st.Output = s.run.writer.Path()
	}
	return st
}

// Close stops any recording and releases the source and OpenCV resources
func (s *Session) Close() error {
	s.StopRecording()
	return multierr.Combine(
		s.motion.Close(),
		s.frame.Close(),
		s.src.Close(),
	)
}
