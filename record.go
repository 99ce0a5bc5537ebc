package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"flybox/config"
	"flybox/pkg/logging"
	"flybox/pkg/source"
	"flybox/recording"
	"flybox/session"
)

// preview is a gocv window that remembers the last key pressed
type preview struct {
	win *gocv.Window
	key int
}

func newPreview(title string) *preview {
	return &preview{win: gocv.NewWindow(title), key: -1}
}

// Show implements session.Display
func (p *preview) Show(frame gocv.Mat) {
	p.win.IMShow(frame)
	if k := p.win.WaitKey(1); k >= 0 {
		p.key = k
	}
}

// TakeKey returns and clears the last key. While the session is hidden no
// frames are shown, so the window is polled here instead.
func (p *preview) TakeKey(hidden bool) int {
	if hidden {
		if k := p.win.WaitKey(1); k >= 0 {
			p.key = k
		}
	}
	k := p.key
	p.key = -1
	return k
}

func (p *preview) Close() error {
	return p.win.Close()
}

func recordAction(c *cli.Context, logger *zap.Logger) error {
	log := logging.Component(logger, "main")

	s, lookup, err := loadSettings(c)
	if err != nil {
		return err
	}

	src, err := source.Open(s.Video.Source)
	if err != nil {
		return err
	}
	log.Infow("video source opened", "source", src.Name())

	opts := []session.Option{
		session.WithSettings(s),
		session.WithLogger(logger),
		session.WithFs(afero.NewOsFs()),
	}
	var win *preview
	if !c.Bool(flagHidden) {
		win = newPreview("flybox")
		defer win.Close()
		opts = append(opts, session.WithDisplay(win))
	}

	sess, err := session.New(src, opts...)
	if err != nil {
		src.Close()
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warnw("closing session", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := c.String(flagSettings); c.Bool(flagWatch) && path != "" {
		load := func() (config.Settings, error) { return config.LoadFrom(afero.NewOsFs(), path, lookup) }
		if err := config.Watch(ctx, path, config.DefaultWatchDelay, load, logging.Component(logger, "config"), sess.UpdateSettings); err != nil {
			return err
		}
	}

	if err := calibrate(sess, c.Int(flagCalibrationAttempts), log); err != nil {
		return err
	}
	if err := sess.StartRecording(); err != nil {
		return err
	}

	return loop(ctx, sess, win, log)
}

// calibrate tries consecutive frames until one yields a grid
func calibrate(sess *session.Session, attempts int, log *zap.SugaredLogger) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = sess.Calibrate(); err == nil {
			return nil
		}
		if errors.Is(err, source.ErrReadFailed) {
			return err
		}
		log.Infow("calibration attempt failed", "attempt", i, "of", attempts, "error", err)
	}
	return errors.Wrapf(err, "calibration failed after %d attempts", attempts)
}

// loop ticks the session until the context ends, the source runs dry or a
// flush fails. Keys: h toggles the preview, c recalibrates and restarts the
// recording, q or Esc quits.
func loop(ctx context.Context, sess *session.Session, win *preview, log *zap.SugaredLogger) error {
	ticker := clock.New().Ticker(sess.Settings().TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("interrupted, stopping")
			return nil
		case <-ticker.C:
		}

		if err := sess.Tick(); err != nil {
			var perr *recording.PersistenceError
			switch {
			case errors.As(err, &perr):
				return errors.Wrap(err, "recording stopped")
			case errors.Is(err, source.ErrReadFailed):
				log.Infow("source exhausted", "error", err)
				return nil
			default:
				log.Warnw("frame skipped", "error", err)
			}
		}

		if win == nil {
			continue
		}
		switch win.TakeKey(sess.Hidden()) {
		case 'h':
			sess.SetHidden(!sess.Hidden())
		case 'c':
			if err := calibrate(sess, 1, log); err != nil {
				log.Warnw("recalibration failed, recording stopped", "error", err)
				continue
			}
			if err := sess.StartRecording(); err != nil {
				return err
			}
		case 'q', 27:
			return nil
		}
	}
}
