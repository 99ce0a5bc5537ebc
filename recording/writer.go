package recording

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"flybox/grid"
	"flybox/tracking"
)

// MotionHandler receives motion events and periodic flush requests
type MotionHandler interface {
	OnEvent(event tracking.MotionEvent)
	OnFlush(ts time.Time) error
}

// FileWriter accumulates distances per well and appends one row per flush
// to a text file.
type FileWriter struct {
	fs      afero.Fs
	path    string
	monitor int
	acc     *Accumulator

	mu    sync.Mutex // serializes flushes and guards index
	index int
}

// NewFileWriter prepares path for a new recording: parent directories are
// created and the file is truncated, so permission problems show up before
// any data is collected.
func NewFileWriter(fs afero.Fs, path string, dims grid.Dimensions, monitor int) (*FileWriter, error) {
	if dims.Cells() == 0 {
		return nil, errors.New("cannot record an empty grid")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating output directory %s", dir)
		}
	}
	if err := afero.WriteFile(fs, path, nil, 0o644); err != nil {
		return nil, errors.Wrapf(err, "truncating output file %s", path)
	}

	return &FileWriter{
		fs:      fs,
		path:    path,
		monitor: monitor,
		acc:     NewAccumulator(dims),
	}, nil
}

// Path returns the output file path
func (w *FileWriter) Path() string {
	return w.path
}

// Accumulator exposes the per-well totals collected since the last flush
func (w *FileWriter) Accumulator() *Accumulator {
	return w.acc
}

// OnEvent adds the event distance to the well it belongs to
func (w *FileWriter) OnEvent(event tracking.MotionEvent) {
	if event.Item == nil {
		return
	}
	w.acc.Add(event.Item.Coords, event.Distance)
}

// OnFlush writes the totals collected since the previous flush as the next
// row and resets them. Rows are numbered from 1.
func (w *FileWriter) OnFlush(ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.index++
	line := FormatRow(w.index, ts, w.monitor, w.acc.Snapshot()) + "\n"

	f, err := w.fs.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", w.path)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return errors.Wrapf(err, "appending row %d to %s", w.index, w.path)
	}
	return errors.Wrapf(f.Close(), "closing %s", w.path)
}
