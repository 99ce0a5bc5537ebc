// Package config loads application settings: stock defaults, overlaid by a
// JSON or YAML file, overlaid by environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"flybox/calibration"
	"flybox/detection"
	"flybox/tracking"
)

// Environment variables overriding file settings
const (
	EnvSource     = "SOURCE"
	EnvOutputFile = "OUTPUT_FILE"
	EnvInterval   = "INTERVAL"
)

// maxFileSize bounds settings files read from disk
const maxFileSize = 1 << 20

// Settings is the full application configuration
type Settings struct {
	Video       VideoSettings          `json:"video" yaml:"video"`
	Motion      detection.MotionParams `json:"motion" yaml:"motion"`
	Calibration calibration.Params     `json:"calibration" yaml:"calibration"`
	Tracking    tracking.Params        `json:"tracking" yaml:"tracking"`
	Recording   RecordingSettings      `json:"recording" yaml:"recording"`
}

// VideoSettings describes the frame source and the crop applied to it
type VideoSettings struct {
	Source          string  `json:"source" yaml:"source"` // device index, file or stream URL
	MaxWidth        int     `json:"max_width" yaml:"max_width"`
	MaxHeight       int     `json:"max_height" yaml:"max_height"`
	BorderThreshold float64 `json:"border_threshold" yaml:"border_threshold"`
	TickMillis      int     `json:"tick_ms" yaml:"tick_ms"` // main loop period
}

// RecordingSettings controls the activity output file
type RecordingSettings struct {
	OutputFile string `json:"output_file" yaml:"output_file"`
	Interval   int    `json:"interval" yaml:"interval"` // seconds between rows
	Monitor    int    `json:"monitor" yaml:"monitor"`
}

// Default returns the stock settings
func Default() Settings {
	return Settings{
		Video: VideoSettings{
			Source:          "0",
			MaxWidth:        640,
			MaxHeight:       480,
			BorderThreshold: detection.DefaultBorderThreshold,
			TickMillis:      30,
		},
		Motion:      detection.DefaultMotionParams(),
		Calibration: calibration.DefaultParams(),
		Tracking:    tracking.DefaultParams(),
		Recording: RecordingSettings{
			OutputFile: filepath.Join("output", "data.txt"),
			Interval:   5,
			Monitor:    1,
		},
	}
}

// FlushInterval returns the recording interval as a duration
func (s Settings) FlushInterval() time.Duration {
	return time.Duration(s.Recording.Interval) * time.Second
}

// TickInterval returns the main loop period
func (s Settings) TickInterval() time.Duration {
	return time.Duration(s.Video.TickMillis) * time.Millisecond
}

// Validate checks every section
func (s Settings) Validate() error {
	if s.Video.Source == "" {
		return fmt.Errorf("video source is required")
	}
	if s.Video.MaxWidth < 0 || s.Video.MaxHeight < 0 {
		return fmt.Errorf("frame size limits cannot be negative")
	}
	if s.Video.TickMillis <= 0 {
		return fmt.Errorf("tick_ms must be positive, got %d", s.Video.TickMillis)
	}
	if s.Recording.OutputFile == "" {
		return fmt.Errorf("recording output file is required")
	}
	if s.Recording.Interval <= 0 {
		return fmt.Errorf("recording interval must be positive, got %d", s.Recording.Interval)
	}
	if err := s.Motion.Validate(); err != nil {
		return errors.Wrap(err, "motion")
	}
	if err := s.Calibration.Validate(); err != nil {
		return errors.Wrap(err, "calibration")
	}
	if err := s.Tracking.Validate(); err != nil {
		return errors.Wrap(err, "tracking")
	}
	return nil
}

// LookupFunc resolves an environment variable
type LookupFunc func(key string) (string, bool)

// Load reads settings from path (optional) on the OS filesystem and applies
// process environment overrides
func Load(path string) (Settings, error) {
	return LoadFrom(afero.NewOsFs(), path, os.LookupEnv)
}

// LoadFrom builds settings from defaults, the file at path when non-empty,
// then the variables resolved by lookup. The result is validated.
func LoadFrom(fs afero.Fs, path string, lookup LookupFunc) (Settings, error) {
	s := Default()
	if path != "" {
		if err := decodeFile(fs, path, &s); err != nil {
			return Settings{}, err
		}
	}
	if lookup != nil {
		if err := s.applyEnv(lookup); err != nil {
			return Settings{}, err
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, errors.Wrap(err, "invalid settings")
	}
	return s, nil
}

// decodeFile overlays the file onto s. Keys missing from the file keep the
// values already in s.
func decodeFile(fs afero.Fs, path string, s *Settings) error {
	clean := filepath.Clean(path)
	info, err := fs.Stat(clean)
	if err != nil {
		return errors.Wrap(err, "reading settings")
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := afero.ReadFile(fs, clean)
	if err != nil {
		return errors.Wrap(err, "reading settings")
	}

	switch ext := strings.ToLower(filepath.Ext(clean)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(err, "parsing %s", clean)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(err, "parsing %s", clean)
		}
	default:
		return fmt.Errorf("settings file must be .json, .yaml or .yml, got %q", ext)
	}
	return nil
}

func (s *Settings) applyEnv(lookup LookupFunc) error {
	if v, ok := lookup(EnvSource); ok && v != "" {
		s.Video.Source = v
	}
	if v, ok := lookup(EnvOutputFile); ok && v != "" {
		s.Recording.OutputFile = v
	}
	if v, ok := lookup(EnvInterval); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parsing %s", EnvInterval)
		}
		s.Recording.Interval = n
	}
	return nil
}

// EnvFile returns a lookup that consults next first and falls back to the
// dotenv file at path, so variables already set in the environment win. A
// missing file is not an error.
func EnvFile(fs afero.Fs, path string, next LookupFunc) (LookupFunc, error) {
	f, err := fs.Open(path)
	if os.IsNotExist(err) {
		return next, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return func(key string) (string, bool) {
		if next != nil {
			if v, ok := next(key); ok {
				return v, true
			}
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// Save writes s to path, choosing the encoding from the extension
func Save(fs afero.Fs, path string, s Settings) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err = json.MarshalIndent(s, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	default:
		return fmt.Errorf("settings file must be .json, .yaml or .yml, got %q", ext)
	}
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return errors.Wrapf(afero.WriteFile(fs, path, data, 0o644), "writing %s", path)
}
