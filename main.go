// Command flybox calibrates a well plate on a video feed and records
// per-well fly movement to a text file at a fixed interval.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"flybox/calibration"
	"flybox/config"
	"flybox/detection"
	"flybox/overlay"
	"flybox/pkg/logging"
	"flybox/pkg/source"

	"gocv.io/x/gocv"
)

const (
	// Flags.
	flagDebug               = "debug"
	flagLogFile             = "log-file"
	flagSettings            = "settings"
	flagSource              = "source"
	flagOutput              = "output"
	flagInterval            = "interval"
	flagMonitor             = "monitor"
	flagHidden              = "hidden"
	flagWatch               = "watch"
	flagCalibrationAttempts = "calibration-attempts"
	flagSave                = "save"
	flagMax                 = "max"

	envFile = ".env"
)

func main() {
	var (
		logger   = zap.NewNop()
		closeLog = func() error { return nil }
	)

	app := &cli.App{
		Name:  "flybox",
		Usage: "record fly activity in a multi-well plate from a camera or video",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write JSON logs to `FILE` (rotated by size)",
			},
		},
		Before: func(c *cli.Context) error {
			l, closeFn, err := logging.New(logging.Config{
				Debug:      c.Bool(flagDebug),
				File:       c.String(flagLogFile),
				MaxSizeMB:  50,
				MaxBackups: 3,
			})
			if err != nil {
				return errors.Wrap(err, "setting up logging")
			}
			logger, closeLog = l, closeFn
			return nil
		},
		After: func(c *cli.Context) error {
			return closeLog()
		},
		Commands: []*cli.Command{
			{
				Name:  "record",
				Usage: "calibrate on the first frames and record until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSettings, Aliases: []string{"c"}, Usage: "load settings from `FILE` (.yaml or .json)"},
					&cli.StringFlag{Name: flagSource, Aliases: []string{"s"}, Usage: "camera index, video file or stream URL"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "output `FILE`"},
					&cli.IntFlag{Name: flagInterval, Usage: "seconds between output rows"},
					&cli.IntFlag{Name: flagMonitor, Usage: "monitor number written to every row"},
					&cli.BoolFlag{Name: flagHidden, Usage: "run without a preview window"},
					&cli.BoolFlag{Name: flagWatch, Usage: "reload motion tuning when the settings file changes"},
					&cli.IntFlag{Name: flagCalibrationAttempts, Value: 10, Usage: "frames to try before giving up on calibration"},
				},
				Action: func(c *cli.Context) error {
					return recordAction(c, logger)
				},
			},
			{
				Name:  "calibrate",
				Usage: "detect the well grid on one frame and print it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSettings, Aliases: []string{"c"}, Usage: "load settings from `FILE`"},
					&cli.StringFlag{Name: flagSource, Aliases: []string{"s"}, Usage: "camera index, video file or stream URL"},
					&cli.StringFlag{Name: flagSave, Usage: "write the annotated frame to `FILE`"},
				},
				Action: func(c *cli.Context) error {
					return calibrateAction(c, logger)
				},
			},
			{
				Name:  "webcams",
				Usage: "list camera indexes that deliver frames",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagMax, Value: 10, Usage: "highest index to probe (exclusive)"},
				},
				Action: func(c *cli.Context) error {
					ids := source.ListWebcams(c.Int(flagMax))
					if len(ids) == 0 {
						fmt.Fprintln(c.App.Writer, "no webcams found")
						return nil
					}
					for _, id := range ids {
						fmt.Fprintln(c.App.Writer, id)
					}
					return nil
				},
			},
			{
				Name:  "config",
				Usage: "work with settings files",
				Subcommands: []*cli.Command{
					{
						Name:      "init",
						Usage:     "write the default settings",
						ArgsUsage: "FILE",
						Action: func(c *cli.Context) error {
							path := c.Args().First()
							if path == "" {
								return errors.New("settings file path required")
							}
							return config.Save(afero.NewOsFs(), path, config.Default())
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("exiting", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
}

// loadSettings layers defaults, the settings file, .env and the process
// environment, then command line flags
func loadSettings(c *cli.Context) (config.Settings, config.LookupFunc, error) {
	fs := afero.NewOsFs()
	lookup, err := config.EnvFile(fs, envFile, os.LookupEnv)
	if err != nil {
		return config.Settings{}, nil, err
	}

	s, err := config.LoadFrom(fs, c.String(flagSettings), lookup)
	if err != nil {
		return config.Settings{}, nil, err
	}
	if c.IsSet(flagSource) {
		s.Video.Source = c.String(flagSource)
	}
	if c.IsSet(flagOutput) {
		s.Recording.OutputFile = c.String(flagOutput)
	}
	if c.IsSet(flagInterval) {
		s.Recording.Interval = c.Int(flagInterval)
	}
	if c.IsSet(flagMonitor) {
		s.Recording.Monitor = c.Int(flagMonitor)
	}
	return s, lookup, s.Validate()
}

func calibrateAction(c *cli.Context, logger *zap.Logger) error {
	s, _, err := loadSettings(c)
	if err != nil {
		return err
	}

	src, err := source.Open(s.Video.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	if err := src.Read(&frame); err != nil {
		return err
	}

	cropper := detection.NewFrameCropper(float32(s.Video.BorderThreshold), s.Video.MaxWidth, s.Video.MaxHeight)
	cropped, err := cropper.Crop(frame)
	defer cropped.Close()
	if err != nil {
		return err
	}

	detector, err := calibration.NewDetector(s.Calibration, logging.Component(logger, "calibration"))
	if err != nil {
		return err
	}
	g, err := detector.Detect(cropped)
	if err != nil {
		return err
	}

	border, _ := cropper.Border()
	fmt.Fprintf(c.App.Writer, "grid %s (%d wells), plate border %v\n", g.Dimensions(), g.Dimensions().Cells(), border)
	for _, it := range g.Items() {
		fmt.Fprintf(c.App.Writer, "%3d  row %d col %d  %v\n", it.Index, it.Coords.Row, it.Coords.Col, it.Bounds())
	}

	if path := c.String(flagSave); path != "" {
		overlay.NewRenderer().DrawGrid(&cropped, g)
		if !gocv.IMWrite(path, cropped) {
			return errors.Errorf("writing %s", path)
		}
	}
	return nil
}
