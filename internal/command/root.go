// Package command provides the CLI command definitions for ckpt2npy.
//
// It uses urfave/cli/v2. Running the binary with a checkpoint path
// exports it; running it without arguments opens the interactive picker.
package command

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/23skdu/ckpt2npy/internal/config"
	"github.com/23skdu/ckpt2npy/internal/logger"
	"github.com/23skdu/ckpt2npy/internal/metrics"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const configKey = "config"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:      "ckpt2npy",
		Usage:     "Export checkpoint tensors as NumPy binaries",
		ArgsUsage: "[checkpoint_path]",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			ExportCommand(),
			ListCommand(),
			VerifyCommand(),
			PickCommand(),
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"), overrides(c))
			if err != nil {
				return err
			}
			logger.SetupWriter(cfg.Log.Level, cfg.Log.Format, c.App.ErrWriter)
			c.App.Metadata[configKey] = cfg
			return nil
		},
		After: func(c *cli.Context) error {
			cfg, ok := c.App.Metadata[configKey].(*config.Config)
			if !ok || cfg.Metrics.File == "" {
				return nil
			}
			if err := metrics.WriteTextfile(cfg.Metrics.File); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return pickAction(c)
			}
			return exportAction(c)
		},
	}
}

// globalFlags returns the global CLI flags. Each one maps onto a config
// key and beats the config file and environment when given.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{config.EnvPrefix + "CONFIG"},
		},
		&cli.StringFlag{
			Name:    "dest",
			Aliases: []string{"d"},
			Usage:   "Output directory (created if missing)",
			Value:   "./output",
		},
		&cli.StringFlag{
			Name:    "mode",
			Aliases: []string{"m"},
			Usage:   "What to write: tensors, bundle or both",
			Value:   config.ModeTensors,
		},
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Per-tensor file format: npy or arrow",
			Value:   config.FormatNPY,
		},
		&cli.BoolFlag{
			Name:  "compress",
			Usage: "Deflate bundle members",
		},
		&cli.BoolFlag{
			Name:  "upcast-half",
			Usage: "Write float16 tensors as float32",
		},
		&cli.BoolFlag{
			Name:  "verify",
			Usage: "Recompute every checksum after writing the manifest",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Fail the run when any tensor is skipped",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: console or json",
			Value: "console",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write run metrics in the Prometheus text format to this file",
		},
	}
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"dest":         "dest",
	"mode":         "mode",
	"format":       "format",
	"compress":     "compress",
	"upcast-half":  "upcast_half",
	"verify":       "verify",
	"strict":       "strict",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-file": "metrics.file",
}

// overrides collects the flags given on the command line. Flag defaults
// are left out so they do not mask the config file.
func overrides(c *cli.Context) config.Overrides {
	o := config.Overrides{}
	for flag, key := range flagKeys {
		if !c.IsSet(flag) {
			continue
		}
		switch c.Value(flag).(type) {
		case bool:
			o.Set(key, c.Bool(flag))
		default:
			o.Set(key, c.String(flag))
		}
	}
	return o
}

// Config returns the configuration loaded before the command ran.
func Config(c *cli.Context) (*config.Config, error) {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg, nil
	}
	return nil, errors.New("configuration not loaded")
}
