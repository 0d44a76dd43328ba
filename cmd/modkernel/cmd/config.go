package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/modkernel/config"
)

// loadConfig reads the configuration file when one is given, otherwise the
// defaults with environment overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if err := config.ApplyEnv(cfg, config.EnvPrefix); err != nil {
			return nil, err
		}
	}
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", config.ErrInvalidConfig, cfg.Format)
	}
}
