// Package config loads the kernel's process configuration from YAML or TOML
// files, applies struct-tag defaults and MODKERNEL_* environment overrides,
// and validates the result.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modkernel/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODKERNEL"

// Config is the kernel process configuration.
type Config struct {
	ServerName string `yaml:"serverName" toml:"serverName" env:"SERVER_NAME" default:"defaultServer" required:"true" desc:"Name reported in status and introspection output"`
	StateDir   string `yaml:"stateDir" toml:"stateDir" env:"STATE_DIR" default:".modkernel" required:"true" desc:"Directory holding the command identity file, challenge directory and dumps"`

	KernelStartLevel  int           `yaml:"kernelStartLevel" toml:"kernelStartLevel" env:"KERNEL_START_LEVEL" default:"6" desc:"Start level assigned to modules that do not declare one"`
	PrepareStartLevel int           `yaml:"prepareStartLevel" toml:"prepareStartLevel" env:"PREPARE_START_LEVEL" default:"7" desc:"Start level reached at the end of initial provisioning"`
	SkipStart         bool          `yaml:"skipStart" toml:"skipStart" env:"SKIP_START" desc:"Install modules without starting them"`
	StopTimeout       time.Duration `yaml:"stopTimeout" toml:"stopTimeout" env:"STOP_TIMEOUT" default:"30s" desc:"Upper bound for a single module's stop"`

	Command       CommandConfig         `yaml:"command" toml:"command" env:"COMMAND"`
	Introspection IntrospectionConfig   `yaml:"introspection" toml:"introspection" env:"INTROSPECTION"`
	Log           LogConfig             `yaml:"log" toml:"log" env:"LOG"`
	Modules       []registry.Descriptor `yaml:"modules" toml:"modules"`
}

// CommandConfig configures the local command channel.
type CommandConfig struct {
	Disabled bool   `yaml:"disabled" toml:"disabled" env:"DISABLED" desc:"Do not start the command listener"`
	Host     string `yaml:"host" toml:"host" env:"HOST" default:"127.0.0.1" desc:"Loopback address the listener binds"`
	Port     int    `yaml:"port" toml:"port" env:"PORT" desc:"Listener port, 0 picks an ephemeral port"`
}

// IntrospectionConfig configures scheduled introspection dumps.
type IntrospectionConfig struct {
	Schedule string   `yaml:"schedule" toml:"schedule" env:"SCHEDULE" desc:"Cron expression for periodic introspection, empty disables it"`
	Actions  []string `yaml:"actions" toml:"actions" env:"ACTIONS" desc:"Dump actions taken on each scheduled run"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL" default:"info" desc:"debug, info, warn or error"`
	Format string `yaml:"format" toml:"format" env:"FORMAT" default:"text" desc:"text or json"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	// Defaults on Config are static and known to parse.
	_ = ProcessDefaults(cfg)
	return cfg
}

// IdentityFile returns the path of the command identity file.
func (c *Config) IdentityFile() string {
	return filepath.Join(c.StateDir, "command.id")
}

// ChallengeDir returns the private directory used for command challenges.
func (c *Config) ChallengeDir() string {
	return filepath.Join(c.StateDir, "auth")
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if err := ValidateRequired(c); err != nil {
		return err
	}

	var problems []string
	if c.KernelStartLevel < 1 {
		problems = append(problems, fmt.Sprintf("kernelStartLevel %d must be at least 1", c.KernelStartLevel))
	}
	if c.PrepareStartLevel < c.KernelStartLevel {
		problems = append(problems, fmt.Sprintf("prepareStartLevel %d is below kernelStartLevel %d", c.PrepareStartLevel, c.KernelStartLevel))
	}
	if c.Command.Port < 0 || c.Command.Port > 65535 {
		problems = append(problems, fmt.Sprintf("command port %d out of range", c.Command.Port))
	}
	if c.StopTimeout < 0 {
		problems = append(problems, "stopTimeout must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if c.Introspection.Schedule != "" {
		if _, err := cron.ParseStandard(c.Introspection.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("introspection schedule: %v", err))
		}
	}
	for i, m := range c.Modules {
		if m.SymbolicName == "" {
			problems = append(problems, fmt.Sprintf("modules[%d] has no name", i))
		}
		if m.StartLevel < 0 {
			problems = append(problems, fmt.Sprintf("modules[%d] start level %d is negative", i, m.StartLevel))
		}
		if _, err := registry.ParseVersionRange(m.VersionRange); err != nil {
			problems = append(problems, fmt.Sprintf("modules[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

