package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modkernel/registry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "defaultServer", cfg.ServerName)
	assert.Equal(t, ".modkernel", cfg.StateDir)
	assert.Equal(t, 6, cfg.KernelStartLevel)
	assert.Equal(t, 7, cfg.PrepareStartLevel)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
	assert.Equal(t, "127.0.0.1", cfg.Command.Host)
	assert.Equal(t, 0, cfg.Command.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "kernel.yaml", `
serverName: edge
stateDir: /var/lib/edge
kernelStartLevel: 3
prepareStartLevel: 5
stopTimeout: 5s
command:
  port: 7777
introspection:
  schedule: "@every 1h"
  actions: [goroutine, heap]
modules:
  - name: com.example.core
    version: "[1.0.0,2.0.0)"
    startLevel: 2
  - name: com.example.web
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge", cfg.ServerName)
	assert.Equal(t, 3, cfg.KernelStartLevel)
	assert.Equal(t, 5, cfg.PrepareStartLevel)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, 7777, cfg.Command.Port)
	assert.Equal(t, "127.0.0.1", cfg.Command.Host, "defaults fill nested structs")
	assert.Equal(t, []string{"goroutine", "heap"}, cfg.Introspection.Actions)
	require.Len(t, cfg.Modules, 2)
	assert.Equal(t, "com.example.core", cfg.Modules[0].SymbolicName)
	assert.Equal(t, "[1.0.0,2.0.0)", cfg.Modules[0].VersionRange)
	assert.Equal(t, 2, cfg.Modules[0].StartLevel)
	assert.Equal(t, 0, cfg.Modules[1].StartLevel)
	assert.Equal(t, filepath.Join("/var/lib/edge", "command.id"), cfg.IdentityFile())
	assert.Equal(t, filepath.Join("/var/lib/edge", "auth"), cfg.ChallengeDir())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "kernel.toml", `
serverName = "toml-server"
skipStart = true

[command]
disabled = true

[log]
level = "debug"
format = "json"

[[modules]]
name = "com.example.core"
version = "1.2.0"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "toml-server", cfg.ServerName)
	assert.True(t, cfg.SkipStart)
	assert.True(t, cfg.Command.Disabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Modules, 1)
	assert.Equal(t, "1.2.0", cfg.Modules[0].VersionRange)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "kernel.ini", "serverName=x")
	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODKERNEL_SERVER_NAME", "from-env")
	t.Setenv("MODKERNEL_KERNEL_START_LEVEL", "2")
	t.Setenv("MODKERNEL_SKIP_START", "true")
	t.Setenv("MODKERNEL_STOP_TIMEOUT", "250ms")
	t.Setenv("MODKERNEL_COMMAND_PORT", "9123")
	t.Setenv("MODKERNEL_INTROSPECTION_ACTIONS", "heap, mutex")

	path := writeFile(t, "kernel.yaml", "serverName: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ServerName)
	assert.Equal(t, 2, cfg.KernelStartLevel)
	assert.True(t, cfg.SkipStart)
	assert.Equal(t, 250*time.Millisecond, cfg.StopTimeout)
	assert.Equal(t, 9123, cfg.Command.Port)
	assert.Equal(t, []string{"heap", "mutex"}, cfg.Introspection.Actions)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("MODKERNEL_COMMAND_PORT", "not-a-port")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODKERNEL_COMMAND_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing server name", func(c *Config) { c.ServerName = "" }, "ServerName"},
		{"kernel level", func(c *Config) { c.KernelStartLevel = 0; c.PrepareStartLevel = 1 }, "kernelStartLevel"},
		{"prepare below kernel", func(c *Config) { c.PrepareStartLevel = 2 }, "prepareStartLevel"},
		{"port range", func(c *Config) { c.Command.Port = 70000 }, "command port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"schedule", func(c *Config) { c.Introspection.Schedule = "every tuesday" }, "introspection schedule"},
		{"module name", func(c *Config) { c.Modules = append(c.Modules, moduleWithName("")) }, "has no name"},
		{"module range", func(c *Config) {
			m := moduleWithName("a")
			m.VersionRange = "[2.0.0"
			c.Modules = append(c.Modules, m)
		}, "modules[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestProcessDefaultsRejectsNonPointer(t *testing.T) {
	require.ErrorIs(t, ProcessDefaults(Config{}), ErrConfigNotPointer)
	require.ErrorIs(t, ProcessDefaults(nil), ErrConfigNil)
}

func TestProcessDefaultsKeepsSetValues(t *testing.T) {
	cfg := &Config{ServerName: "kept", KernelStartLevel: 4}
	require.NoError(t, ProcessDefaults(cfg))
	assert.Equal(t, "kept", cfg.ServerName)
	assert.Equal(t, 4, cfg.KernelStartLevel)
	assert.Equal(t, 7, cfg.PrepareStartLevel)
}

func moduleWithName(name string) registry.Descriptor {
	return registry.Descriptor{SymbolicName: name}
}
