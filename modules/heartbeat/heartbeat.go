// Package heartbeat provides a module that logs a heartbeat on a cron
// schedule. It publishes itself as a pausable component, so the kernel's
// pause and resume commands suspend and restore its beats.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modkernel/registry"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 30s"

// ServicePrefix prefixes the service name a heartbeat registers under.
const ServicePrefix = "heartbeat."

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Heartbeat is a pausable component and the activator of its module.
type Heartbeat struct {
	name     string
	schedule string
	logger   Logger

	paused   atomic.Bool
	beats    atomic.Int64
	lastBeat atomic.Int64

	mu       sync.Mutex
	cron     *cron.Cron
	services registry.ServiceRegistry
}

// New creates a heartbeat named name beating on schedule, a cron expression
// or descriptor such as "@every 10s".
func New(name, schedule string, logger Logger) *Heartbeat {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Heartbeat{name: name, schedule: schedule, logger: logger}
}

// Artifact describes a heartbeat module for a registry catalog.
func Artifact(name, version, schedule string, logger Logger) registry.Artifact {
	return registry.Artifact{
		SymbolicName: "heartbeat." + name,
		Version:      version,
		Activator:    New(name, schedule, logger),
	}
}

// Name implements the pausable component contract.
func (h *Heartbeat) Name() string {
	return h.name
}

// Pause suspends beats until Resume.
func (h *Heartbeat) Pause(context.Context) error {
	if h.paused.CompareAndSwap(false, true) {
		h.logger.Info("Heartbeat paused", "heartbeat", h.name)
	}
	return nil
}

// Resume restores beats.
func (h *Heartbeat) Resume(context.Context) error {
	if h.paused.CompareAndSwap(true, false) {
		h.logger.Info("Heartbeat resumed", "heartbeat", h.name)
	}
	return nil
}

// IsPaused reports whether beats are suspended.
func (h *Heartbeat) IsPaused() bool {
	return h.paused.Load()
}

// Beats returns the number of beats so far.
func (h *Heartbeat) Beats() int64 {
	return h.beats.Load()
}

// LastBeat returns the time of the latest beat, or the zero time.
func (h *Heartbeat) LastBeat() time.Time {
	ns := h.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Beat records one heartbeat unless paused. It reports whether it beat.
func (h *Heartbeat) Beat() bool {
	if h.paused.Load() {
		return false
	}
	n := h.beats.Add(1)
	h.lastBeat.Store(time.Now().UnixNano())
	h.logger.Debug("Heartbeat", "heartbeat", h.name, "count", n)
	return true
}

// Start schedules the heartbeat and publishes it as a service.
func (h *Heartbeat) Start(_ context.Context, services registry.ServiceRegistry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(h.schedule, func() { h.Beat() }); err != nil {
		return fmt.Errorf("heartbeat %s: invalid schedule %q: %w", h.name, h.schedule, err)
	}
	if err := services.Register(ServicePrefix+h.name, h); err != nil {
		return fmt.Errorf("heartbeat %s: %w", h.name, err)
	}
	c.Start()
	h.cron = c
	h.services = services
	h.logger.Info("Heartbeat started", "heartbeat", h.name, "schedule", h.schedule)
	return nil
}

// Stop unpublishes the heartbeat and waits for a running beat to finish.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	c, services := h.cron, h.services
	h.cron, h.services = nil, nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}

	if err := services.Unregister(ServicePrefix + h.name); err != nil {
		h.logger.Warn("Failed to unregister heartbeat", "heartbeat", h.name, "error", err)
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	h.logger.Info("Heartbeat stopped", "heartbeat", h.name, "beats", h.Beats())
	return nil
}
