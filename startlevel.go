package modkernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/modkernel/lifecycle"
	"github.com/GoCodeAlone/modkernel/registry"
)

var waiterSeq atomic.Int64

// StartLevelWaiter turns the registry's asynchronous start-level completion
// into a blocking wait. It is registered as an observer on construction and
// is good for exactly one wait.
//
// Level-changed and registry-stopped events wake the waiter. Module
// activation errors published during the wait are folded into the tracked
// StartStatus, when one is given. Registry-wide errors (no module id) also
// wake the waiter.
type StartLevelWaiter struct {
	id       string
	registry registry.ModuleRegistry
	hooks    *lifecycle.ExitHooks
	status   *StartStatus
	logger   Logger

	woken    chan struct{}
	wakeOnce sync.Once
	valid    atomic.Bool

	hookOnce sync.Once
	hook     *lifecycle.Hook
}

// NewStartLevelWaiter registers a waiter on reg. status may be nil.
func NewStartLevelWaiter(reg registry.ModuleRegistry, hooks *lifecycle.ExitHooks, status *StartStatus, logger Logger) (*StartLevelWaiter, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	w := &StartLevelWaiter{
		id:       fmt.Sprintf("kernel.startlevel.waiter.%d", waiterSeq.Add(1)),
		registry: reg,
		hooks:    hooks,
		status:   status,
		logger:   logger,
		woken:    make(chan struct{}),
	}
	w.valid.Store(true)
	err := reg.RegisterObserver(w,
		lifecycle.EventTypeStartLevelChanged,
		lifecycle.EventTypeRegistryStopped,
		lifecycle.EventTypeRegistryError,
	)
	if err != nil {
		return nil, fmt.Errorf("registering start level waiter: %w", err)
	}
	return w, nil
}

// ObserverID implements lifecycle.Observer.
func (w *StartLevelWaiter) ObserverID() string {
	return w.id
}

// OnEvent implements lifecycle.Observer.
func (w *StartLevelWaiter) OnEvent(_ context.Context, event cloudevents.Event) error {
	switch event.Type() {
	case lifecycle.EventTypeStartLevelChanged:
		w.wake(true)
	case lifecycle.EventTypeRegistryStopped:
		w.logger.Debug("Registry stopped while waiting for start level")
		w.wake(false)
	case lifecycle.EventTypeRegistryError:
		var data registry.ModuleEvent
		if err := event.DataAs(&data); err != nil {
			return fmt.Errorf("decoding registry error event: %w", err)
		}
		if data.ModuleID == 0 {
			w.logger.Error("Registry error while waiting for start level", "error", data.Error)
			w.wake(true)
			return nil
		}
		if w.status != nil {
			w.status.add(ModuleError{
				ModuleID:     data.ModuleID,
				SymbolicName: data.SymbolicName,
				Version:      data.Version,
				Err:          errors.New(data.Error),
			})
		}
	}
	return nil
}

// wake releases the waiter. valid is false when the wake-up came from
// process shutdown rather than the registry finishing its work.
func (w *StartLevelWaiter) wake(valid bool) {
	w.wakeOnce.Do(func() {
		if !valid {
			w.valid.Store(false)
			if w.status != nil {
				w.status.MarkChannelInvalid()
			}
		}
		close(w.woken)
	})
}

// WaitForLevel blocks until the registry reports the level change, the
// registry stops, the process begins exiting, or ctx is done. It returns
// ErrShutdownInProgress when shutdown won the race.
func (w *StartLevelWaiter) WaitForLevel(ctx context.Context) error {
	w.hookOnce.Do(w.installSafetyHook)
	defer w.release()

	select {
	case <-w.woken:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !w.valid.Load() {
		return ErrShutdownInProgress
	}
	return nil
}

// installSafetyHook makes sure a process exit during the wait releases the
// waiter instead of leaving it blocked on an event that will never come.
func (w *StartLevelWaiter) installSafetyHook() {
	if w.hooks == nil {
		return
	}
	hook, err := w.hooks.Add(w.id, func() { w.wake(false) })
	if err != nil {
		w.wake(false)
		return
	}
	w.hook = hook
}

func (w *StartLevelWaiter) release() {
	if w.hook != nil && w.hooks != nil {
		if err := w.hooks.Remove(w.hook); err != nil && !errors.Is(err, lifecycle.ErrHooksRunning) {
			w.logger.Warn("Failed to remove start level safety hook", "error", err)
		}
	}
	if err := w.registry.UnregisterObserver(w); err != nil {
		w.logger.Warn("Failed to unregister start level waiter", "error", err)
	}
}
