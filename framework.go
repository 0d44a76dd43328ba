// Package modkernel is the bootstrap and lifecycle kernel of a modular server
// process. A Framework drives a module registry through initial
// provisioning, exposes a local command channel for tooling, broadcasts
// pause and resume requests to pausable components and coordinates an
// orderly, idempotent shutdown whichever path triggers it.
//
// Launch progress is published through three one-shot latches, observed in
// order: the registry started, initial provisioning finished, the process
// stopped.
package modkernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modkernel/command"
	"github.com/GoCodeAlone/modkernel/config"
	"github.com/GoCodeAlone/modkernel/lifecycle"
	"github.com/GoCodeAlone/modkernel/registry"
)

const (
	shutdownHookName  = "kernel.shutdown"
	listenerDrainTime = 2 * time.Second
)

const (
	launchPending int32 = iota
	launchSucceeded
	launchFailed
)

type pendingObserver struct {
	observer   lifecycle.Observer
	eventTypes []string
}

// Framework is the lifecycle manager of the kernel.
type Framework struct {
	cfg      *config.Config
	registry registry.ModuleRegistry
	resolver Resolver
	hooks    *lifecycle.ExitHooks
	logger   Logger
	events   *lifecycle.Broadcaster
	args     []string

	observers []pendingObserver

	identity     ProcessIdentity
	pause        *PauseController
	introspector *Introspector
	schedule     *Schedule
	listener     *command.Listener

	started     *lifecycle.Latch
	provisioned *lifecycle.Latch
	stopped     *lifecycle.Latch

	launched      atomic.Bool
	launchOutcome atomic.Int32

	stopOnce   sync.Once
	stopForced atomic.Bool

	hookMu       sync.Mutex
	shutdownHook *lifecycle.Hook
}

// NewFramework creates a Framework driving reg with cfg.
func NewFramework(cfg *config.Config, reg registry.ModuleRegistry, opts ...Option) (*Framework, error) {
	if cfg == nil {
		return nil, ErrConfigNotSet
	}
	if reg == nil {
		return nil, ErrRegistryNotSet
	}

	f := &Framework{
		cfg:         cfg,
		registry:    reg,
		resolver:    StaticResolver(cfg.Modules),
		logger:      nopLogger{},
		started:     lifecycle.NewLatch("started"),
		provisioned: lifecycle.NewLatch("provisioned"),
		stopped:     lifecycle.NewLatch("stopped"),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.hooks == nil {
		f.hooks = lifecycle.NewExitHooks(f.logger)
	}
	f.events = lifecycle.NewBroadcaster(f.logger)
	for _, o := range f.observers {
		if err := f.events.RegisterObserver(o.observer, o.eventTypes...); err != nil {
			return nil, fmt.Errorf("registering observer %s: %w", o.observer.ObserverID(), err)
		}
	}

	f.identity = newProcessIdentity(uuid.NewString())
	f.pause = NewPauseController(f.logger)
	f.introspector = NewIntrospector(cfg.ServerName, cfg.StateDir, reg, f.pause, f.Identity, f.logger)
	f.schedule = NewSchedule(f.logger)
	return f, nil
}

// RegisterObserver subscribes to kernel lifecycle events.
func (f *Framework) RegisterObserver(observer lifecycle.Observer, eventTypes ...string) error {
	return f.events.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver removes a kernel lifecycle observer.
func (f *Framework) UnregisterObserver(observer lifecycle.Observer) error {
	return f.events.UnregisterObserver(observer)
}

// NotifyObservers publishes event to kernel lifecycle observers.
func (f *Framework) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return f.events.NotifyObservers(ctx, event)
}

// Identity returns the process identity.
func (f *Framework) Identity() ProcessIdentity {
	return f.identity
}

// Registry returns the module registry the framework drives.
func (f *Framework) Registry() registry.ModuleRegistry {
	return f.registry
}

// PauseController returns the controller for pausable components.
func (f *Framework) PauseController() *PauseController {
	return f.pause
}

// ExitHooks returns the exit hook registry the framework uses.
func (f *Framework) ExitHooks() *lifecycle.ExitHooks {
	return f.hooks
}

// Launch starts the module registry, provisions the initial modules, starts
// the command listener and installs the shutdown hook, then blocks until the
// registry has stopped. Cancelling ctx requests a shutdown.
//
// A launch interrupted by shutdown returns an error wrapping
// ErrShutdownInProgress; it is not a launch failure.
func (f *Framework) Launch(ctx context.Context) error {
	if !f.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}
	f.publish(lifecycle.EventTypeKernelLaunched, nil)

	if err := f.registry.Start(ctx); err != nil {
		f.logger.Error("Module registry failed to start", "error", err)
		f.recordLaunch(false)
		f.started.Signal(false)
		f.publish(lifecycle.EventTypeKernelFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("%w: %w", ErrRegistryStartFailed, err)
	}
	stopOnCancel := context.AfterFunc(ctx, f.ShutdownFramework)
	defer stopOnCancel()

	if err := f.registerServices(); err != nil {
		f.logger.Error("Failed to register kernel services", "error", err)
		f.recordLaunch(false)
		f.started.Signal(false)
		return f.abort(fmt.Errorf("%w: %w", ErrLaunchFailed, err))
	}
	f.started.Signal(true)

	if err := f.provision(ctx); err != nil {
		f.recordLaunch(false)
		f.provisioned.Signal(false)
		return f.abort(err)
	}

	if err := f.startServices(); err != nil {
		f.logger.Error("Kernel failed to start", "error", err)
		f.recordLaunch(false)
		f.provisioned.Signal(false)
		return f.abort(fmt.Errorf("%w: %w", ErrLaunchFailed, err))
	}

	f.recordLaunch(true)
	f.provisioned.Signal(true)
	f.logger.Info("Kernel launched", "server", f.cfg.ServerName, "startLevel", f.registry.StartLevel())
	f.publish(lifecycle.EventTypeKernelReady, nil)

	f.awaitStop()
	return nil
}

func (f *Framework) provision(ctx context.Context) error {
	descriptors, err := f.resolver.Resolve(ctx)
	if err != nil {
		f.logger.Error("Failed to resolve modules", "error", err)
		return fmt.Errorf("%w: resolving modules: %w", ErrLaunchFailed, err)
	}

	provisioner := NewProvisioner(f.registry, f.hooks, f.logger,
		WithPrepareStartLevel(f.cfg.PrepareStartLevel),
		WithSkipStart(f.cfg.SkipStart),
	)
	status, err := provisioner.InitialProvisioning(ctx, descriptors, f.cfg.KernelStartLevel)
	if err != nil {
		if isShutdownRace(err) {
			f.logger.Info("Shutdown began during initial provisioning")
			return err
		}
		if ctx.Err() != nil {
			f.logger.Info("Launch cancelled during initial provisioning")
			return fmt.Errorf("%w: %w", ErrShutdownInProgress, err)
		}
		f.logger.Error("Initial provisioning failed", "error", err)
		f.publish(lifecycle.EventTypeKernelFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	f.logger.Info("Initial provisioning complete", "modules", len(status.Installed()))
	return nil
}

// abort stops the registry after a failed launch and waits for it.
func (f *Framework) abort(err error) error {
	f.ShutdownFramework()
	f.awaitStop()
	return err
}

func (f *Framework) registerServices() error {
	services := f.registry.Services()
	for _, svc := range []struct {
		name     string
		instance any
	}{
		{ServiceArgs, Args{Values: f.args}},
		{ServicePause, f.pause},
		{ServiceIntrospection, f.introspector},
		{ServiceIdentity, f.identity},
	} {
		if err := services.Register(svc.name, svc.instance); err != nil {
			return err
		}
	}
	f.pause.Track(services)
	return nil
}

func (f *Framework) startServices() error {
	if !f.cfg.Command.Disabled {
		f.listener = command.NewListener(command.ListenerConfig{
			Host:         f.cfg.Command.Host,
			Port:         f.cfg.Command.Port,
			IdentityFile: f.cfg.IdentityFile(),
			ChallengeDir: f.cfg.ChallengeDir(),
			ProcessID:    f.identity.ProcessID,
		}, f, f.logger)
		if err := f.listener.Start(); err != nil {
			f.listener = nil
			return err
		}
	}

	if err := f.installShutdownHook(); err != nil {
		return err
	}

	if spec := f.cfg.Introspection.Schedule; spec != "" {
		actions := f.cfg.Introspection.Actions
		err := f.schedule.Add("introspection", spec, func() {
			if _, err := f.introspector.Introspect(context.Background(), "", actions); err != nil {
				f.logger.Error("Scheduled introspection failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}
	f.schedule.Start()
	return nil
}

// awaitStop blocks until the registry has stopped, then releases every
// kernel resource and signals the stopped latch.
func (f *Framework) awaitStop() {
	if err := f.registry.WaitForStop(context.Background()); err != nil {
		f.logger.Error("Waiting for registry stop failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), listenerDrainTime)
	defer cancel()
	f.schedule.Stop(ctx)
	f.pause.Close()

	f.stopped.Signal(true)
	f.publish(lifecycle.EventTypeKernelStopped, nil)
	f.logger.Info("Kernel stopped", "forced", f.stopForced.Load())

	if f.listener != nil {
		f.listener.Drain(ctx)
		if err := f.listener.Close(); err != nil {
			f.logger.Warn("Closing command listener failed", "error", err)
		}
	}
}

// recordLaunch records the launch outcome. Only the first call counts.
func (f *Framework) recordLaunch(ok bool) {
	outcome := launchFailed
	if ok {
		outcome = launchSucceeded
	}
	f.launchOutcome.CompareAndSwap(launchPending, outcome)
}

// WaitForReady blocks until the kernel is ready. It returns false as soon as
// the registry start or initial provisioning is known to have failed, when
// any Readiness service fails, or when the registry is no longer active by
// the time everything else is ready.
func (f *Framework) WaitForReady(ctx context.Context) bool {
	if ok, err := f.started.Wait(ctx); err != nil || !ok {
		return false
	}
	if ok, err := f.provisioned.Wait(ctx); err != nil || !ok {
		return false
	}

	g, gctx := errgroup.WithContext(ctx)
	services := f.registry.Services()
	for _, name := range services.Names() {
		svc, ok := services.Get(name)
		if !ok {
			continue
		}
		r, ok := svc.(Readiness)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := r.WaitUntilReady(gctx); err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.logger.Error("Kernel service failed to become ready", "error", err)
		return false
	}

	// A module may have requested shutdown after activation.
	return f.registry.State() == registry.StateActive
}

// LaunchSucceeded reports the recorded launch outcome and whether it has been
// recorded yet.
func (f *Framework) LaunchSucceeded() (ok, recorded bool) {
	switch f.launchOutcome.Load() {
	case launchSucceeded:
		return true, true
	case launchFailed:
		return false, true
	default:
		return false, false
	}
}

// ShutdownFramework requests an asynchronous stop of the module registry.
// Only the first call has any effect; it is safe to call from any goroutine.
func (f *Framework) ShutdownFramework() {
	f.requestStop(false)
}

// ForceStop publishes the kernel.stop.force marker and requests a stop.
func (f *Framework) ForceStop() {
	if f.stopForced.CompareAndSwap(false, true) {
		if err := f.registry.Services().Register(ServiceStopForce, ForceStop{RequestedAt: time.Now()}); err != nil && !errors.Is(err, registry.ErrServiceAlreadyExists) {
			f.logger.Warn("Failed to register force stop marker", "error", err)
		}
	}
	f.ShutdownFramework()
}

// requestStop is shared by the API and the shutdown hook. The API path
// removes the shutdown hook; the hook itself never does.
func (f *Framework) requestStop(fromHook bool) {
	f.stopOnce.Do(func() {
		if !fromHook {
			f.removeShutdownHook()
		}
		f.logger.Info("Kernel stopping", "fromExitHook", fromHook)
		f.publish(lifecycle.EventTypeKernelStopping, nil)
		if err := f.registry.Stop(); err != nil {
			f.logger.Error("Module registry stop failed", "error", err)
		}
	})
}

// WaitForShutdown blocks until the kernel has fully stopped. It returns
// immediately when the registry never started.
func (f *Framework) WaitForShutdown(ctx context.Context) error {
	select {
	case <-f.stopped.Done():
		return nil
	case <-f.started.Done():
		if ok, _ := f.started.Value(); !ok {
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := f.stopped.Wait(ctx)
	return err
}

// PauseListeners pauses every pausable component, or those named in the
// comma-separated targets when targets is non-nil.
func (f *Framework) PauseListeners(ctx context.Context, targets *string) command.ReturnCode {
	var (
		result PauseResult
		err    error
	)
	if targets == nil {
		result, err = f.pause.Pause(ctx)
	} else {
		result, err = f.pause.PauseTargets(ctx, *targets)
	}
	return f.pauseReturnCode("pause", result, err)
}

// ResumeListeners resumes every pausable component, or those named in the
// comma-separated targets when targets is non-nil.
func (f *Framework) ResumeListeners(ctx context.Context, targets *string) command.ReturnCode {
	var (
		result PauseResult
		err    error
	)
	if targets == nil {
		result, err = f.pause.Resume(ctx)
	} else {
		result, err = f.pause.ResumeTargets(ctx, *targets)
	}
	return f.pauseReturnCode("resume", result, err)
}

func (f *Framework) pauseReturnCode(op string, result PauseResult, err error) command.ReturnCode {
	if err != nil {
		f.logger.Error("Pausable component request failed", "op", op, "error", err)
		return command.ReturnPauseFailed
	}
	if missing := result.MissingError(); missing != nil {
		f.logger.Warn("Pausable component request incomplete", "op", op, "error", missing)
		return command.ReturnPartial
	}
	f.logger.Info("Pausable component request complete", "op", op, "components", result.Actioned)
	return command.ReturnOK
}

// Introspect writes an introspection report named name, plus the runtime
// profiles named in actions.
func (f *Framework) Introspect(ctx context.Context, name string, actions []string) error {
	_, err := f.introspector.Introspect(ctx, name, actions)
	return err
}

// Dump writes the runtime profiles named in actions.
func (f *Framework) Dump(ctx context.Context, actions []string) error {
	_, err := f.introspector.Dump(ctx, actions)
	return err
}

func (f *Framework) publish(eventType string, data any) {
	event := lifecycle.EventSource{Component: "kernel", Server: f.cfg.ServerName}.Event(eventType, data)
	if err := f.events.NotifyObservers(context.Background(), event); err != nil {
		f.logger.Debug("Failed to publish kernel event", "event", eventType, "error", err)
	}
}
