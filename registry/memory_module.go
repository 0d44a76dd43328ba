package registry

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

type memoryModule struct {
	reg       *Memory
	id        int64
	artifact  Artifact
	location  string
	reference bool

	// guarded by reg.mu
	state      ModuleState
	level      int
	persistent bool
	lazy       bool
}

func (mm *memoryModule) ID() int64            { return mm.id }
func (mm *memoryModule) SymbolicName() string { return mm.artifact.SymbolicName }
func (mm *memoryModule) Version() string      { return mm.artifact.Version }
func (mm *memoryModule) Location() string     { return mm.location }
func (mm *memoryModule) IsFragment() bool     { return mm.artifact.Fragment }

// IsReference reports whether the module was installed by reference.
func (mm *memoryModule) IsReference() bool { return mm.reference }

func (mm *memoryModule) State() ModuleState {
	mm.reg.mu.Lock()
	defer mm.reg.mu.Unlock()
	return mm.state
}

func (mm *memoryModule) StartLevel() int {
	mm.reg.mu.Lock()
	defer mm.reg.mu.Unlock()
	return mm.level
}

func (mm *memoryModule) SetStartLevel(level int) error {
	if level < 1 {
		return ErrInvalidStartLevel
	}
	mm.reg.mu.Lock()
	defer mm.reg.mu.Unlock()
	if mm.state == ModuleUninstalled {
		return ErrModuleUninstalled
	}
	mm.level = level
	return nil
}

func (mm *memoryModule) lazyStart() bool {
	mm.reg.mu.Lock()
	defer mm.reg.mu.Unlock()
	return mm.lazy
}

// eligible reports whether the worker should activate the module on reaching level.
func (mm *memoryModule) eligible(level int) bool {
	mm.reg.mu.Lock()
	defer mm.reg.mu.Unlock()
	return mm.persistent && !mm.artifact.Fragment && mm.level == level &&
		(mm.state == ModuleResolved || mm.state == ModuleInstalled)
}

func (mm *memoryModule) Start(opts StartOption) error {
	reg := mm.reg
	reg.mu.Lock()
	switch {
	case mm.state == ModuleUninstalled:
		reg.mu.Unlock()
		return ErrModuleUninstalled
	case mm.artifact.Fragment:
		reg.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFragmentNotStartable, mm.artifact.SymbolicName)
	}
	if opts&StartTransient == 0 {
		mm.persistent = true
	}
	mm.lazy = opts&StartActivationPolicy != 0 && mm.artifact.Activation == ActivationLazy
	lazy := mm.lazy
	ready := reg.level >= mm.level && (reg.state == StateActive || reg.state == StateStarting)
	reg.mu.Unlock()

	if !ready {
		return nil
	}
	return mm.activate(lazy)
}

// activate runs the activator unless the module is already started. With
// lazy set the module only moves to the starting state.
func (mm *memoryModule) activate(lazy bool) error {
	reg := mm.reg
	reg.mu.Lock()
	if mm.state == ModuleActive || mm.state == ModuleStarting || mm.state == ModuleUninstalled {
		reg.mu.Unlock()
		return nil
	}
	mm.state = ModuleStarting
	reg.mu.Unlock()

	if lazy {
		reg.logger.Debug("Module waiting for lazy activation", "module", mm.artifact.SymbolicName)
		return nil
	}

	var err error
	if mm.artifact.Activator != nil {
		err = callActivator(func() error { return mm.artifact.Activator.Start(reg.ctx, reg.services) })
	}

	reg.mu.Lock()
	if err != nil {
		mm.state = ModuleResolved
		reg.mu.Unlock()
		return fmt.Errorf("%w: %s %s: %w", ErrActivationFailed, mm.artifact.SymbolicName, mm.artifact.Version, err)
	}
	mm.state = ModuleActive
	reg.mu.Unlock()

	reg.logger.Debug("Module started", "module", mm.artifact.SymbolicName)
	reg.publish(lifecycle.EventTypeModuleStarted, mm.event(nil))
	return nil
}

func (mm *memoryModule) deactivate() error {
	reg := mm.reg
	reg.mu.Lock()
	switch mm.state {
	case ModuleStarting:
		mm.state = ModuleResolved
		reg.mu.Unlock()
		return nil
	case ModuleActive:
		mm.state = ModuleStopping
	default:
		reg.mu.Unlock()
		return nil
	}
	reg.mu.Unlock()

	var err error
	if mm.artifact.Activator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reg.stopTimeout)
		err = callActivator(func() error { return mm.artifact.Activator.Stop(ctx) })
		cancel()
	}

	reg.mu.Lock()
	mm.state = ModuleResolved
	reg.mu.Unlock()

	reg.publish(lifecycle.EventTypeModuleStopped, mm.event(err))
	return err
}

func (mm *memoryModule) event(err error) ModuleEvent {
	ev := ModuleEvent{
		ModuleID:     mm.id,
		SymbolicName: mm.artifact.SymbolicName,
		Version:      mm.artifact.Version,
		Location:     mm.location,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// callActivator converts an activator panic into an error.
func callActivator(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activator panicked: %v", r)
		}
	}()
	return fn()
}
