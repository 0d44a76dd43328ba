package modkernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/modkernel/lifecycle"
	"github.com/GoCodeAlone/modkernel/registry"
)

// DefaultPrepareStartLevel is the start level initial provisioning advances
// the registry to once every module has been started.
const DefaultPrepareStartLevel = 7

// Provisioner installs and starts the initial module set.
type Provisioner struct {
	registry     registry.ModuleRegistry
	hooks        *lifecycle.ExitHooks
	logger       Logger
	prepareLevel int
	skipStart    bool
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithPrepareStartLevel overrides DefaultPrepareStartLevel.
func WithPrepareStartLevel(level int) ProvisionerOption {
	return func(p *Provisioner) {
		p.prepareLevel = level
	}
}

// WithSkipStart installs modules without starting them. The start level is
// still advanced.
func WithSkipStart(skip bool) ProvisionerOption {
	return func(p *Provisioner) {
		p.skipStart = skip
	}
}

// NewProvisioner creates a Provisioner driving reg. hooks may be nil, in which
// case the start-level wait has no process-exit safety net.
func NewProvisioner(reg registry.ModuleRegistry, hooks *lifecycle.ExitHooks, logger Logger, opts ...ProvisionerOption) *Provisioner {
	if logger == nil {
		logger = nopLogger{}
	}
	p := &Provisioner{
		registry:     reg,
		hooks:        hooks,
		logger:       logger,
		prepareLevel: DefaultPrepareStartLevel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InitialProvisioning installs every descriptor, starts the installed
// non-fragment modules and advances the registry to the prepare start level,
// waiting for the registry to get there. Descriptors without a start level are
// assigned kernelStartLevel.
//
// Every install and start failure of the pass is reported together in a
// *ProvisioningError. If shutdown begins during the pass the error wraps
// ErrShutdownInProgress instead, and callers should treat it as a quiet abort.
func (p *Provisioner) InitialProvisioning(ctx context.Context, descriptors []registry.Descriptor, kernelStartLevel int) (*InstallStatus, error) {
	installStatus, err := p.install(descriptors, kernelStartLevel)
	if err != nil {
		return installStatus, err
	}
	if err := installStatus.check(); err != nil {
		return installStatus, err
	}

	startStatus := NewStartStatus()
	if p.skipStart {
		p.logger.Warn("Module start skipped", "modules", len(installStatus.toStart))
	} else {
		p.startModules(installStatus.toStart, startStatus)
	}

	if err := p.advance(ctx, startStatus); err != nil {
		return installStatus, err
	}
	return installStatus, startStatus.check()
}

func (p *Provisioner) install(descriptors []registry.Descriptor, kernelStartLevel int) (*InstallStatus, error) {
	status := newInstallStatus()
	for _, d := range descriptors {
		location, err := p.registry.Locate(d)
		if err != nil {
			if errors.Is(err, registry.ErrArtifactNotFound) {
				p.logger.Error("Module not found", "module", d.String())
				status.addMissing(d.String())
			} else {
				p.logger.Error("Module could not be located", "module", d.String(), "error", err)
				status.addInstallError(d.SymbolicName, err)
			}
			continue
		}

		mod, err := p.registry.Install(location, true)
		if err != nil {
			if errors.Is(err, registry.ErrRegistryStopping) {
				return status, fmt.Errorf("%w: installing %s: %w", ErrShutdownInProgress, d.SymbolicName, err)
			}
			p.logger.Error("Module install failed", "module", d.SymbolicName, "location", location, "error", err)
			status.addInstallError(d.SymbolicName, err)
			continue
		}

		level := d.StartLevel
		if level <= 0 {
			level = kernelStartLevel
		}
		if err := mod.SetStartLevel(level); err != nil {
			p.logger.Error("Module start level rejected", "module", d.SymbolicName, "startLevel", level, "error", err)
			status.addInstallError(d.SymbolicName, err)
			continue
		}

		p.logger.Debug("Module installed", "module", mod.SymbolicName(), "version", mod.Version(), "startLevel", level)
		status.addInstalled(mod)
	}
	return status, nil
}

func (p *Provisioner) startModules(mods []registry.Module, status *StartStatus) {
	for _, mod := range mods {
		switch mod.State() {
		case registry.ModuleActive, registry.ModuleStarting, registry.ModuleUninstalled:
			continue
		}
		if err := mod.Start(registry.StartActivationPolicy); err != nil {
			p.logger.Error("Module start failed", "module", mod.SymbolicName(), "version", mod.Version(), "error", err)
			status.AddStartError(mod, err)
		}
	}
}

// advance asks the registry for the prepare start level and blocks until it
// reports completion.
func (p *Provisioner) advance(ctx context.Context, status *StartStatus) error {
	waiter, err := NewStartLevelWaiter(p.registry, p.hooks, status, p.logger)
	if err != nil {
		return err
	}

	if err := p.registry.SetStartLevel(p.prepareLevel); err != nil {
		if errors.Is(err, registry.ErrRegistryNotActive) {
			// Nothing will ever wake the waiter.
			_ = p.registry.UnregisterObserver(waiter)
			return fmt.Errorf("%w: %w", ErrShutdownInProgress, err)
		}
		_ = p.registry.UnregisterObserver(waiter)
		return fmt.Errorf("setting start level %d: %w", p.prepareLevel, err)
	}

	p.logger.Debug("Waiting for start level", "startLevel", p.prepareLevel)
	return waiter.WaitForLevel(ctx)
}
