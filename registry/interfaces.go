// Package registry defines the module registry the kernel drives while
// provisioning, together with an in-memory implementation and the service
// registry that modules use to publish services to each other.
package registry

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

// State is the lifecycle state of a module registry.
type State int

const (
	StateInstalled State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ModuleState is the lifecycle state of a single installed module.
type ModuleState int

const (
	ModuleInstalled ModuleState = iota + 1
	ModuleResolved
	ModuleStarting
	ModuleActive
	ModuleStopping
	ModuleUninstalled
)

func (s ModuleState) String() string {
	switch s {
	case ModuleInstalled:
		return "installed"
	case ModuleResolved:
		return "resolved"
	case ModuleStarting:
		return "starting"
	case ModuleActive:
		return "active"
	case ModuleStopping:
		return "stopping"
	case ModuleUninstalled:
		return "uninstalled"
	default:
		return fmt.Sprintf("module-state(%d)", int(s))
	}
}

// StartOption modifies how Module.Start behaves.
type StartOption int

const (
	// StartActivationPolicy honors the module's declared activation policy:
	// lazily activated modules wait in the starting state instead of running
	// their activator.
	StartActivationPolicy StartOption = 1 << iota
	// StartTransient starts the module without recording it as persistently
	// started.
	StartTransient
)

// ActivationPolicy is declared by a module artifact.
type ActivationPolicy int

const (
	ActivationEager ActivationPolicy = iota
	ActivationLazy
)

// Descriptor identifies a module to provision. It is produced by a resolver
// and only read by the kernel.
type Descriptor struct {
	SymbolicName string `yaml:"name" toml:"name" json:"name"`
	VersionRange string `yaml:"version" toml:"version" json:"version,omitempty"`
	StartLevel   int    `yaml:"startLevel" toml:"startLevel" json:"startLevel,omitempty"`
	// Location caches the best-match artifact location once resolved.
	Location string `yaml:"location" toml:"location" json:"location,omitempty"`
}

func (d Descriptor) String() string {
	if d.VersionRange == "" {
		return d.SymbolicName
	}
	return d.SymbolicName + ";version=" + d.VersionRange
}

// Module is an installed module.
type Module interface {
	ID() int64
	SymbolicName() string
	Version() string
	Location() string
	State() ModuleState
	IsFragment() bool
	StartLevel() int
	SetStartLevel(level int) error
	// Start activates the module, or marks it for activation once the
	// registry reaches the module's start level.
	Start(opts StartOption) error
}

// ModuleRegistry is the module runtime the kernel drives. Level changes are
// asynchronous: SetStartLevel returns immediately and the registry publishes
// lifecycle.EventTypeStartLevelChanged once the level is reached, and
// lifecycle.EventTypeRegistryError for every activation failure on the way.
type ModuleRegistry interface {
	lifecycle.Subject

	Start(ctx context.Context) error
	// Stop begins an asynchronous stop of every module and the registry itself.
	Stop() error
	WaitForStop(ctx context.Context) error
	State() State

	// Locate resolves a descriptor to a local artifact location.
	Locate(d Descriptor) (string, error)
	// Install installs the artifact at location. With reference set the
	// artifact is used in place instead of being copied.
	Install(location string, reference bool) (Module, error)
	Module(id int64) (Module, bool)
	Modules() []Module

	StartLevel() int
	SetStartLevel(level int) error

	Services() ServiceRegistry
}

// StartLevelEvent is the data of a lifecycle.EventTypeStartLevelChanged event.
type StartLevelEvent struct {
	Level int `json:"level"`
}

// ModuleEvent is the data of module and registry error events.
type ModuleEvent struct {
	ModuleID     int64  `json:"moduleId"`
	SymbolicName string `json:"symbolicName"`
	Version      string `json:"version,omitempty"`
	Location     string `json:"location,omitempty"`
	Error        string `json:"error,omitempty"`
}
