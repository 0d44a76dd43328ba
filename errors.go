package modkernel

import (
	"errors"
)

// Kernel errors
var (
	// Construction errors
	ErrLoggerNotSet   = errors.New("logger not set")
	ErrRegistryNotSet = errors.New("module registry not set")
	ErrConfigNotSet   = errors.New("config not set")
	ErrObserverNotSet = errors.New("observer not set")

	// Launch errors
	ErrAlreadyLaunched     = errors.New("framework has already been launched")
	ErrRegistryStartFailed = errors.New("module registry failed to start")
	ErrLaunchFailed        = errors.New("framework launch failed")

	// ErrShutdownInProgress marks the benign race where shutdown began while
	// provisioning was still running. It is not a provisioning failure.
	ErrShutdownInProgress = errors.New("shutdown in progress")

	// Provisioning errors
	ErrProvisioningFailed = errors.New("initial provisioning failed")
	ErrNothingToStart     = errors.New("no modules were installed to start")

	// Pause controller errors
	ErrNoPausableComponents = errors.New("no pausable components are registered")
	ErrInvalidTargets       = errors.New("invalid pause target list")
	ErrPauseFailed          = errors.New("pause request failed")
	ErrMissingTargets       = errors.New("pause targets not found")

	// Introspection errors
	ErrInvalidDumpName   = errors.New("invalid dump name")
	ErrUnknownDumpAction = errors.New("unknown dump action")
)
