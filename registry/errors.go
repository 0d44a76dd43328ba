package registry

import "errors"

var (
	ErrArtifactNotFound     = errors.New("module artifact not found")
	ErrRegistryStopping     = errors.New("module registry is no longer accepting installs")
	ErrRegistryNotInstalled = errors.New("module registry has already been started")
	ErrRegistryNotActive    = errors.New("module registry is not active")
	ErrModuleUninstalled    = errors.New("module has been uninstalled")
	ErrFragmentNotStartable = errors.New("fragment modules cannot be started")
	ErrActivationFailed     = errors.New("module activation failed")
	ErrInvalidStartLevel    = errors.New("start level must be positive")
	ErrInvalidVersionRange  = errors.New("invalid version range")
	ErrServiceAlreadyExists = errors.New("service already registered")
	ErrServiceNotFound      = errors.New("service not found")
	ErrDuplicateArtifact    = errors.New("artifact already in catalog")
	ErrArtifactMissingName  = errors.New("artifact symbolic name is empty")
)
