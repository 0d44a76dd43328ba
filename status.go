package modkernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modkernel/registry"
)

// InstallStatus collects the outcome of installing one provisioning pass.
// It is built incrementally by a single goroutine and is read-only once
// checked.
type InstallStatus struct {
	toStart   []registry.Module
	installed []registry.Module
	missing   []string
	errs      map[string]error
	sealed    bool
}

func newInstallStatus() *InstallStatus {
	return &InstallStatus{}
}

func (s *InstallStatus) addInstalled(m registry.Module) {
	if s.sealed {
		return
	}
	s.installed = append(s.installed, m)
	if !m.IsFragment() {
		s.toStart = append(s.toStart, m)
	}
}

func (s *InstallStatus) addMissing(name string) {
	if s.sealed {
		return
	}
	s.missing = append(s.missing, name)
}

func (s *InstallStatus) addInstallError(name string, err error) {
	if s.sealed {
		return
	}
	if s.errs == nil {
		s.errs = make(map[string]error)
	}
	s.errs[name] = err
}

// ModulesToStart returns the installed, non-fragment modules pending start.
func (s *InstallStatus) ModulesToStart() []registry.Module {
	return append([]registry.Module(nil), s.toStart...)
}

// Installed returns every module installed in the pass, fragments included.
func (s *InstallStatus) Installed() []registry.Module {
	return append([]registry.Module(nil), s.installed...)
}

// Missing returns the symbolic names that could not be located.
func (s *InstallStatus) Missing() []string {
	return append([]string(nil), s.missing...)
}

// InstallErrors returns the errors recorded per symbolic name.
func (s *InstallStatus) InstallErrors() map[string]error {
	out := make(map[string]error, len(s.errs))
	for k, v := range s.errs {
		out[k] = v
	}
	return out
}

// check seals the status and classifies it: install errors, missing modules
// and an empty start list are all fatal.
func (s *InstallStatus) check() error {
	s.sealed = true
	if len(s.errs) == 0 && len(s.missing) == 0 && len(s.toStart) > 0 {
		return nil
	}
	return &ProvisioningError{
		InstallErrors:  s.InstallErrors(),
		Missing:        s.Missing(),
		NothingToStart: len(s.toStart) == 0,
	}
}

// ModuleError records the failure of one module during a provisioning pass.
type ModuleError struct {
	ModuleID     int64
	SymbolicName string
	Version      string
	Err          error
}

func moduleError(m registry.Module, err error) ModuleError {
	return ModuleError{ModuleID: m.ID(), SymbolicName: m.SymbolicName(), Version: m.Version(), Err: err}
}

func (e ModuleError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.SymbolicName, e.Version, e.Err)
}

func (e ModuleError) Unwrap() error {
	return e.Err
}

// StartStatus collects module start failures for one provisioning pass. Start
// failures reported asynchronously by the registry arrive on the registry's
// own goroutine, so the status is safe for concurrent use.
type StartStatus struct {
	mu           sync.Mutex
	errs         []ModuleError
	channelValid bool
	sealed       bool
}

// NewStartStatus creates an empty StartStatus with a valid control channel.
func NewStartStatus() *StartStatus {
	return &StartStatus{channelValid: true}
}

// AddStartError records a failure for m. It reports false once the status
// has been sealed by the failure check.
func (s *StartStatus) AddStartError(m registry.Module, err error) bool {
	return s.add(moduleError(m, err))
}

func (s *StartStatus) add(me ModuleError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.errs = append(s.errs, me)
	return true
}

// StartErrors returns the recorded failures.
func (s *StartStatus) StartErrors() []ModuleError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ModuleError(nil), s.errs...)
}

// MarkChannelInvalid records that shutdown began while the pass was running.
func (s *StartStatus) MarkChannelInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelValid = false
}

// ChannelValid reports whether the pass completed without racing shutdown.
func (s *StartStatus) ChannelValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelValid
}

// check seals the status. A raced shutdown wins over start failures.
func (s *StartStatus) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	if !s.channelValid {
		return ErrShutdownInProgress
	}
	if len(s.errs) == 0 {
		return nil
	}
	return &ProvisioningError{StartErrors: append([]ModuleError(nil), s.errs...)}
}

// ProvisioningError reports every failure of a provisioning pass.
type ProvisioningError struct {
	InstallErrors  map[string]error
	Missing        []string
	StartErrors    []ModuleError
	NothingToStart bool
}

func (e *ProvisioningError) Error() string {
	var b strings.Builder
	b.WriteString(ErrProvisioningFailed.Error())

	names := make([]string, 0, len(e.InstallErrors))
	for name := range e.InstallErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  install %s: %v", name, e.InstallErrors[name])
	}
	for _, name := range e.Missing {
		fmt.Fprintf(&b, "\n  missing %s", name)
	}
	for _, me := range e.StartErrors {
		fmt.Fprintf(&b, "\n  start %s", me.Error())
	}
	if e.NothingToStart && len(e.InstallErrors) == 0 && len(e.Missing) == 0 {
		fmt.Fprintf(&b, "\n  %v", ErrNothingToStart)
	}
	return b.String()
}

// Unwrap exposes ErrProvisioningFailed and every underlying failure.
func (e *ProvisioningError) Unwrap() []error {
	errs := []error{ErrProvisioningFailed}
	for _, err := range e.InstallErrors {
		errs = append(errs, err)
	}
	if len(e.Missing) > 0 {
		errs = append(errs, registry.ErrArtifactNotFound)
	}
	for _, me := range e.StartErrors {
		errs = append(errs, me)
	}
	if e.NothingToStart {
		errs = append(errs, ErrNothingToStart)
	}
	return errs
}

// isShutdownRace reports whether err only signals a concurrent shutdown.
func isShutdownRace(err error) bool {
	return errors.Is(err, ErrShutdownInProgress)
}
