package modkernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modkernel/registry"
)

// PausableComponent is a subsystem that can suspend and resume its work on
// request, independently of the process lifecycle. Components publish
// themselves as services; the PauseController discovers them there.
type PausableComponent interface {
	Name() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused() bool
}

// PauseResult describes a completed pause or resume request.
type PauseResult struct {
	// Actioned lists the components that were paused or resumed.
	Actioned []string
	// Missing lists requested targets that matched no component.
	Missing []string
}

// MissingError returns an error naming the unmatched targets, or nil.
func (r PauseResult) MissingError() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingTargets, strings.Join(r.Missing, ", "))
}

// PauseError reports every component whose pause or resume failed.
type PauseError struct {
	Op       string
	Failures map[string]error
}

func (e *PauseError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %d component(s)", e.Op, len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "; %s: %v", name, e.Failures[name])
	}
	return b.String()
}

// Unwrap exposes ErrPauseFailed and every component failure.
func (e *PauseError) Unwrap() []error {
	errs := []error{ErrPauseFailed}
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

type pausableEntry struct {
	service   string
	component PausableComponent
}

// PauseController broadcasts pause, resume and is-paused requests to the
// pausable components currently published in a service registry.
//
// Components come and go while requests run. Each request acts on a copy of
// the tracked set taken under the lock; no lock is held while a component is
// called.
type PauseController struct {
	logger Logger

	mu      sync.Mutex
	entries []pausableEntry

	untrack func()
}

// NewPauseController creates a controller tracking nothing.
func NewPauseController(logger Logger) *PauseController {
	if logger == nil {
		logger = nopLogger{}
	}
	return &PauseController{logger: logger}
}

// Track follows every PausableComponent registered in services, including
// those already present.
func (c *PauseController) Track(services registry.ServiceRegistry) {
	remove := services.AddListener(registry.ServiceListenerFuncs{
		Registered: func(name string, service any) {
			if pc, ok := service.(PausableComponent); ok {
				c.Add(name, pc)
			}
		},
		Unregistered: func(name string, service any) {
			if _, ok := service.(PausableComponent); ok {
				c.Remove(name)
			}
		},
	})
	c.mu.Lock()
	prev := c.untrack
	c.untrack = remove
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Close stops tracking the service registry.
func (c *PauseController) Close() {
	c.mu.Lock()
	remove := c.untrack
	c.untrack = nil
	c.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// Add tracks component under the service name. Re-adding a name replaces it.
func (c *PauseController) Add(service string, component PausableComponent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.service == service {
			c.entries[i].component = component
			return
		}
	}
	c.entries = append(c.entries, pausableEntry{service: service, component: component})
}

// Remove stops tracking the component published under service.
func (c *PauseController) Remove(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.service == service {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Components returns the names of the tracked components.
func (c *PauseController) Components() []string {
	seen := make(map[string]bool)
	var names []string
	for _, pc := range c.snapshot() {
		if name := pc.Name(); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Pause pauses every tracked component.
func (c *PauseController) Pause(ctx context.Context) (PauseResult, error) {
	return c.apply(ctx, "pause", nil, PausableComponent.Pause)
}

// PauseTargets pauses the components named in the comma-separated targets.
func (c *PauseController) PauseTargets(ctx context.Context, targets string) (PauseResult, error) {
	set, err := parseTargets(targets)
	if err != nil {
		return PauseResult{}, err
	}
	return c.apply(ctx, "pause", set, PausableComponent.Pause)
}

// Resume resumes every tracked component.
func (c *PauseController) Resume(ctx context.Context) (PauseResult, error) {
	return c.apply(ctx, "resume", nil, PausableComponent.Resume)
}

// ResumeTargets resumes the components named in the comma-separated targets.
func (c *PauseController) ResumeTargets(ctx context.Context, targets string) (PauseResult, error) {
	set, err := parseTargets(targets)
	if err != nil {
		return PauseResult{}, err
	}
	return c.apply(ctx, "resume", set, PausableComponent.Resume)
}

// IsPaused reports whether every tracked component is paused.
func (c *PauseController) IsPaused() (bool, error) {
	return c.isPaused(nil)
}

// IsPausedTargets reports whether every component named in targets is paused.
// Unmatched targets are reported through the returned PauseResult.
func (c *PauseController) IsPausedTargets(targets string) (bool, PauseResult, error) {
	set, err := parseTargets(targets)
	if err != nil {
		return false, PauseResult{}, err
	}
	paused, err := c.isPaused(set)
	if err != nil {
		return false, PauseResult{}, err
	}
	return paused, PauseResult{Missing: set.missing(c.snapshot())}, nil
}

func (c *PauseController) isPaused(set *targetSet) (bool, error) {
	components := c.snapshot()
	if len(components) == 0 {
		return false, ErrNoPausableComponents
	}
	matched := false
	for _, pc := range components {
		if set != nil && !set.contains(pc.Name()) {
			continue
		}
		matched = true
		if !pc.IsPaused() {
			return false, nil
		}
	}
	return matched, nil
}

func (c *PauseController) apply(ctx context.Context, op string, set *targetSet, action func(PausableComponent, context.Context) error) (PauseResult, error) {
	components := c.snapshot()
	if len(components) == 0 {
		return PauseResult{}, ErrNoPausableComponents
	}

	var result PauseResult
	failures := make(map[string]error)
	done := make(map[string]bool)
	for _, pc := range components {
		name := pc.Name()
		if done[name] || (set != nil && !set.contains(name)) {
			continue
		}
		done[name] = true

		if err := callComponent(ctx, pc, action); err != nil {
			c.logger.Error("Pausable component failed", "op", op, "component", name, "error", err)
			failures[name] = err
			continue
		}
		c.logger.Debug("Pausable component actioned", "op", op, "component", name)
		result.Actioned = append(result.Actioned, name)
	}

	if len(failures) > 0 {
		return result, &PauseError{Op: op, Failures: failures}
	}
	if set != nil {
		result.Missing = set.missing(components)
		if len(result.Missing) > 0 {
			c.logger.Warn("Pause targets not found", "op", op, "targets", result.Missing)
		}
	}
	return result, nil
}

func callComponent(ctx context.Context, pc PausableComponent, action func(PausableComponent, context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component panicked: %v", r)
		}
	}()
	return action(pc, ctx)
}

func (c *PauseController) snapshot() []PausableComponent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PausableComponent, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.component
	}
	return out
}

// targetSet is a parsed, ordered list of component names.
type targetSet struct {
	names []string
	index map[string]bool
}

// parseTargets splits a comma-separated list. An empty list is an error.
func parseTargets(targets string) (*targetSet, error) {
	set := &targetSet{index: make(map[string]bool)}
	for _, name := range strings.Split(targets, ",") {
		name = strings.TrimSpace(name)
		if name == "" || set.index[name] {
			continue
		}
		set.index[name] = true
		set.names = append(set.names, name)
	}
	if len(set.names) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargets, targets)
	}
	return set, nil
}

func (s *targetSet) contains(name string) bool {
	return s.index[name]
}

func (s *targetSet) missing(components []PausableComponent) []string {
	found := make(map[string]bool, len(components))
	for _, pc := range components {
		found[pc.Name()] = true
	}
	var missing []string
	for _, name := range s.names {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
