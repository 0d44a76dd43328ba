package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

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

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithLogger sets the registry's logger.
func WithLogger(logger Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInitialStartLevel sets the start level the registry enters on Start.
func WithInitialStartLevel(level int) MemoryOption {
	return func(m *Memory) {
		m.initialLevel = level
	}
}

// WithDefaultModuleStartLevel sets the start level given to newly installed modules.
func WithDefaultModuleStartLevel(level int) MemoryOption {
	return func(m *Memory) {
		m.defaultModuleLevel = level
	}
}

// WithStopTimeout bounds each module activator's Stop call.
func WithStopTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.stopTimeout = d
	}
}

// Memory is an in-process ModuleRegistry backed by a Catalog. A single
// start-level worker goroutine performs level changes and the final stop,
// publishing CloudEvents as it goes.
type Memory struct {
	catalog  *Catalog
	events   *lifecycle.Broadcaster
	services *Services
	logger   Logger

	initialLevel       int
	defaultModuleLevel int
	stopTimeout        time.Duration

	mu         sync.Mutex
	state      State
	level      int
	modules    map[int64]*memoryModule
	byLocation map[string]*memoryModule
	nextID     int64
	pending    []int

	wake     chan struct{}
	stopReq  chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMemory creates a Memory registry that installs artifacts from catalog.
func NewMemory(catalog *Catalog, opts ...MemoryOption) *Memory {
	m := &Memory{
		catalog:            catalog,
		logger:             nopLogger{},
		initialLevel:       1,
		defaultModuleLevel: 1,
		stopTimeout:        30 * time.Second,
		state:              StateInstalled,
		modules:            make(map[int64]*memoryModule),
		byLocation:         make(map[string]*memoryModule),
		wake:               make(chan struct{}, 1),
		stopReq:            make(chan struct{}),
		stopped:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = lifecycle.NewBroadcaster(m.logger)
	m.services = NewServices(m.events)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// RegisterObserver implements lifecycle.Subject.
func (m *Memory) RegisterObserver(observer lifecycle.Observer, eventTypes ...string) error {
	return m.events.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver implements lifecycle.Subject.
func (m *Memory) UnregisterObserver(observer lifecycle.Observer) error {
	return m.events.UnregisterObserver(observer)
}

// NotifyObservers implements lifecycle.Subject.
func (m *Memory) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return m.events.NotifyObservers(ctx, event)
}

// Services returns the registry's service registry.
func (m *Memory) Services() ServiceRegistry {
	return m.services
}

// ServiceInfo describes the registered services.
func (m *Memory) ServiceInfo() []ServiceInfo {
	return m.services.Info()
}

// Start moves the registry to the active state at its initial start level.
func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInstalled {
		m.mu.Unlock()
		return ErrRegistryNotInstalled
	}
	m.state = StateStarting
	m.level = m.initialLevel
	m.mu.Unlock()

	go m.run()

	if !m.transition(StateStarting, StateActive) {
		m.logger.Debug("Module registry stopped while starting")
		return nil
	}
	m.logger.Info("Module registry started", "startLevel", m.initialLevel)
	m.publish(lifecycle.EventTypeRegistryStarted, StartLevelEvent{Level: m.initialLevel})
	return nil
}

// transition moves the registry from one state to another and reports
// whether the registry was still in from.
func (m *Memory) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

// Stop begins an asynchronous stop. Calling Stop more than once is harmless.
func (m *Memory) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateStopping, StateStopped:
		m.mu.Unlock()
		return nil
	case StateInstalled:
		m.state = StateStopped
		m.mu.Unlock()
		m.stopOnce.Do(func() {
			m.cancel()
			close(m.stopped)
		})
		return nil
	}
	m.state = StateStopping
	m.mu.Unlock()

	m.logger.Info("Module registry stopping")
	m.stopOnce.Do(func() { close(m.stopReq) })
	return nil
}

// WaitForStop blocks until the registry has stopped or ctx is done.
func (m *Memory) WaitForStop(ctx context.Context) error {
	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the registry state.
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Locate resolves d to an artifact location.
func (m *Memory) Locate(d Descriptor) (string, error) {
	if d.Location != "" {
		if _, ok := m.catalog.Lookup(d.Location); ok {
			return d.Location, nil
		}
	}
	a, err := m.catalog.Best(d.SymbolicName, d.VersionRange)
	if err != nil {
		return "", err
	}
	return a.ArtifactLocation(), nil
}

// Install installs the artifact at location, returning the existing module if
// the location is already installed.
func (m *Memory) Install(location string, reference bool) (Module, error) {
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateStopped {
		m.mu.Unlock()
		return nil, ErrRegistryStopping
	}
	if existing, ok := m.byLocation[location]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	artifact, ok := m.catalog.Lookup(location)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, location)
	}
	m.nextID++
	mod := &memoryModule{
		reg:       m,
		id:        m.nextID,
		artifact:  artifact,
		location:  location,
		reference: reference,
		state:     ModuleResolved,
		level:     m.defaultModuleLevel,
	}
	m.modules[mod.id] = mod
	m.byLocation[location] = mod
	m.mu.Unlock()

	m.logger.Debug("Module installed", "module", artifact.SymbolicName, "version", artifact.Version, "location", location)
	m.publish(lifecycle.EventTypeModuleInstalled, mod.event(nil))
	return mod, nil
}

// Module returns the installed module with id.
func (m *Memory) Module(id int64) (Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[id]
	if !ok {
		return nil, false
	}
	return mod, true
}

// Modules returns every installed module ordered by id.
func (m *Memory) Modules() []Module {
	mods := m.sortedModules()
	out := make([]Module, len(mods))
	for i, mod := range mods {
		out[i] = mod
	}
	return out
}

// StartLevel returns the current start level.
func (m *Memory) StartLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// SetStartLevel asks the start-level worker to move to level. The call
// returns immediately; completion is published as a start level event.
func (m *Memory) SetStartLevel(level int) error {
	if level < 1 {
		return ErrInvalidStartLevel
	}
	m.mu.Lock()
	if m.state != StateActive && m.state != StateStarting {
		m.mu.Unlock()
		return ErrRegistryNotActive
	}
	m.pending = append(m.pending, level)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) run() {
	for {
		select {
		case <-m.stopReq:
			m.shutdown()
			return
		case <-m.wake:
			for {
				target, ok := m.nextRequest()
				if !ok {
					break
				}
				if !m.moveTo(target, true) {
					break
				}
				m.publish(lifecycle.EventTypeStartLevelChanged, StartLevelEvent{Level: target})
			}
		}
	}
}

func (m *Memory) nextRequest() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	target := m.pending[0]
	m.pending = m.pending[1:]
	return target, true
}

func (m *Memory) stopRequested() bool {
	select {
	case <-m.stopReq:
		return true
	default:
		return false
	}
}

// moveTo steps the start level towards target one level at a time. When
// interruptible is set it gives up as soon as a stop is requested.
func (m *Memory) moveTo(target int, interruptible bool) bool {
	for {
		if interruptible && m.stopRequested() {
			return false
		}
		m.mu.Lock()
		current := m.level
		m.mu.Unlock()

		switch {
		case current < target:
			m.mu.Lock()
			m.level = current + 1
			m.mu.Unlock()
			m.activateLevel(current + 1)
		case current > target:
			m.deactivateLevel(current)
			m.mu.Lock()
			m.level = current - 1
			m.mu.Unlock()
		default:
			return true
		}
	}
}

func (m *Memory) activateLevel(level int) {
	for _, mod := range m.sortedModules() {
		if !mod.eligible(level) {
			continue
		}
		if err := mod.activate(mod.lazyStart()); err != nil {
			m.logger.Error("Module activation failed", "module", mod.SymbolicName(), "startLevel", level, "error", err)
			m.publish(lifecycle.EventTypeRegistryError, mod.event(err))
		}
	}
}

func (m *Memory) deactivateLevel(level int) {
	mods := m.sortedModules()
	for i := len(mods) - 1; i >= 0; i-- {
		mod := mods[i]
		if mod.StartLevel() != level {
			continue
		}
		if err := mod.deactivate(); err != nil {
			m.logger.Warn("Module stop failed", "module", mod.SymbolicName(), "error", err)
			m.publish(lifecycle.EventTypeRegistryError, mod.event(err))
		}
	}
}

func (m *Memory) shutdown() {
	m.moveTo(0, false)
	for _, mod := range m.sortedModules() {
		if err := mod.deactivate(); err != nil {
			m.logger.Warn("Module stop failed", "module", mod.SymbolicName(), "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.cancel()
	m.logger.Info("Module registry stopped")
	m.publish(lifecycle.EventTypeRegistryStopped, StartLevelEvent{Level: 0})
	close(m.stopped)
}

func (m *Memory) sortedModules() []*memoryModule {
	m.mu.Lock()
	mods := make([]*memoryModule, 0, len(m.modules))
	for _, mod := range m.modules {
		mods = append(mods, mod)
	}
	m.mu.Unlock()
	sort.Slice(mods, func(i, j int) bool { return mods[i].id < mods[j].id })
	return mods
}

func (m *Memory) publish(eventType string, data interface{}) {
	event := lifecycle.EventSource{Component: "registry"}.Event(eventType, data)
	if err := m.events.NotifyObservers(context.Background(), event); err != nil {
		m.logger.Error("Failed to publish registry event", "event", eventType, "error", err)
	}
}
