package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

// ServiceRegistry allows modules and the kernel to publish and look up services.
type ServiceRegistry interface {
	Register(name string, service any) error
	Unregister(name string) error
	Get(name string) (any, bool)
	Names() []string
	// AddListener registers l and replays every currently registered service
	// to it. The returned function removes the listener.
	AddListener(l ServiceListener) (remove func())
}

// ServiceListener is notified when services come and go. Callbacks are made
// synchronously, outside the registry's lock, on the registering goroutine.
type ServiceListener interface {
	ServiceRegistered(name string, service any)
	ServiceUnregistered(name string, service any)
}

// ServiceListenerFuncs adapts a pair of functions to ServiceListener.
type ServiceListenerFuncs struct {
	Registered   func(name string, service any)
	Unregistered func(name string, service any)
}

func (f ServiceListenerFuncs) ServiceRegistered(name string, service any) {
	if f.Registered != nil {
		f.Registered(name, service)
	}
}

func (f ServiceListenerFuncs) ServiceUnregistered(name string, service any) {
	if f.Unregistered != nil {
		f.Unregistered(name, service)
	}
}

type serviceEntry struct {
	name         string
	instance     any
	registeredAt time.Time
}

// ServiceInfo describes a registered service for introspection.
type ServiceInfo struct {
	Name         string    `yaml:"name" json:"name"`
	Type         string    `yaml:"type" json:"type"`
	RegisteredAt time.Time `yaml:"registeredAt" json:"registeredAt"`
}

// Services is the standard ServiceRegistry.
type Services struct {
	mu        sync.RWMutex
	services  map[string]*serviceEntry
	listeners map[int]ServiceListener
	nextID    int
	subject   lifecycle.Subject
}

// NewServices creates an empty service registry. When subject is non-nil,
// registrations and unregistrations are also published as CloudEvents.
func NewServices(subject lifecycle.Subject) *Services {
	return &Services{
		services:  make(map[string]*serviceEntry),
		listeners: make(map[int]ServiceListener),
		subject:   subject,
	}
}

// Register adds a service under name.
func (s *Services) Register(name string, service any) error {
	s.mu.Lock()
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceAlreadyExists, name)
	}
	s.services[name] = &serviceEntry{name: name, instance: service, registeredAt: time.Now()}
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	for _, l := range listeners {
		l.ServiceRegistered(name, service)
	}
	s.publish(lifecycle.EventTypeServiceRegistered, name, service)
	return nil
}

// Unregister removes the service registered under name.
func (s *Services) Unregister(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(s.services, name)
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	for _, l := range listeners {
		l.ServiceUnregistered(name, entry.instance)
	}
	s.publish(lifecycle.EventTypeServiceUnregistered, name, entry.instance)
	return nil
}

// Get returns the service registered under name.
func (s *Services) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.services[name]
	if !ok {
		return nil, false
	}
	return entry.instance, true
}

// Names returns the sorted names of all registered services.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info describes every registered service.
func (s *Services) Info() []ServiceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := make([]ServiceInfo, 0, len(s.services))
	for _, entry := range s.services {
		info = append(info, ServiceInfo{
			Name:         entry.name,
			Type:         fmt.Sprintf("%T", entry.instance),
			RegisteredAt: entry.registeredAt,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Name < info[j].Name })
	return info
}

// AddListener registers l and replays the current services to it.
func (s *Services) AddListener(l ServiceListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	existing := make([]*serviceEntry, 0, len(s.services))
	for _, entry := range s.services {
		existing = append(existing, entry)
	}
	s.mu.Unlock()

	sort.Slice(existing, func(i, j int) bool { return existing[i].name < existing[j].name })
	for _, entry := range existing {
		l.ServiceRegistered(entry.name, entry.instance)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// listenerSnapshot must be called with s.mu held.
func (s *Services) listenerSnapshot() []ServiceListener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]ServiceListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	return listeners
}

func (s *Services) publish(eventType, name string, service any) {
	if s.subject == nil {
		return
	}
	data := map[string]interface{}{
		"serviceName": name,
		"serviceType": fmt.Sprintf("%T", service),
	}
	_ = s.subject.NotifyObservers(context.Background(), lifecycle.EventSource{Component: "services"}.Event(eventType, data))
}
