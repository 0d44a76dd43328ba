// Package lifecycle provides the synchronization primitives the kernel uses to
// coordinate startup and shutdown: one-shot latches, process exit hooks and an
// Observer pattern over CloudEvents for asynchronous lifecycle notifications.
package lifecycle

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of events.
// Events use the CloudEvents specification for standardization.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is interested in.
	// Observers should handle events quickly; delivery happens on the
	// publisher's goroutine.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// If eventTypes is empty, the observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id" yaml:"id"`
	EventTypes   []string  `json:"eventTypes" yaml:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt" yaml:"registeredAt"`
}

// Event types published by the module registry and the kernel.
const (
	// Module registry events
	EventTypeStartLevelChanged = "com.modkernel.registry.startlevel.changed"
	EventTypeRegistryStarted   = "com.modkernel.registry.started"
	EventTypeRegistryStopped   = "com.modkernel.registry.stopped"
	EventTypeRegistryError     = "com.modkernel.registry.error"
	EventTypeModuleInstalled   = "com.modkernel.module.installed"
	EventTypeModuleStarted     = "com.modkernel.module.started"
	EventTypeModuleStopped     = "com.modkernel.module.stopped"

	// Service events
	EventTypeServiceRegistered   = "com.modkernel.service.registered"
	EventTypeServiceUnregistered = "com.modkernel.service.unregistered"

	// Kernel lifecycle events
	EventTypeKernelLaunched = "com.modkernel.kernel.launched"
	EventTypeKernelReady    = "com.modkernel.kernel.ready"
	EventTypeKernelFailed   = "com.modkernel.kernel.failed"
	EventTypeKernelStopping = "com.modkernel.kernel.stopping"
	EventTypeKernelStopped  = "com.modkernel.kernel.stopped"
)

// FunctionalObserver provides a simple way to create observers using functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates a new observer that uses the provided function
// to handle events.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
