package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
	seq          uint64
}

// Broadcaster is a Subject that delivers every event synchronously, in
// registration order, on the goroutine that publishes it. A panicking or
// failing observer is logged and does not stop delivery to the others.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	seq       uint64
	logger    Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger Logger) *Broadcaster {
	return &Broadcaster{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

// RegisterObserver adds an observer, replacing any registration with the same ID.
func (b *Broadcaster) RegisterObserver(observer Observer, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	b.seq++
	b.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
		seq:          b.seq,
	}
	return nil
}

// UnregisterObserver removes an observer. Unknown observers are ignored.
func (b *Broadcaster) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, observer.ObserverID())
	return nil
}

// NotifyObservers validates the event and delivers it to every interested observer.
func (b *Broadcaster) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		return err
	}

	for _, registration := range b.snapshot() {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		b.deliver(ctx, registration.observer, event)
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("Observer panicked", "observerID", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil && b.logger != nil {
		b.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// snapshot copies the registrations so observers may (un)register from OnEvent.
func (b *Broadcaster) snapshot() []*observerRegistration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := make([]*observerRegistration, 0, len(b.observers))
	for _, registration := range b.observers {
		regs = append(regs, registration)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	return regs
}

// GetObservers returns information about currently registered observers.
func (b *Broadcaster) GetObservers() []ObserverInfo {
	regs := b.snapshot()
	info := make([]ObserverInfo, 0, len(regs))
	for _, registration := range regs {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}
