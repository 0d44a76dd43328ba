package lifecycle

import (
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventTypePrefix prefixes every event type the kernel publishes.
const EventTypePrefix = "com.modkernel."

// ServerExtension is the CloudEvents extension carrying the server name.
const ServerExtension = "server"

// EventSource stamps events published by one kernel component. The event
// source is "modkernel/<server>/<component>", or "modkernel/<component>"
// when the server is unnamed.
type EventSource struct {
	Component string
	Server    string
}

// Source returns the CloudEvents source attribute.
func (s EventSource) Source() string {
	if s.Server == "" {
		return "modkernel/" + s.Component
	}
	return "modkernel/" + s.Server + "/" + s.Component
}

// Event builds a kernel event of eventType carrying data as JSON.
func (s EventSource) Event(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(s.Source())
	event.SetType(eventType)
	event.SetTime(time.Now())
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	if s.Server != "" {
		event.SetExtension(ServerExtension, s.Server)
	}
	return event
}

// UUIDv7 keeps event ids ordered by creation time.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent rejects events that are not valid CloudEvents or that
// carry a type outside the kernel's namespace.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid kernel event: %w", err)
	}
	if !strings.HasPrefix(event.Type(), EventTypePrefix) {
		return fmt.Errorf("invalid kernel event: type %q outside %s", event.Type(), EventTypePrefix)
	}
	return nil
}
