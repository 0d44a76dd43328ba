package registry

import (
	"context"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

func TestServices_RegisterAndListen(t *testing.T) {
	events := lifecycle.NewBroadcaster(nil)
	var mu sync.Mutex
	var published []string
	require.NoError(t, events.RegisterObserver(lifecycle.NewFunctionalObserver("test", func(_ context.Context, e cloudevents.Event) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, e.Type())
		return nil
	})))

	s := NewServices(events)
	require.NoError(t, s.Register("b", 2))
	require.NoError(t, s.Register("a", 1))
	assert.ErrorIs(t, s.Register("a", 3), ErrServiceAlreadyExists)

	var registered, unregistered []string
	remove := s.AddListener(ServiceListenerFuncs{
		Registered:   func(name string, _ any) { registered = append(registered, name) },
		Unregistered: func(name string, _ any) { unregistered = append(unregistered, name) },
	})
	assert.Equal(t, []string{"a", "b"}, registered, "existing services are replayed in name order")

	require.NoError(t, s.Register("c", 3))
	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrServiceNotFound)
	assert.Equal(t, []string{"a", "b", "c"}, registered)
	assert.Equal(t, []string{"a"}, unregistered)

	remove()
	remove()
	require.NoError(t, s.Register("d", 4))
	assert.Len(t, registered, 3)

	v, ok := s.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, []string{"b", "c", "d"}, s.Names())
	assert.Len(t, s.Info(), 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, published, lifecycle.EventTypeServiceRegistered)
	assert.Contains(t, published, lifecycle.EventTypeServiceUnregistered)
}

func TestServices_ListenerMayMutateRegistry(t *testing.T) {
	s := NewServices(nil)
	s.AddListener(ServiceListenerFuncs{
		Registered: func(name string, _ any) {
			if name == "trigger" {
				require.NoError(t, s.Register("derived", true))
			}
		},
	})

	require.NoError(t, s.Register("trigger", true))
	_, ok := s.Get("derived")
	assert.True(t, ok)
}
