package modkernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modkernel/registry"
)

var errBoom = errors.New("boom")

// testLogger forwards kernel logs to the test log.
type testLogger struct {
	t *testing.T
}

func (l testLogger) log(level, msg string, args ...any) {
	l.t.Helper()
	l.t.Logf("%s %s %v", level, msg, args)
}

func (l testLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l testLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l testLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l testLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// countingActivator records activator calls and can be made to fail.
type countingActivator struct {
	starts atomic.Int32
	stops  atomic.Int32
	err    error
}

func (a *countingActivator) Start(context.Context, registry.ServiceRegistry) error {
	a.starts.Add(1)
	return a.err
}

func (a *countingActivator) Stop(context.Context) error {
	a.stops.Add(1)
	return nil
}

func newCatalog(t *testing.T, artifacts ...registry.Artifact) *registry.Catalog {
	t.Helper()
	c, err := registry.NewCatalog(artifacts...)
	require.NoError(t, err)
	return c
}

// startedRegistry returns a running Memory registry stopped at test end.
func startedRegistry(t *testing.T, artifacts ...registry.Artifact) *registry.Memory {
	t.Helper()
	reg := registry.NewMemory(newCatalog(t, artifacts...), registry.WithLogger(testLogger{t}))
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() {
		_ = reg.Stop()
		_ = reg.WaitForStop(context.Background())
	})
	return reg
}

// fakeComponent is a PausableComponent with scripted failures.
type fakeComponent struct {
	name string

	mu       sync.Mutex
	paused   bool
	pauses   int
	resumes  int
	failWith error
	onPause  func()
}

func newFakeComponent(name string) *fakeComponent {
	return &fakeComponent{name: name}
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) Pause(context.Context) error {
	c.mu.Lock()
	hook := c.onPause
	if c.failWith != nil {
		err := c.failWith
		c.mu.Unlock()
		return err
	}
	c.paused = true
	c.pauses++
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeComponent) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.paused = false
	c.resumes++
	return nil
}

func (c *fakeComponent) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeComponent) counts() (pauses, resumes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes
}

func componentService(name string) string {
	return fmt.Sprintf("pausable.%s", name)
}
