package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ErrHooksRunning is returned when hooks are added or removed after the exit
// sequence has begun.
var ErrHooksRunning = errors.New("exit hooks are already running")

// Hook is a registered exit hook.
type Hook struct {
	name string
	fn   func()
}

// Name returns the hook's name.
func (h *Hook) Name() string {
	return h.name
}

// ExitHooks is the process exit mechanism. Hooks are run concurrently, each
// on its own goroutine, when the process is asked to terminate; the process
// only exits once every hook has returned.
type ExitHooks struct {
	mu      sync.Mutex
	hooks   map[*Hook]struct{}
	running bool
	done    chan struct{}
	exit    func(code int)
	logger  Logger
}

// NewExitHooks creates an empty hook registry that terminates with os.Exit.
func NewExitHooks(logger Logger) *ExitHooks {
	return &ExitHooks{
		hooks:  make(map[*Hook]struct{}),
		done:   make(chan struct{}),
		exit:   os.Exit,
		logger: logger,
	}
}

// SetExitFunc replaces the function used to terminate the process.
func (e *ExitHooks) SetExitFunc(fn func(code int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exit = fn
}

// Add registers a hook.
func (e *ExitHooks) Add(name string, fn func()) (*Hook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrHooksRunning
	}
	hook := &Hook{name: name, fn: fn}
	e.hooks[hook] = struct{}{}
	return hook, nil
}

// Remove unregisters a hook. Removing an unknown hook is a no-op.
func (e *ExitHooks) Remove(hook *Hook) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrHooksRunning
	}
	delete(e.hooks, hook)
	return nil
}

// Running reports whether the exit sequence has begun.
func (e *ExitHooks) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Len returns the number of registered hooks.
func (e *ExitHooks) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hooks)
}

// Run starts every registered hook and blocks until all have returned.
// Concurrent and later callers block until the first run completes.
func (e *ExitHooks) Run() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.running = true
	hooks := make([]*Hook, 0, len(e.hooks))
	for hook := range e.hooks {
		hooks = append(hooks, hook)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, hook := range hooks {
		wg.Add(1)
		go func(h *Hook) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil && e.logger != nil {
					e.logger.Error("Exit hook panicked", "hook", h.name, "panic", r)
				}
			}()
			if e.logger != nil {
				e.logger.Debug("Running exit hook", "hook", h.name)
			}
			h.fn()
		}(hook)
	}
	wg.Wait()
	close(e.done)
}

// Done returns a channel closed once every hook has completed.
func (e *ExitHooks) Done() <-chan struct{} {
	return e.done
}

// Exit runs the hooks and then terminates the process with code.
func (e *ExitHooks) Exit(code int) {
	e.Run()
	e.mu.Lock()
	exit := e.exit
	e.mu.Unlock()
	exit(code)
}

// HandleSignals runs the exit sequence when one of sigs (SIGINT and SIGTERM by
// default) is received. The returned function stops signal handling.
func (e *ExitHooks) HandleSignals(ctx context.Context, sigs ...os.Signal) func() {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case sig := <-ch:
			if e.logger != nil {
				e.logger.Info("Received signal, running exit hooks", "signal", sig)
			}
			e.Exit(signalExitCode(sig))
		case <-ctx.Done():
		case <-stop:
		}
	}()

	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
}

func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
