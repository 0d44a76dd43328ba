package modkernel

import (
	"github.com/GoCodeAlone/modkernel/lifecycle"
)

// Option configures a Framework.
type Option func(*Framework) error

// WithLogger sets the kernel logger.
func WithLogger(logger Logger) Option {
	return func(f *Framework) error {
		if logger == nil {
			return ErrLoggerNotSet
		}
		f.logger = logger
		return nil
	}
}

// WithResolver replaces the default resolver, which provisions the modules
// listed in the configuration.
func WithResolver(resolver Resolver) Option {
	return func(f *Framework) error {
		f.resolver = resolver
		return nil
	}
}

// WithExitHooks shares an exit hook registry with the rest of the process.
// The shutdown hook and start-level safety hooks are registered there.
func WithExitHooks(hooks *lifecycle.ExitHooks) Option {
	return func(f *Framework) error {
		f.hooks = hooks
		return nil
	}
}

// WithArgs sets the command line arguments published as kernel.args.
func WithArgs(args []string) Option {
	return func(f *Framework) error {
		f.args = append([]string(nil), args...)
		return nil
	}
}

// WithObserver registers an observer for kernel lifecycle events.
func WithObserver(observer lifecycle.Observer, eventTypes ...string) Option {
	return func(f *Framework) error {
		if observer == nil {
			return ErrObserverNotSet
		}
		f.observers = append(f.observers, pendingObserver{observer: observer, eventTypes: eventTypes})
		return nil
	}
}
