package modkernel

// Logger defines the interface for kernel logging. The kernel uses structured
// logging with key-value pairs:
//
//	logger.Info("Module installed", "module", "cache", "startLevel", 12)
//
// *slog.Logger satisfies this interface directly.
type Logger interface {
	// Info logs an informational message, e.g. lifecycle transitions.
	Info(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)

	// Warn logs a condition that is unusual but does not stop the kernel.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
