package modkernel

import (
	"errors"
	"runtime"
	"strings"

	"github.com/GoCodeAlone/modkernel/lifecycle"
)

// exitFrame marks the goroutine that asked the process to exit.
const exitFrame = "lifecycle.(*ExitHooks).Exit("

// installShutdownHook registers the hook that stops the kernel when the
// process is asked to exit. If the exit sequence is already running the
// stop is requested immediately.
func (f *Framework) installShutdownHook() error {
	hook, err := f.hooks.Add(shutdownHookName, f.onProcessExit)
	if err != nil {
		if errors.Is(err, lifecycle.ErrHooksRunning) {
			f.requestStop(true)
			return nil
		}
		return err
	}
	f.hookMu.Lock()
	f.shutdownHook = hook
	f.hookMu.Unlock()
	return nil
}

// removeShutdownHook is only called on the API stop path. A hook that is
// already running cannot be removed and is left to finish.
func (f *Framework) removeShutdownHook() {
	f.hookMu.Lock()
	hook := f.shutdownHook
	f.shutdownHook = nil
	f.hookMu.Unlock()
	if hook == nil {
		return
	}
	if err := f.hooks.Remove(hook); err != nil && !errors.Is(err, lifecycle.ErrHooksRunning) {
		f.logger.Warn("Failed to remove shutdown hook", "error", err)
	}
}

// onProcessExit runs on the exit hook goroutine. It holds up process exit
// until the kernel has stopped.
func (f *Framework) onProcessExit() {
	f.logExitAttribution()
	f.requestStop(true)
	<-f.stopped.Done()
}

// logExitAttribution reports which code path asked the process to exit. It
// is a best-effort diagnostic: the goroutine that called Exit may already
// have moved on by the time stacks are captured.
func (f *Framework) logExitAttribution() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	caller, found := exitCaller(string(buf[:n]))
	switch {
	case !found:
		f.logger.Info("Process exiting", "trigger", "shutdown")
	case strings.Contains(caller, "(*ExitHooks).HandleSignals"):
		f.logger.Info("Process exiting", "trigger", "signal")
	default:
		f.logger.Warn("Process exiting", "trigger", "explicit exit", "caller", caller)
	}
}

// exitCaller finds the function that called ExitHooks.Exit in a dump of all
// goroutine stacks as produced by runtime.Stack.
func exitCaller(stacks string) (string, bool) {
	for _, goroutine := range strings.Split(stacks, "\n\n") {
		lines := strings.Split(goroutine, "\n")
		for i, line := range lines {
			if !strings.Contains(line, exitFrame) {
				continue
			}
			for _, next := range lines[i+1:] {
				if next == "" || strings.HasPrefix(next, "\t") {
					continue
				}
				return frameFunction(next), true
			}
			return "", true
		}
	}
	return "", false
}

// frameFunction strips the argument list from a stack frame line.
func frameFunction(frame string) string {
	if i := strings.LastIndex(frame, "("); i > 0 && strings.HasSuffix(frame, ")") {
		return frame[:i]
	}
	return frame
}
