package lifecycle

import (
	"context"
	"sync"
)

// Latch is a one-shot, monotonic signal carrying a success flag. It can be
// signaled exactly once; every current and future waiter observes the same
// terminal value. There is no reset.
type Latch struct {
	name string
	once sync.Once
	done chan struct{}
	ok   bool
}

// NewLatch creates an unsignaled latch. The name is used in diagnostics only.
func NewLatch(name string) *Latch {
	return &Latch{name: name, done: make(chan struct{})}
}

// Name returns the latch's diagnostic name.
func (l *Latch) Name() string {
	return l.name
}

// Signal sets the latch to ok. It reports whether this call set the value;
// calls after the first are ignored.
func (l *Latch) Signal(ok bool) bool {
	set := false
	l.once.Do(func() {
		l.ok = ok
		set = true
		close(l.done)
	})
	return set
}

// Done returns a channel that is closed once the latch has been signaled.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// IsSet reports whether the latch has been signaled.
func (l *Latch) IsSet() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Value returns the terminal value and whether the latch has been signaled.
func (l *Latch) Value() (ok, set bool) {
	select {
	case <-l.done:
		return l.ok, true
	default:
		return false, false
	}
}

// Wait blocks until the latch is signaled or ctx is done.
func (l *Latch) Wait(ctx context.Context) (bool, error) {
	select {
	case <-l.done:
		return l.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
