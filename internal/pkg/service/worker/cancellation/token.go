// Package cancellation provides the cooperative cancellation token of a run.
//
// The token is a flag plus a set of listeners.
// The first Abort call wins, listeners are notified synchronously, in the registration order.
// Cancellation never interrupts the task function, the function must observe the token.
package cancellation

import (
	"sync"
	"time"

	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
)

type Kind string

const (
	KindServer           Kind = "server"
	KindScheduleTimeout  Kind = "scheduleTimeout"
	KindExecutionTimeout Kind = "executionTimeout"
	KindShutdown         Kind = "shutdown"
)

type Reason struct {
	Kind    Kind
	Message string
	// Timeout is set for timeout kinds.
	Timeout time.Duration
}

type Token struct {
	lock      sync.Mutex
	aborted   bool
	reason    Reason
	nextID    int
	listeners []listener
	done      chan struct{}
}

type listener struct {
	id int
	fn func(Reason)
}

func ServerReason(message string) Reason {
	return Reason{Kind: KindServer, Message: message}
}

func ShutdownReason() Reason {
	return Reason{Kind: KindShutdown, Message: "worker is shutting down"}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (r Reason) IsTimeout() bool {
	return r.Kind == KindScheduleTimeout || r.Kind == KindExecutionTimeout
}

// Err converts the reason to an error from the worker error taxonomy.
func (r Reason) Err() error {
	switch r.Kind {
	case KindScheduleTimeout:
		return svcErrors.NewTimeoutError("schedule", r.Timeout)
	case KindExecutionTimeout:
		return svcErrors.NewTimeoutError("execution", r.Timeout)
	default:
		return svcErrors.NewCancelledError(string(r.Kind), r.Message)
	}
}

func (r Reason) String() string {
	if r.Message == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Message
}

// Abort flips the token and notifies listeners.
// It returns false, if the token has already been aborted, the original reason is kept.
func (t *Token) Abort(reason Reason) bool {
	t.lock.Lock()
	if t.aborted {
		t.lock.Unlock()
		return false
	}
	t.aborted = true
	t.reason = reason
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.lock.Unlock()

	// Listeners are called outside the lock, so they can use the token.
	for _, l := range listeners {
		l.fn(reason)
	}
	return true
}

// OnAbort registers a listener.
// If the token has already been aborted, the listener is called immediately.
// The returned function unregisters the listener.
func (t *Token) OnAbort(fn func(Reason)) (unregister func()) {
	t.lock.Lock()
	if t.aborted {
		reason := t.reason
		t.lock.Unlock()
		fn(reason)
		return func() {}
	}
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.lock.Unlock()

	return func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Token) Aborted() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.aborted
}

// Reason returns the abort reason, ok is false if the token has not been aborted.
func (t *Token) Reason() (reason Reason, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.reason, t.aborted
}

// Done returns a channel closed on abort.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns nil, or the abort reason converted to an error.
func (t *Token) Err() error {
	if reason, ok := t.Reason(); ok {
		return reason.Err()
	}
	return nil
}
