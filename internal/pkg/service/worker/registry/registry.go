// Package registry provides the Run Registry, the only source of truth whether a run is still tracked.
//
// Each entry owns the cancellation token of the run and the timers armed for the run.
// Removal is atomic and idempotent, timers are stopped on removal,
// and a timer which fires after the removal is a no-op.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

var ErrAlreadyRegistered = errors.New("run is already registered")

type TimerKind string

const (
	TimerScheduleDeadline  TimerKind = "scheduleDeadline"
	TimerExecutionDeadline TimerKind = "executionDeadline"
	TimerCancelWarning     TimerKind = "cancelWarning"
	TimerCancelGrace       TimerKind = "cancelGrace"
)

type RemoveCause string

const (
	// RemoveCompleted - the task function returned, the result is reported.
	RemoveCompleted RemoveCause = "completed"
	// RemoveForgotten - the run did not stop in the grace period after cancellation, the result is discarded.
	RemoveForgotten RemoveCause = "forgotten"
	// RemoveNotAdmitted - the run has been cancelled before it got a slot.
	RemoveNotAdmitted RemoveCause = "notAdmitted"
)

// Operation is a handle of the in-flight task function execution.
// Cancel is a cooperative request, there is no termination guarantee.
type Operation interface {
	Cancel(reason cancellation.Reason)
}

type OperationFunc func(reason cancellation.Reason)

func (f OperationFunc) Cancel(reason cancellation.Reason) {
	f(reason)
}

// Run contains metadata of a tracked run.
type Run struct {
	ID         string
	TaskName   string
	AssignedAt time.Time
	Priority   int
	IsDurable  bool
}

// Entry is a snapshot of a registry entry.
type Entry struct {
	Run          Run
	Context      context.Context
	Token        *cancellation.Token
	Operation    Operation
	RegisteredAt time.Time
}

type Registry struct {
	clock    clockwork.Clock
	lock     sync.Mutex
	entries  map[string]*entry
	empty    chan struct{}
	onRemove []func(Entry, RemoveCause)
}

type entry struct {
	Entry
	timers map[TimerKind]*timer
}

type timer struct {
	clock    clockwork.Timer
	deadline time.Time
}

func New(clock clockwork.Clock) *Registry {
	empty := make(chan struct{})
	close(empty)
	return &Registry{clock: clock, entries: make(map[string]*entry), empty: empty}
}

// OnRemove registers a callback invoked after an entry is removed.
// Callbacks must be registered before the registry is used.
func (r *Registry) OnRemove(fn func(Entry, RemoveCause)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Register creates a new entry with a new cancellation token.
// The returned setOperation function attaches the operation handle, when the execution starts.
// If the token is already aborted at that time, the operation is cancelled immediately.
func (r *Registry) Register(ctx context.Context, run Run) (token *cancellation.Token, setOperation func(Operation), err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, found := r.entries[run.ID]; found {
		return nil, nil, errors.PrefixErrorf(ErrAlreadyRegistered, `cannot register run "%s"`, run.ID)
	}

	e := &entry{
		Entry: Entry{
			Run:          run,
			Context:      ctx,
			Token:        cancellation.NewToken(),
			RegisteredAt: r.clock.Now(),
		},
		timers: make(map[TimerKind]*timer),
	}

	if len(r.entries) == 0 {
		r.empty = make(chan struct{})
	}
	r.entries[run.ID] = e

	setOperation = func(op Operation) {
		r.lock.Lock()
		if r.entries[run.ID] != e {
			// Already removed
			r.lock.Unlock()
			return
		}
		e.Operation = op
		r.lock.Unlock()

		if reason, aborted := e.Token.Reason(); aborted {
			op.Cancel(reason)
		}
	}

	return e.Token, setOperation, nil
}

func (r *Registry) Lookup(id string) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if e, found := r.entries[id]; found {
		return e.Entry, true
	}
	return Entry{}, false
}

// Remove deletes the entry and stops its timers.
// The removed flag is true only for the call which actually removed the entry.
func (r *Registry) Remove(id string, cause RemoveCause) (removed Entry, ok bool) {
	return r.remove(id, nil, cause)
}

// RemoveEntry deletes the entry only if it is still the registration which owns the token.
// A run id may be registered again after the previous registration was forgotten,
// the stale registration must not remove the new one.
func (r *Registry) RemoveEntry(id string, token *cancellation.Token, cause RemoveCause) (removed Entry, ok bool) {
	if token == nil {
		return Entry{}, false
	}
	return r.remove(id, token, cause)
}

// Owns returns true if the run is tracked and the tracked registration owns the token.
func (r *Registry) Owns(id string, token *cancellation.Token) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, found := r.entries[id]
	return found && e.Token == token
}

func (r *Registry) remove(id string, token *cancellation.Token, cause RemoveCause) (removed Entry, ok bool) {
	r.lock.Lock()
	e, found := r.entries[id]
	if !found || (token != nil && e.Token != token) {
		r.lock.Unlock()
		return Entry{}, false
	}
	delete(r.entries, id)
	for kind, t := range e.timers {
		t.clock.Stop()
		delete(e.timers, kind)
	}
	if len(r.entries) == 0 {
		close(r.empty)
	}
	callbacks := r.onRemove
	r.lock.Unlock()

	for _, fn := range callbacks {
		fn(e.Entry, cause)
	}
	return e.Entry, true
}

// Abort flips the token of the run. It is a no-op if the run is not tracked.
// The result is true only if the token has been aborted by this call.
func (r *Registry) Abort(id string, reason cancellation.Reason) bool {
	entry, found := r.Lookup(id)
	if !found {
		return false
	}
	return entry.Token.Abort(reason)
}

// ArmTimer calls fn after d, if the run is still registered and the timer has not been replaced or stopped.
// A previous timer of the same kind is replaced.
// The result is false if the run is not tracked.
func (r *Registry) ArmTimer(id string, kind TimerKind, d time.Duration, fn func()) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, found := r.entries[id]
	if !found {
		return false
	}

	if old, found := e.timers[kind]; found {
		old.clock.Stop()
	}

	t := &timer{deadline: r.clock.Now().Add(d)}
	t.clock = r.clock.AfterFunc(d, func() {
		r.lock.Lock()
		if r.entries[id] != e || e.timers[kind] != t {
			// Removed, replaced or stopped
			r.lock.Unlock()
			return
		}
		delete(e.timers, kind)
		r.lock.Unlock()
		fn()
	})
	e.timers[kind] = t
	return true
}

func (r *Registry) StopTimer(id string, kind TimerKind) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if e, found := r.entries[id]; found {
		if t, found := e.timers[kind]; found {
			t.clock.Stop()
			delete(e.timers, kind)
		}
	}
}

// TimerDeadline returns the time when the armed timer fires.
func (r *Registry) TimerDeadline(id string, kind TimerKind) (time.Time, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if e, found := r.entries[id]; found {
		if t, found := e.timers[kind]; found {
			return t.deadline, true
		}
	}
	return time.Time{}, false
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

func (r *Registry) IDs() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Empty returns a channel closed when there is no tracked run.
func (r *Registry) Empty() <-chan struct{} {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.empty
}
