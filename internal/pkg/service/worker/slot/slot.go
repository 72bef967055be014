// Package slot provides the Slot Scheduler, it bounds the number of concurrently executing runs.
//
// Waiting assignments are admitted in the FIFO order, the position in the queue is taken by Enqueue.
// A slot is held by a run id, it is released on completion or forced forgetting.
package slot

import (
	"context"
	"sync"

	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
)

type Scheduler struct {
	capacity int
	lock     sync.Mutex
	held     map[string]struct{}
	queue    []*Ticket
	onChange []func(State)
}

type State struct {
	Capacity  int
	InFlight  int
	Waiting   int
	Available int
}

// Ticket is a position in the admission queue.
type Ticket struct {
	scheduler *Scheduler
	id        string
	ready     chan struct{}
	admitted  bool
}

func New(capacity int) (*Scheduler, error) {
	if capacity <= 0 {
		return nil, svcErrors.NewConfigErrorf(`slots capacity must be positive, found %d`, capacity)
	}
	return &Scheduler{
		capacity: capacity,
		held:     make(map[string]struct{}),
	}, nil
}

// OnChange registers a callback invoked after each admission or release.
// Callbacks must be registered before the scheduler is used.
func (s *Scheduler) OnChange(fn func(State)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onChange = append(s.onChange, fn)
}

// TryAdmit acquires a slot without waiting.
// It fails if all slots are used or another assignment is already waiting.
func (s *Scheduler) TryAdmit(id string) bool {
	s.lock.Lock()
	if _, found := s.held[id]; found {
		s.lock.Unlock()
		return true
	}
	if len(s.queue) > 0 || len(s.held) >= s.capacity {
		s.lock.Unlock()
		return false
	}
	s.held[id] = struct{}{}
	state := s.stateLocked()
	callbacks := s.onChange
	s.lock.Unlock()

	s.notify(callbacks, state)
	return true
}

// Enqueue takes a position in the admission queue, the slot is acquired by Ticket.Wait.
// If TryAdmit succeeds, the ticket is admitted immediately.
func (s *Scheduler) Enqueue(id string) *Ticket {
	t := &Ticket{scheduler: s, id: id, ready: make(chan struct{})}
	if s.TryAdmit(id) {
		t.admitted = true
		close(t.ready)
		return t
	}

	// A slot may have been released after TryAdmit, grantLocked admits the queue head then
	s.lock.Lock()
	s.queue = append(s.queue, t)
	callbacks := s.onChange
	granted := s.grantLocked()
	state := s.stateLocked()
	s.lock.Unlock()

	if granted {
		s.notify(callbacks, state)
	}
	return t
}

// Release frees the slot held by the run and admits the next waiting run. It is idempotent.
func (s *Scheduler) Release(id string) bool {
	s.lock.Lock()
	if _, found := s.held[id]; !found {
		s.lock.Unlock()
		return false
	}
	delete(s.held, id)
	s.grantLocked()
	state := s.stateLocked()
	callbacks := s.onChange
	s.lock.Unlock()

	s.notify(callbacks, state)
	return true
}

func (s *Scheduler) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) InFlight() int {
	return s.State().InFlight
}

func (s *Scheduler) Available() int {
	return s.State().Available
}

// Wait blocks until the slot is acquired.
// If the context is done first, the position in the queue is given up.
func (t *Ticket) Wait(ctx context.Context) error {
	// An admitted ticket is ready even if the context is already done
	select {
	case <-t.ready:
		return nil
	default:
	}

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}

	s := t.scheduler
	s.lock.Lock()
	if !t.admitted {
		for i, item := range s.queue {
			if item == t {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.lock.Unlock()
		return context.Cause(ctx)
	}
	s.lock.Unlock()

	// Admitted concurrently with the cancellation, pass the slot to the next one
	s.Release(t.id)
	return context.Cause(ctx)
}

// grantLocked admits waiting tickets while there are free slots.
func (s *Scheduler) grantLocked() (granted bool) {
	for len(s.queue) > 0 && len(s.held) < s.capacity {
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.held[t.id] = struct{}{}
		t.admitted = true
		close(t.ready)
		granted = true
	}
	return granted
}

func (s *Scheduler) stateLocked() State {
	inFlight := len(s.held)
	return State{Capacity: s.capacity, InFlight: inFlight, Waiting: len(s.queue), Available: s.capacity - inFlight}
}

func (s *Scheduler) notify(callbacks []func(State), state State) {
	for _, fn := range callbacks {
		fn(state)
	}
}
