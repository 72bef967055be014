package durable

import (
	"context"
	"sync"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
)

// Inbox buffers external events addressed to runs.
// An event satisfies at most one wait, it is consumed by the first matching waiter.
type Inbox struct {
	lock    sync.Mutex
	events  map[string][]inboxEvent
	waiters map[string][]*inboxWaiter
}

type inboxEvent struct {
	key     string
	payload json.RawMessage
}

type inboxWaiter struct {
	key     string
	match   Predicate
	payload chan json.RawMessage
}

func NewInbox() *Inbox {
	return &Inbox{
		events:  make(map[string][]inboxEvent),
		waiters: make(map[string][]*inboxWaiter),
	}
}

// Deliver passes the event to a waiting run or buffers it.
// The result is true if the event has been consumed by a waiter.
func (i *Inbox) Deliver(runID, key string, payload json.RawMessage) bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	for idx, w := range i.waiters[runID] {
		if w.key == key && w.match.matches(payload) {
			i.removeWaiterLocked(runID, idx)
			w.payload <- payload
			return true
		}
	}

	i.events[runID] = append(i.events[runID], inboxEvent{key: key, payload: payload})
	return false
}

// Wait blocks until an event with the key and a matching payload is delivered to the run.
func (i *Inbox) Wait(ctx context.Context, runID, key string, match Predicate) (json.RawMessage, error) {
	i.lock.Lock()
	for idx, e := range i.events[runID] {
		if e.key == key && match.matches(e.payload) {
			i.events[runID] = append(i.events[runID][:idx:idx], i.events[runID][idx+1:]...)
			i.lock.Unlock()
			return e.payload, nil
		}
	}
	w := &inboxWaiter{key: key, match: match, payload: make(chan json.RawMessage, 1)}
	i.waiters[runID] = append(i.waiters[runID], w)
	i.lock.Unlock()

	select {
	case payload := <-w.payload:
		return payload, nil
	case <-ctx.Done():
		i.lock.Lock()
		defer i.lock.Unlock()
		for idx, other := range i.waiters[runID] {
			if other == w {
				i.removeWaiterLocked(runID, idx)
				return nil, ctx.Err()
			}
		}
		// The event may have been delivered concurrently, return it to the buffer
		select {
		case payload := <-w.payload:
			i.events[runID] = append([]inboxEvent{{key: key, payload: payload}}, i.events[runID]...)
		default:
		}
		return nil, ctx.Err()
	}
}

// Forget drops buffered events and waiters of the run.
func (i *Inbox) Forget(runID string) {
	i.lock.Lock()
	defer i.lock.Unlock()
	delete(i.events, runID)
	delete(i.waiters, runID)
}

// Buffered returns the number of undelivered events of the run.
func (i *Inbox) Buffered(runID string) int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.events[runID])
}

// Waiting returns the number of waits of the run.
func (i *Inbox) Waiting(runID string) int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.waiters[runID])
}

func (i *Inbox) removeWaiterLocked(runID string, idx int) {
	waiters := i.waiters[runID]
	waiters = append(waiters[:idx:idx], waiters[idx+1:]...)
	if len(waiters) == 0 {
		delete(i.waiters, runID)
	} else {
		i.waiters[runID] = waiters
	}
}
