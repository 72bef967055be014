// Package durable provides the Durable Continuation of a run.
//
// Each await point (SleepFor, WaitFor) gets a sequence number.
// A pending record is checkpointed before the suspension and a resolved record after it.
// On replay, a resolved await point is satisfied immediately and a pending sleep keeps its original deadline.
// Code between await points is executed again, side effects must be idempotent.
package durable

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

var ErrReplayMismatch = errors.New("checkpoint does not match the await point")

type Continuation struct {
	runID   string
	clock   clockwork.Clock
	logger  log.Logger
	store   Store
	inbox   *Inbox
	parents map[string]json.RawMessage
	token   *cancellation.Token

	lock     sync.Mutex
	sequence int
	pending  map[int]Record
	resolved map[int]Record
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
}

type Option func(c *Continuation)

// WithStore enables checkpointing, without a store the await points are not persisted.
func WithStore(store Store) Option {
	return func(c *Continuation) {
		c.store = store
	}
}

func WithInbox(inbox *Inbox) Option {
	return func(c *Continuation) {
		c.inbox = inbox
	}
}

func WithParentOutputs(outputs map[string]json.RawMessage) Option {
	return func(c *Continuation) {
		c.parents = outputs
	}
}

// WithToken interrupts waiting when the token is aborted.
func WithToken(token *cancellation.Token) Option {
	return func(c *Continuation) {
		c.token = token
	}
}

// Open loads checkpoints of the run and returns the continuation.
func Open(ctx context.Context, d dependencies, runID string, opts ...Option) (*Continuation, error) {
	c := &Continuation{
		runID:    runID,
		clock:    d.Clock(),
		logger:   d.Logger().WithComponent("durable").With(attribute.String("run.id", runID)),
		pending:  make(map[int]Record),
		resolved: make(map[int]Record),
	}
	for _, o := range opts {
		o(c)
	}
	if c.inbox == nil {
		c.inbox = NewInbox()
	}

	if c.store == nil {
		return c, nil
	}

	records, err := c.store.Load(ctx, runID)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot load checkpoints of run "%s"`, runID)
	}
	for _, r := range records {
		if r.State == RecordResolved {
			c.resolved[r.Sequence] = r
		} else {
			c.pending[r.Sequence] = r
		}
	}
	if len(records) > 0 {
		c.logger.Infof(ctx, `replaying run "%s", found %d checkpoint records`, runID, len(records))
	}

	return c, nil
}

// SleepFor suspends the run for the duration.
func (c *Continuation) SleepFor(ctx context.Context, d time.Duration) error {
	_, err := c.WaitFor(ctx, Sleep(d))
	return err
}

// WaitFor suspends the run until the condition is satisfied.
func (c *Continuation) WaitFor(ctx context.Context, condition Condition) (Resolution, error) {
	c.lock.Lock()
	seq := c.sequence
	c.sequence++
	pending, hasPending := c.pending[seq]
	resolved, hasResolved := c.resolved[seq]
	c.lock.Unlock()

	desc := condition.Describe()

	// Replay
	if hasResolved {
		if resolved.Condition != desc {
			return Resolution{}, c.mismatch(seq, resolved.Condition, desc)
		}
		c.logger.Debugf(ctx, `await point %d "%s" replayed`, seq, desc)
		if resolved.Resolution == nil {
			return Resolution{}, nil
		}
		return *resolved.Resolution, nil
	}

	if c.token != nil {
		if err := c.token.Err(); err != nil {
			return Resolution{}, err
		}
	}

	leaves := condition.leaves()
	if len(leaves) == 0 {
		return Resolution{}, errors.Errorf(`await point %d has no condition`, seq)
	}

	// Sleep deadlines are absolute, a replayed pending await point keeps them
	deadlines := make([]time.Time, len(leaves))
	if hasPending {
		if pending.Condition != desc {
			return Resolution{}, c.mismatch(seq, pending.Condition, desc)
		}
		for _, d := range pending.Deadlines {
			if d.Index >= 0 && d.Index < len(deadlines) {
				deadlines[d.Index] = d.At
			}
		}
	}
	now := c.clock.Now()
	var stored []Deadline
	for idx, leaf := range leaves {
		if s, ok := leaf.(sleepCondition); ok {
			if deadlines[idx].IsZero() {
				deadlines[idx] = now.Add(s.duration)
			}
			stored = append(stored, Deadline{Index: idx, At: deadlines[idx]})
		}
	}

	// Checkpoint before the suspension
	if !hasPending {
		record := Record{RunID: c.runID, Sequence: seq, State: RecordPending, Condition: desc, Deadlines: stored, CreatedAt: now}
		record, err := c.append(ctx, record)
		if err != nil {
			return Resolution{}, err
		}
		if record.Condition != desc {
			return Resolution{}, c.mismatch(seq, record.Condition, desc)
		}
		for _, d := range record.Deadlines {
			if d.Index >= 0 && d.Index < len(deadlines) {
				deadlines[d.Index] = d.At
			}
		}
	}

	c.logger.Debugf(ctx, `waiting at await point %d "%s"`, seq, desc)
	resolution, err := c.await(ctx, leaves, deadlines)
	if err != nil {
		return Resolution{}, err
	}

	record, err := c.append(ctx, Record{RunID: c.runID, Sequence: seq, State: RecordResolved, Condition: desc, Resolution: &resolution, CreatedAt: c.clock.Now()})
	if err != nil {
		return Resolution{}, err
	}
	if record.Condition != desc {
		return Resolution{}, c.mismatch(seq, record.Condition, desc)
	}
	if record.Resolution == nil || record.Resolution.Winner < 0 || record.Resolution.Winner >= len(leaves) {
		return Resolution{}, errors.Errorf(`await point %d of run "%s" has an invalid stored resolution`, seq, c.runID)
	}
	resolution = *record.Resolution

	c.logger.Debugf(ctx, `await point %d "%s" resolved by "%s"`, seq, desc, leaves[resolution.Winner].Describe())
	return resolution, nil
}

func (c *Continuation) await(ctx context.Context, leaves []Condition, deadlines []time.Time) (Resolution, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.token != nil {
		unregister := c.token.OnAbort(func(cancellation.Reason) { cancel() })
		defer unregister()
	}

	var lock sync.Mutex
	winner := -1
	var payload json.RawMessage

	grp, grpCtx := errgroup.WithContext(waitCtx)
	for idx, leaf := range leaves {
		grp.Go(func() error {
			p, err := c.awaitLeaf(grpCtx, leaf, deadlines[idx])
			if err != nil {
				return err
			}
			lock.Lock()
			if winner == -1 {
				winner = idx
				payload = p
			}
			lock.Unlock()
			// Stop other sub-conditions
			cancel()
			return nil
		})
	}
	err := grp.Wait()

	if winner >= 0 {
		res := Resolution{Winner: winner, Payload: payload}
		for idx := range leaves {
			if idx != winner {
				res.Unused = append(res.Unused, idx)
			}
		}
		return res, nil
	}

	if c.token != nil {
		if tokenErr := c.token.Err(); tokenErr != nil {
			return Resolution{}, tokenErr
		}
	}
	return Resolution{}, err
}

func (c *Continuation) awaitLeaf(ctx context.Context, leaf Condition, deadline time.Time) (json.RawMessage, error) {
	switch v := leaf.(type) {
	case sleepCondition:
		wait := deadline.Sub(c.clock.Now())
		if wait <= 0 {
			return nil, nil
		}
		timer := c.clock.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.Chan():
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case eventCondition:
		return c.inbox.Wait(ctx, c.runID, v.key, v.match)
	case parentOutputCondition:
		if output, found := c.parents[v.parent]; found && v.match.matches(output) {
			return output, nil
		}
		// Parent outputs are known at the assignment, the condition cannot be satisfied later
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, errors.Errorf(`unexpected condition type "%T"`, leaf)
	}
}

// append checkpoints the record and returns the record which is actually stored.
func (c *Continuation) append(ctx context.Context, record Record) (Record, error) {
	if c.store != nil {
		err := c.store.Append(ctx, record)
		switch {
		case errors.Is(err, ErrRecordExists):
			// The await point has been checkpointed by a previous execution, the stored record is used
			stored, found, loadErr := c.load(ctx, record.Sequence, record.State)
			if loadErr != nil {
				return Record{}, loadErr
			}
			if found {
				c.logger.Debugf(ctx, `await point %d "%s" is already checkpointed as %s, the stored record is used`, record.Sequence, record.Condition, record.State)
				record = stored
			}
		case err != nil:
			return Record{}, errors.PrefixErrorf(err, `cannot checkpoint await point %d of run "%s"`, record.Sequence, c.runID)
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if record.State == RecordResolved {
		c.resolved[record.Sequence] = record
	} else {
		c.pending[record.Sequence] = record
	}
	return record, nil
}

func (c *Continuation) load(ctx context.Context, seq int, state RecordState) (Record, bool, error) {
	records, err := c.store.Load(ctx, c.runID)
	if err != nil {
		return Record{}, false, errors.PrefixErrorf(err, `cannot load checkpoints of run "%s"`, c.runID)
	}
	for _, r := range records {
		if r.Sequence == seq && r.State == state {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (c *Continuation) mismatch(seq int, recorded, requested string) error {
	return errors.PrefixErrorf(ErrReplayMismatch, `await point %d of run "%s": recorded "%s", requested "%s"`, seq, c.runID, recorded, requested)
}
