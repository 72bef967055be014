package durable

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type RecordState string

const (
	RecordPending  RecordState = "pending"
	RecordResolved RecordState = "resolved"
)

// ErrRecordExists is returned by Store.Append, if the record with the same run, sequence and state is already stored.
var ErrRecordExists = errors.New("checkpoint record already exists")

// Record is one entry of the append-only checkpoint log of a run.
// Each await point writes a pending record before the suspension and a resolved record after it.
type Record struct {
	RunID      string      `json:"runId"`
	Sequence   int         `json:"sequence"`
	State      RecordState `json:"state"`
	Condition  string      `json:"condition"`
	Deadlines  []Deadline  `json:"deadlines,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Deadline of a sleep sub-condition, Index is the position in the flattened condition.
type Deadline struct {
	Index int       `json:"index"`
	At    time.Time `json:"at"`
}

// Resolution of an await point.
type Resolution struct {
	// Winner is the index of the satisfied sub-condition.
	Winner int `json:"winner"`
	// Unused sub-conditions are resolved but never re-evaluated.
	Unused  []int           `json:"unused,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Store persists checkpoint records.
type Store interface {
	// Load returns all records of the run ordered by the sequence, a pending record precedes the resolved one.
	Load(ctx context.Context, runID string) ([]Record, error)
	// Append writes the record if there is no record with the same run, sequence and state, otherwise ErrRecordExists is returned.
	Append(ctx context.Context, record Record) error
	// Delete removes all records of the run.
	Delete(ctx context.Context, runID string) error
}

// MemoryStore keeps records in memory, replay is possible only within the process.
type MemoryStore struct {
	lock    sync.Mutex
	records map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

func (s *MemoryStore) Load(_ context.Context, runID string) ([]Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := slices.Clone(s.records[runID])
	SortRecords(out)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, record Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, r := range s.records[record.RunID] {
		if r.Sequence == record.Sequence && r.State == record.State {
			return errors.PrefixErrorf(ErrRecordExists, `cannot append checkpoint "%s/%d/%s"`, record.RunID, record.Sequence, record.State)
		}
	}
	s.records[record.RunID] = append(s.records[record.RunID], record)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.records, runID)
	return nil
}

// SortRecords sorts records by the sequence, a pending record precedes the resolved one.
func SortRecords(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if a.Sequence != b.Sequence {
			return a.Sequence - b.Sequence
		}
		return stateOrder(a.State) - stateOrder(b.State)
	})
}

func stateOrder(s RecordState) int {
	if s == RecordPending {
		return 0
	}
	return 1
}
