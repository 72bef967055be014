// Package transport defines messages exchanged between the worker and the orchestration server.
//
// Each message is wrapped in an Envelope, the Type field determines the payload type.
package transport

import (
	"time"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/service/common/duration"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type MessageType string

const (
	// Server -> worker.
	TypeAssign MessageType = "assign"
	TypeCancel MessageType = "cancel"
	TypeEvent  MessageType = "event"
	// Worker -> server.
	TypeResult           MessageType = "result"
	TypeSlots            MessageType = "slots"
	TypeStream           MessageType = "stream"
	TypePushEvents       MessageType = "pushEvents"
	TypeTriggerWorkflows MessageType = "triggerWorkflows"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Assign - the server assigned a run to the worker.
type Assign struct {
	RunID    string          `json:"runId"`
	TaskName string          `json:"taskName"`
	Input    json.RawMessage `json:"input,omitempty"`
	// AssignedAt is the assignment time on the server side, it is used only for diagnostics.
	AssignedAt       time.Time         `json:"assignedAt,omitempty"`
	ScheduleTimeout  duration.Duration `json:"scheduleTimeout,omitempty"`
	ExecutionTimeout duration.Duration `json:"executionTimeout,omitempty"`
	IsDurable        bool              `json:"isDurable,omitempty"`
	Priority         int               `json:"priority,omitempty"`
	Retry            int               `json:"retry,omitempty"`
	// ParentOutputs contains outputs of the finished parent runs, by the parent task name.
	ParentOutputs map[string]json.RawMessage `json:"parentOutputs,omitempty"`
	// ConcurrencyKeys are evaluated by the server, the worker only passes them to the logs.
	ConcurrencyKeys []string `json:"concurrencyKeys,omitempty"`
	// TraceContext carries the server span, "traceparent" or B3 headers.
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// Cancel - the server requests cancellation of a run.
type Cancel struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}

// Event - an external event delivered to a durable run.
type Event struct {
	RunID   string          `json:"runId"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Result struct {
	RunID     string          `json:"runId"`
	Status    Status          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorName string          `json:"errorName,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

type SlotAvailability struct {
	NodeID    string `json:"nodeId"`
	Capacity  int    `json:"capacity"`
	InFlight  int    `json:"inFlight"`
	Available int    `json:"available"`
}

type StreamChunk struct {
	RunID    string          `json:"runId"`
	StreamID string          `json:"streamId"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// EventPush is one item of a bulk event push.
type EventPush struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkflowTrigger is one item of a bulk workflow trigger.
type WorkflowTrigger struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Bulk is one batch of a bulk request.
type Bulk[T any] struct {
	RequestID  string `json:"requestId"`
	BatchIndex int    `json:"batchIndex"`
	BatchCount int    `json:"batchCount"`
	Items      []T    `json:"items"`
}

// NewEnvelope encodes the payload.
func NewEnvelope(typ MessageType, payload any) (Envelope, error) {
	bytes, err := json.Encode(payload, false)
	if err != nil {
		return Envelope{}, errors.PrefixErrorf(err, `cannot encode "%s" message`, typ)
	}
	return Envelope{Type: typ, Payload: bytes}, nil
}

// Decode payload of the envelope to the target.
func (e Envelope) Decode(target any) error {
	if err := json.Decode(e.Payload, target); err != nil {
		return errors.PrefixErrorf(err, `cannot decode "%s" message`, e.Type)
	}
	return nil
}

// MustEnvelope encodes the payload, it panics on error.
func MustEnvelope(typ MessageType, payload any) Envelope {
	msg, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return msg
}
