package durable

import (
	"strings"
	"time"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
)

// Predicate matches a payload, nil predicate matches any payload.
type Predicate func(payload json.RawMessage) bool

// Condition is an await condition, see Sleep, Event, ParentOutput and Or.
type Condition interface {
	// Describe returns a stable description, it is stored in the checkpoint and compared on replay.
	Describe() string
	leaves() []Condition
}

type sleepCondition struct {
	duration time.Duration
}

type eventCondition struct {
	key   string
	match Predicate
}

type parentOutputCondition struct {
	parent string
	match  Predicate
}

type orCondition struct {
	conditions []Condition
}

// Sleep is satisfied when the duration elapses.
// On replay, the original deadline is used, not a new one.
func Sleep(d time.Duration) Condition {
	return sleepCondition{duration: d}
}

// Event is satisfied by an external event with the key and a matching payload.
func Event(key string, match Predicate) Condition {
	return eventCondition{key: key, match: match}
}

// ParentOutput is satisfied if the output of the parent run matches.
func ParentOutput(parent string, match Predicate) Condition {
	return parentOutputCondition{parent: parent, match: match}
}

// Or is satisfied by the first satisfied sub-condition, nested Or conditions are flattened.
func Or(conditions ...Condition) Condition {
	out := orCondition{}
	for _, c := range conditions {
		out.conditions = append(out.conditions, c.leaves()...)
	}
	return out
}

func (c sleepCondition) Describe() string {
	return "sleep:" + c.duration.String()
}

func (c sleepCondition) leaves() []Condition {
	return []Condition{c}
}

func (c eventCondition) Describe() string {
	return "event:" + c.key
}

func (c eventCondition) leaves() []Condition {
	return []Condition{c}
}

func (c parentOutputCondition) Describe() string {
	return "parentOutput:" + c.parent
}

func (c parentOutputCondition) leaves() []Condition {
	return []Condition{c}
}

func (c orCondition) Describe() string {
	parts := make([]string, 0, len(c.conditions))
	for _, sub := range c.conditions {
		parts = append(parts, sub.Describe())
	}
	return "or(" + strings.Join(parts, ",") + ")"
}

func (c orCondition) leaves() []Condition {
	return c.conditions
}

func (p Predicate) matches(payload json.RawMessage) bool {
	return p == nil || p(payload)
}
