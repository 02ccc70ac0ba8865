package pipeline

import (
	"encoding/json"
	"time"

	"github.com/ehr/cqlpipe/internal/cql"
)

// EventType is the kind of a pipeline event.
type EventType string

const (
	EventStageCompleted      EventType = "StageCompleted"
	EventStageFailed         EventType = "StageFailed"
	EventEvaluationCompleted EventType = "EvaluationCompleted"
	EventEvaluationFailed    EventType = "EvaluationFailed"
)

// Event is one step of a run's progress. Slot is set on stage events,
// Result on EvaluationCompleted and Err on the two failure events.
type Event struct {
	Type   EventType
	RunID  string
	Slot   Slot
	Result *cql.Result
	Err    *Error
	At     time.Time
}

// Terminal reports whether e ends its run.
func (e Event) Terminal() bool {
	return e.Type != EventStageCompleted
}

type eventError struct {
	Kind      Kind   `json:"kind"`
	Op        string `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type eventJSON struct {
	Type   EventType   `json:"type"`
	RunID  string      `json:"run_id"`
	Slot   Slot        `json:"slot,omitempty"`
	Result *cql.Result `json:"result,omitempty"`
	Error  *eventError `json:"error,omitempty"`
	At     time.Time   `json:"at"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Type:   e.Type,
		RunID:  e.RunID,
		Slot:   e.Slot,
		Result: e.Result,
		At:     e.At,
	}
	if e.Err != nil {
		out.Error = &eventError{
			Kind:      e.Err.Kind,
			Op:        e.Err.Op,
			Message:   e.Err.Detail(),
			Retryable: e.Err.Kind.Retryable(),
		}
	}
	return json.Marshal(out)
}
