package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/cqlpipe/internal/cql"
	"github.com/ehr/cqlpipe/internal/platform/fetch"
	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// Kind classifies a run failure so callers can choose between retrying,
// fixing configuration and fixing content.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindNotFound
	KindTimeout
	KindMalformed
	KindEvaluation
	KindConfiguration
	KindCancelled
)

var kindNames = map[Kind]string{
	KindNetwork:       "Network",
	KindNotFound:      "NotFound",
	KindTimeout:       "Timeout",
	KindMalformed:     "Malformed",
	KindEvaluation:    "EvaluationError",
	KindConfiguration: "Configuration",
	KindCancelled:     "Cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether the same request might succeed if run again
// unchanged.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout
}

// Error is a run failure with its kind and where it happened. Slot is zero
// for failures of the evaluation step.
type Error struct {
	Kind Kind
	Slot Slot
	Op   string
	Err  error
}

func (e *Error) Error() string {
	where := e.Op
	if e.Slot.Valid() {
		where = e.Slot.String() + " " + e.Op
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", where, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", where, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail returns the underlying message without the location prefix.
func (e *Error) Detail() string {
	var evalErr *cql.EvaluationError
	if errors.As(e.Err, &evalErr) {
		return evalErr.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// KindOf returns the kind carried by err, or classifies it.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err)
}

// contextKind reports an expired deadline as Timeout and any other context
// error as Cancelled.
func contextKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCancelled
}

func classify(err error) Kind {
	var evalErr *cql.EvaluationError
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &evalErr):
		return KindEvaluation
	case errors.Is(err, fetch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, fhir.ErrEmptySearchResult):
		return KindNotFound
	case errors.Is(err, fhir.ErrMalformedBundle):
		return KindMalformed
	case errors.Is(err, fetch.ErrUnsupportedScheme), errors.Is(err, ErrUnresolvedAddress), errors.Is(err, ErrInvalidSlot):
		return KindConfiguration
	default:
		return KindNetwork
	}
}

func newError(slot Slot, op string, err error) *Error {
	return &Error{Kind: classify(err), Slot: slot, Op: op, Err: err}
}
