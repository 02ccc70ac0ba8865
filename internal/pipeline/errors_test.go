package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ehr/cqlpipe/internal/cql"
	"github.com/ehr/cqlpipe/internal/platform/fetch"
	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("fetch x: %w", fetch.ErrNetwork), KindNetwork},
		{errors.New("connection reset"), KindNetwork},
		{fmt.Errorf("fetch x: %w", fetch.ErrNotFound), KindNotFound},
		{fhir.ErrEmptySearchResult, KindNotFound},
		{fmt.Errorf("fetch x: %w: %w", fetch.ErrTimeout, context.DeadlineExceeded), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("%w: bad json", fhir.ErrMalformedBundle), KindMalformed},
		{fmt.Errorf("fetch x: %w", fetch.ErrUnsupportedScheme), KindConfiguration},
		{ErrUnresolvedAddress, KindConfiguration},
		{&cql.EvaluationError{Detail: "boom"}, KindEvaluation},
		{fmt.Errorf("fetch x: %w", context.Canceled), KindCancelled},
		{&cql.EvaluationError{Detail: "interrupted", Err: context.Canceled}, KindCancelled},
		{&Error{Kind: KindMalformed, Err: errors.New("x")}, KindMalformed},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestKind_Strings(t *testing.T) {
	want := map[Kind]string{
		KindNetwork:       "Network",
		KindNotFound:      "NotFound",
		KindTimeout:       "Timeout",
		KindMalformed:     "Malformed",
		KindEvaluation:    "EvaluationError",
		KindConfiguration: "Configuration",
		KindCancelled:     "Cancelled",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("expected %q, got %q", s, k.String())
		}
	}
	if Kind(99).String() != "Kind(99)" {
		t.Errorf("unexpected unknown kind string %q", Kind(99).String())
	}
}

func TestKind_Retryable(t *testing.T) {
	for _, k := range []Kind{KindNetwork, KindTimeout} {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindNotFound, KindMalformed, KindEvaluation, KindConfiguration, KindCancelled} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := newError(SlotValueSet, "fetch", fmt.Errorf("fetch mem://vs: %w", fetch.ErrNotFound))
	if !strings.HasPrefix(err.Error(), "value-set fetch: NotFound: ") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Error("expected Error to unwrap to the cause")
	}

	evalErr := &Error{Kind: KindEvaluation, Op: "evaluate", Err: &cql.EvaluationError{Detail: "no such library"}}
	if evalErr.Detail() != "no such library" {
		t.Errorf("unexpected detail %q", evalErr.Detail())
	}
	if !strings.HasPrefix(evalErr.Error(), "evaluate: EvaluationError: ") {
		t.Errorf("unexpected message %q", evalErr.Error())
	}
}
