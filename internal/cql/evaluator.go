// Package cql defines the contract between the evaluation pipeline and a
// Clinical Quality Language engine, the ordered result such an engine
// returns, and two engines that satisfy the contract: a remote engine
// reached over HTTP with FHIR Parameters, and a local expression engine that
// runs library definitions written as CEL expressions.
package cql

import (
	"context"
	"fmt"

	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// Input is everything an evaluator receives for one run. The artifacts are
// the exact texts fetched for the run.
type Input struct {
	Library      string
	Helper       string
	ValueSet     string
	Patient      *fhir.PatientContext
	EvaluationID string
	SubjectType  string
	ContextLabel string
}

// Evaluator runs one library evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Result, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, in Input) (*Result, error)

// Evaluate calls f(ctx, in).
func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// EvaluationError reports that an engine rejected or failed on its inputs.
type EvaluationError struct {
	Detail string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cql evaluation failed: %s: %v", e.Detail, e.Err)
	}
	return "cql evaluation failed: " + e.Detail
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func evaluationErrorf(err error, format string, args ...interface{}) *EvaluationError {
	return &EvaluationError{Detail: fmt.Sprintf(format, args...), Err: err}
}
