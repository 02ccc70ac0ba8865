package cql

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"
)

var jsonValueType = reflect.TypeOf(&structpb.Value{})

// ExpressionEvaluator evaluates libraries whose define statements are CEL
// expressions. Each expression sees these variables:
//
//	Patient    map       the subject Patient resource (empty when absent)
//	resources  map       other patient resources grouped by resourceType
//	valueSets  map       value set codes keyed by id, name and url
//	context    map       {"type": subject type, "label": context label}
//	defs       map       values of helper and earlier library definitions
//
// Helper definitions are evaluated first and only feed defs. Library
// definitions are evaluated in order and each becomes a result binding. A
// definition that fails at runtime binds null.
type ExpressionEvaluator struct {
	env    *cel.Env
	logger zerolog.Logger

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewExpressionEvaluator creates an ExpressionEvaluator.
func NewExpressionEvaluator(logger zerolog.Logger) (*ExpressionEvaluator, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("Patient", dynMap),
		cel.Variable("resources", cel.MapType(cel.StringType, cel.ListType(cel.DynType))),
		cel.Variable("valueSets", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("defs", dynMap),
	)
	if err != nil {
		return nil, fmt.Errorf("cql: create expression environment: %w", err)
	}
	return &ExpressionEvaluator{
		env:      env,
		logger:   logger,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate implements Evaluator.
func (e *ExpressionEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	lib, err := ParseLibrary(in.Library)
	if err != nil {
		return nil, evaluationErrorf(err, "parse library")
	}
	if !lib.Matches(in.EvaluationID) {
		return nil, evaluationErrorf(nil, "library %q does not define evaluation %q", lib.Name, in.EvaluationID)
	}
	helper, err := ParseLibrary(in.Helper)
	if err != nil {
		return nil, evaluationErrorf(err, "parse helper library")
	}
	valueSets, err := ParseValueSets(in.ValueSet)
	if err != nil {
		return nil, evaluationErrorf(err, "parse value sets")
	}

	defs := make(map[string]interface{})
	vars := e.variables(in, valueSets, defs)

	for _, d := range helper.Definitions {
		if err := ctx.Err(); err != nil {
			return nil, evaluationErrorf(err, "evaluation interrupted")
		}
		v, err := e.evalDefinition(d, vars)
		if err != nil {
			return nil, err
		}
		defs[d.Name] = v
	}

	bindings := make([]Binding, 0, len(lib.Definitions))
	for _, d := range lib.Definitions {
		if err := ctx.Err(); err != nil {
			return nil, evaluationErrorf(err, "evaluation interrupted")
		}
		v, err := e.evalDefinition(d, vars)
		if err != nil {
			return nil, err
		}
		defs[d.Name] = v
		bindings = append(bindings, Binding{Name: d.Name, Value: v})
	}
	return NewResult(bindings...), nil
}

func (e *ExpressionEvaluator) variables(in Input, valueSets map[string][]string, defs map[string]interface{}) map[string]interface{} {
	patient := map[string]interface{}{}
	resources := map[string]interface{}{}
	if in.Patient != nil && strings.EqualFold(in.SubjectType, "patient") {
		p, grouped := in.Patient.Subject()
		patient = p
		for typ, list := range grouped {
			items := make([]interface{}, len(list))
			for i, r := range list {
				items[i] = r
			}
			resources[typ] = items
		}
	}

	vs := make(map[string]interface{}, len(valueSets))
	for k, codes := range valueSets {
		items := make([]interface{}, len(codes))
		for i, c := range codes {
			items[i] = c
		}
		vs[k] = items
	}

	return map[string]interface{}{
		"Patient":   patient,
		"resources": resources,
		"valueSets": vs,
		"context":   map[string]string{"type": in.SubjectType, "label": in.ContextLabel},
		"defs":      defs,
	}
}

func (e *ExpressionEvaluator) evalDefinition(d Definition, vars map[string]interface{}) (interface{}, error) {
	prg, err := e.program(d.Expression)
	if err != nil {
		return nil, evaluationErrorf(err, "compile definition %q", d.Name)
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		e.logger.Debug().Err(err).Str("definition", d.Name).Msg("definition evaluated to null")
		return nil, nil
	}
	native, err := out.ConvertToNative(jsonValueType)
	if err != nil {
		e.logger.Debug().Err(err).Str("definition", d.Name).Msg("definition value not representable")
		return nil, nil
	}
	return native.(*structpb.Value).AsInterface(), nil
}

// program returns the compiled program for expr, compiling it at most once.
func (e *ExpressionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs[expr] = prg
	return prg, nil
}
