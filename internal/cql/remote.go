package cql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// RemoteEvaluator delegates evaluation to a CQL engine service. It POSTs a
// FHIR Parameters resource carrying the four artifacts and the three
// identifiers, and reads a Parameters resource back.
//
// Request parameters:
//
//	libraryId     valueString  evaluation identifier
//	context       valueString  subject type
//	contextValue  valueString  context label
//	library       resource     main library (repeated for the helper)
//	terminology   resource     value set payload
//	data          resource     normalized patient bundle
//
// Artifacts that are not JSON objects are sent as valueString instead.
type RemoteEvaluator struct {
	endpoint string
	client   *http.Client
	token    string
	logger   zerolog.Logger
}

// RemoteOption configures a RemoteEvaluator.
type RemoteOption func(*RemoteEvaluator)

// WithRemoteHTTPClient replaces the default http.Client.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(e *RemoteEvaluator) {
		if c != nil {
			e.client = c
		}
	}
}

// WithRemoteToken sends token as a bearer credential.
func WithRemoteToken(token string) RemoteOption {
	return func(e *RemoteEvaluator) { e.token = token }
}

// WithRemoteTimeout bounds each evaluation call.
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(e *RemoteEvaluator) { e.client.Timeout = d }
}

// NewRemoteEvaluator creates a RemoteEvaluator posting to endpoint.
func NewRemoteEvaluator(endpoint string, logger zerolog.Logger, opts ...RemoteOption) (*RemoteEvaluator, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("cql: remote evaluator endpoint is required")
	}
	e := &RemoteEvaluator{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate implements Evaluator.
func (e *RemoteEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(buildRequestParameters(in))
	if err != nil {
		return nil, evaluationErrorf(err, "encode request parameters")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, evaluationErrorf(err, "build request")
	}
	req.Header.Set("Content-Type", fhir.ContentTypeJSON)
	req.Header.Set("Accept", fhir.ContentTypeJSON)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, evaluationErrorf(ctxErr, "engine call interrupted")
		}
		return nil, evaluationErrorf(err, "engine unreachable")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, evaluationErrorf(err, "read engine response")
	}

	e.logger.Debug().
		Str("evaluation_id", in.EvaluationID).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("cql engine call")

	if resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(payload))
		if oo, ok := fhir.ParseOperationOutcome(payload); ok {
			detail = oo.Diagnostics()
		}
		return nil, evaluationErrorf(nil, "engine returned status %d: %s", resp.StatusCode, detail)
	}

	if oo, ok := fhir.ParseOperationOutcome(payload); ok {
		return nil, evaluationErrorf(nil, "engine returned OperationOutcome: %s", oo.Diagnostics())
	}
	params, err := ParseParameters(payload)
	if err != nil {
		return nil, evaluationErrorf(err, "decode engine response")
	}
	result, err := params.ToResult()
	if err != nil {
		return nil, evaluationErrorf(err, "map engine response")
	}
	return result, nil
}

func buildRequestParameters(in Input) *Parameters {
	patientBundle := ""
	if in.Patient != nil {
		patientBundle = in.Patient.Bundle()
	}
	return &Parameters{
		ResourceType: "Parameters",
		Parameter: []Parameter{
			{Name: "libraryId", Value: in.EvaluationID, ValueType: "String"},
			{Name: "context", Value: in.SubjectType, ValueType: "String"},
			{Name: "contextValue", Value: in.ContextLabel, ValueType: "String"},
			artifactParameter("library", in.Library),
			artifactParameter("library", in.Helper),
			artifactParameter("terminology", in.ValueSet),
			artifactParameter("data", patientBundle),
		},
	}
}

func artifactParameter(name, artifact string) Parameter {
	trimmed := strings.TrimSpace(artifact)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return Parameter{Name: name, Resource: json.RawMessage(trimmed)}
	}
	return Parameter{Name: name, Value: artifact, ValueType: "String"}
}
