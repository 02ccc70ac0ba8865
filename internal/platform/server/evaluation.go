package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/cql"
	"github.com/ehr/cqlpipe/internal/pipeline"
	"github.com/ehr/cqlpipe/internal/platform/events"
	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// StatusClientClosedRequest is reported when the caller went away before the
// run finished.
const StatusClientClosedRequest = 499

const (
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
)

// EvaluationHandler starts pipeline runs for HTTP callers.
type EvaluationHandler struct {
	orch      *pipeline.Orchestrator
	defaults  pipeline.EvaluationRequest
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewEvaluationHandler creates a handler. Fields missing from a request body
// are taken from defaults. pub may be nil.
func NewEvaluationHandler(orch *pipeline.Orchestrator, defaults pipeline.EvaluationRequest, pub events.Publisher, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{orch: orch, defaults: defaults, publisher: pub, logger: logger}
}

func (h *EvaluationHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/evaluations", h.Evaluate)
	api.POST("/evaluations/stream", h.Stream)
}

type evaluationResponse struct {
	RunID   string                 `json:"run_id"`
	Status  string                 `json:"status"`
	Events  []pipeline.Event       `json:"events"`
	Result  *cql.Result            `json:"result,omitempty"`
	Outcome *fhir.OperationOutcome `json:"outcome,omitempty"`
}

// Evaluate runs the pipeline to completion and answers with every event and
// the result, or an OperationOutcome describing the failure.
func (h *EvaluationHandler) Evaluate(c echo.Context) error {
	run, err := h.start(c)
	if err != nil {
		return err
	}

	resp := evaluationResponse{RunID: run.ID(), Status: runStatusCompleted}
	ctx := c.Request().Context()
	for ev := range events.Publishing(ctx, run.All(), h.publisher, h.logger) {
		resp.Events = append(resp.Events, ev)
		if ev.Result != nil {
			resp.Result = ev.Result
		}
		if ev.Err != nil {
			resp.Status = runStatusFailed
			resp.Outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, issueCode(ev.Err.Kind), ev.Err.Error())
		}
	}

	status := http.StatusOK
	if resp.Status == runStatusFailed {
		last := resp.Events[len(resp.Events)-1]
		status = httpStatus(last.Err.Kind)
	}
	return c.JSON(status, resp)
}

// Stream runs the pipeline and writes each event as a server-sent event as
// soon as its stage finishes. A disconnecting client cancels the run.
func (h *EvaluationHandler) Stream(c echo.Context) error {
	run, err := h.start(c)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Run-ID", run.ID())
	w.WriteHeader(http.StatusOK)

	seq := 0
	ctx := c.Request().Context()
	for ev := range events.Publishing(ctx, run.All(), h.publisher, h.logger) {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
			h.logger.Debug().Err(err).Str("run_id", run.ID()).Msg("stream client went away")
			return nil
		}
		w.Flush()
	}
	return nil
}

func (h *EvaluationHandler) start(c echo.Context) (*pipeline.Run, error) {
	var req pipeline.EvaluationRequest
	if err := c.Bind(&req); err != nil {
		if bodyTooLarge(err) {
			return nil, outcomeError(http.StatusRequestEntityTooLarge, fhir.IssueTypeTooCostly, "request body too large")
		}
		return nil, outcomeError(http.StatusBadRequest, fhir.IssueTypeStructure, "invalid request body")
	}
	if pid := c.QueryParam("patient_id"); pid != "" && req.PatientID == "" {
		req.PatientID = pid
	}
	req = req.WithDefaults(h.defaults)

	run, err := h.orch.Start(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return nil, outcomeError(http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
		}
		return nil, err
	}
	h.logger.Info().
		Str("run_id", run.ID()).
		Str("evaluation_id", req.EvaluationID).
		Str("request_id", requestID(c)).
		Msg("evaluation started")
	return run, nil
}

func requestID(c echo.Context) string {
	id, _ := c.Get("request_id").(string)
	return id
}

// bodyTooLarge finds the body limit's 413 even when the binder wrapped it.
func bodyTooLarge(err error) bool {
	for he := (*echo.HTTPError)(nil); errors.As(err, &he); err = he.Internal {
		if he.Code == http.StatusRequestEntityTooLarge {
			return true
		}
	}
	return false
}

// outcomeError answers with an OperationOutcome before any event is sent.
func outcomeError(status int, code, diagnostics string) error {
	return &echo.HTTPError{
		Code:    status,
		Message: fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics),
	}
}

func httpStatus(k pipeline.Kind) int {
	switch k {
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindNetwork:
		return http.StatusBadGateway
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindMalformed, pipeline.KindEvaluation:
		return http.StatusUnprocessableEntity
	case pipeline.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func issueCode(k pipeline.Kind) string {
	switch k {
	case pipeline.KindNotFound:
		return fhir.IssueTypeNotFound
	case pipeline.KindNetwork:
		return fhir.IssueTypeTransient
	case pipeline.KindTimeout:
		return fhir.IssueTypeTimeout
	case pipeline.KindMalformed:
		return fhir.IssueTypeStructure
	case pipeline.KindEvaluation:
		return fhir.IssueTypeProcessing
	default:
		return fhir.IssueTypeException
	}
}
