// Package pipeline runs one clinical-rule evaluation: it fetches the main
// library, the helper library, the value sets and the patient's bundle
// strictly in that order, normalizes the bundle, and hands everything to a
// CQL evaluator.
//
// A run is a linear state machine driven by its consumer. Each call to
// Run.Next performs exactly one stage and returns the event describing it,
// so nothing is fetched before the consumer asks for it and a cancelled run
// stops at the next stage boundary.
//
//	FetchingLibrary -> FetchingHelper -> FetchingValueSet
//	  -> FetchingPatientBundle -> Evaluating -> Completed
//	                 (any live state) -> Failed
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/cql"
	"github.com/ehr/cqlpipe/internal/platform/fetch"
	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// BundleProcessor normalizes a raw patient bundle.
type BundleProcessor func(raw []byte) (*fhir.PatientContext, error)

// Recorder receives stage timings and run outcomes. Outcome is "ok" or a
// Kind name.
type Recorder interface {
	ObserveStage(stage, outcome string, d time.Duration)
	RunFinished(outcome string)
}

// Config carries the per-orchestrator policy.
type Config struct {
	Addresses AddressPolicy
	// FetchTimeout bounds each fetch. Zero means no bound beyond the run's
	// own context.
	FetchTimeout time.Duration
}

// Orchestrator starts runs. It holds no per-run state, so one Orchestrator
// can start any number of independent runs.
type Orchestrator struct {
	fetcher   fetch.Fetcher
	evaluator cql.Evaluator
	process   BundleProcessor
	cfg       Config
	recorder  Recorder
	logger    zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBundleProcessor replaces fhir.ProcessPatientBundle.
func WithBundleProcessor(p BundleProcessor) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.process = p
		}
	}
}

// WithRecorder reports stage timings and run outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator.
func New(fetcher fetch.Fetcher, evaluator cql.Evaluator, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:   fetcher,
		evaluator: evaluator,
		process:   fhir.ProcessPatientBundle,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start creates a run for req. No stage executes until the caller pulls the
// first event. Cancelling ctx, or calling Run.Cancel, stops the run at the
// next stage boundary.
func (o *Orchestrator) Start(ctx context.Context, req EvaluationRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &Run{
		o:      o,
		id:     id,
		req:    req,
		ctx:    runCtx,
		cancel: cancel,
		store:  NewArtifactStore(),
		state:  stateFetchingLibrary,
		logger: o.logger.With().Str("run_id", id).Str("evaluation_id", req.EvaluationID).Logger(),
	}, nil
}

type state int

const (
	stateFetchingLibrary state = iota
	stateFetchingHelper
	stateFetchingValueSet
	stateFetchingPatientBundle
	stateEvaluating
	stateCompleted
	stateFailed
)

var stateSlots = map[state]Slot{
	stateFetchingLibrary:       SlotLibrary,
	stateFetchingHelper:        SlotHelper,
	stateFetchingValueSet:      SlotValueSet,
	stateFetchingPatientBundle: SlotPatientBundle,
}

// Run is one pass through the pipeline. It owns its ArtifactStore; nothing
// is shared with other runs. Next and All are meant for a single consumer;
// Cancel may be called from any goroutine.
type Run struct {
	o      *Orchestrator
	id     string
	req    EvaluationRequest
	ctx    context.Context
	cancel context.CancelFunc
	store  *ArtifactStore
	state  state
	logger zerolog.Logger
}

// ID returns the run identifier carried by every event.
func (r *Run) ID() string { return r.id }

// Request returns the request the run was started with.
func (r *Run) Request() EvaluationRequest { return r.req }

// Cancel stops the run. The next call to Next reports the cancellation and
// ends the run without fetching or evaluating anything further.
func (r *Run) Cancel() { r.cancel() }

// Done reports whether the run has reached a terminal state.
func (r *Run) Done() bool {
	return r.state == stateCompleted || r.state == stateFailed
}

// Artifact returns a copy of a fetched artifact. Artifacts are discarded
// once the run ends.
func (r *Run) Artifact(slot Slot) ([]byte, bool) {
	return r.store.Get(slot)
}

// Next executes the next stage and returns its event. It returns false once
// a terminal event has been delivered.
func (r *Run) Next() (Event, bool) {
	switch {
	case r.Done():
		return Event{}, false
	case r.state == stateEvaluating:
		return r.evaluate(), true
	default:
		return r.fetchStage(stateSlots[r.state]), true
	}
}

// All returns the run's events as a sequence. Stopping the iteration early
// cancels the run.
func (r *Run) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := r.Next()
			if !ok {
				return
			}
			if !yield(ev) {
				r.Cancel()
				return
			}
		}
	}
}

// Wait drains the run and returns its events together with the result or
// the failure that ended it.
func (r *Run) Wait() ([]Event, *cql.Result, error) {
	var events []Event
	for ev := range r.All() {
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, nil, errors.New("pipeline: run already finished")
	}
	last := events[len(events)-1]
	if last.Err != nil {
		return events, nil, last.Err
	}
	return events, last.Result, nil
}

func (r *Run) fetchStage(slot Slot) Event {
	if err := r.ctx.Err(); err != nil {
		return r.stageFailed(slot, &Error{Kind: contextKind(err), Slot: slot, Op: "fetch", Err: err}, 0)
	}

	policy := r.o.cfg.Addresses
	address, err := policy.Resolve(slot, r.req.PatientID)
	if err != nil {
		return r.stageFailed(slot, newError(slot, "resolve", err), 0)
	}

	log := r.logger.With().Str("slot", slot.String()).Str("address", address).Logger()
	log.Debug().Msg("stage started")

	start := time.Now()
	payload, err := r.fetch(address)
	elapsed := time.Since(start)
	if err == nil {
		err = r.ctx.Err()
	}
	if err != nil {
		perr := newError(slot, "fetch", err)
		if errors.Is(r.ctx.Err(), context.Canceled) {
			perr.Kind = KindCancelled
		}
		return r.stageFailed(slot, perr, elapsed)
	}

	if policy.ExtractModeFor(slot) == ExtractFirstEntry {
		payload, err = fhir.FirstEntryResource(payload)
		if err != nil {
			return r.stageFailed(slot, newError(slot, "extract", err), elapsed)
		}
	}
	if err := r.store.Put(slot, payload); err != nil {
		return r.stageFailed(slot, newError(slot, "store", err), elapsed)
	}

	r.observe(slot.String(), "ok", elapsed)
	log.Info().Int("bytes", len(payload)).Dur("duration", elapsed).Msg("stage completed")
	r.state++
	return r.event(EventStageCompleted, slot, nil, nil)
}

func (r *Run) fetch(address string) ([]byte, error) {
	ctx := r.ctx
	if d := r.o.cfg.FetchTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	payload, err := r.o.fetcher.Fetch(ctx, address)
	if err != nil && ctx.Err() != nil && r.ctx.Err() == nil && !errors.Is(err, fetch.ErrTimeout) {
		err = fmt.Errorf("%w: %w", fetch.ErrTimeout, err)
	}
	return payload, err
}

func (r *Run) evaluate() Event {
	if err := r.ctx.Err(); err != nil {
		return r.evaluationFailed(&Error{Kind: contextKind(err), Op: "evaluate", Err: err}, 0)
	}
	if !r.store.Ready() {
		// Unreachable through Next; guards the evaluator contract.
		return r.evaluationFailed(&Error{Kind: KindConfiguration, Op: "evaluate", Err: errors.New("artifacts incomplete")}, 0)
	}

	bundle, _ := r.store.Get(SlotPatientBundle)
	patient, err := r.o.process(bundle)
	if err != nil {
		perr := &Error{Kind: KindMalformed, Slot: SlotPatientBundle, Op: "process", Err: err}
		return r.stageFailed(SlotPatientBundle, perr, 0)
	}
	if patient == nil {
		patient, _ = fhir.ProcessPatientBundle(nil)
	}

	in := cql.Input{
		Library:      r.store.Text(SlotLibrary),
		Helper:       r.store.Text(SlotHelper),
		ValueSet:     r.store.Text(SlotValueSet),
		Patient:      patient,
		EvaluationID: r.req.EvaluationID,
		SubjectType:  r.req.SubjectType,
		ContextLabel: r.req.ContextLabel,
	}

	r.logger.Debug().Int("patient_resources", patient.Len()).Msg("evaluation started")
	start := time.Now()
	result, err := r.o.evaluator.Evaluate(r.ctx, in)
	elapsed := time.Since(start)
	if err == nil && result == nil {
		err = &cql.EvaluationError{Detail: "evaluator returned no result"}
	}
	if err != nil {
		perr := &Error{Kind: KindEvaluation, Op: "evaluate", Err: err}
		if errors.Is(err, context.Canceled) {
			perr.Kind = KindCancelled
		}
		return r.evaluationFailed(perr, elapsed)
	}

	r.observe("evaluate", "ok", elapsed)
	r.finish(stateCompleted, "ok")
	r.logger.Info().Int("bindings", result.Len()).Dur("duration", elapsed).Msg("evaluation completed")
	return r.event(EventEvaluationCompleted, 0, result, nil)
}

func (r *Run) stageFailed(slot Slot, err *Error, elapsed time.Duration) Event {
	r.observe(slot.String(), err.Kind.String(), elapsed)
	r.finish(stateFailed, err.Kind.String())
	r.logger.Error().Err(err).Str("slot", slot.String()).Str("kind", err.Kind.String()).Msg("stage failed")
	return r.event(EventStageFailed, slot, nil, err)
}

func (r *Run) evaluationFailed(err *Error, elapsed time.Duration) Event {
	r.observe("evaluate", err.Kind.String(), elapsed)
	r.finish(stateFailed, err.Kind.String())
	r.logger.Error().Err(err).Str("kind", err.Kind.String()).Msg("evaluation failed")
	return r.event(EventEvaluationFailed, 0, nil, err)
}

// finish moves to a terminal state and drops the run's artifacts.
func (r *Run) finish(s state, outcome string) {
	r.state = s
	r.store.Reset()
	r.cancel()
	if r.o.recorder != nil {
		r.o.recorder.RunFinished(outcome)
	}
}

func (r *Run) observe(stage, outcome string, d time.Duration) {
	if r.o.recorder != nil {
		r.o.recorder.ObserveStage(stage, outcome, d)
	}
}

func (r *Run) event(t EventType, slot Slot, result *cql.Result, err *Error) Event {
	return Event{
		Type:   t,
		RunID:  r.id,
		Slot:   slot,
		Result: result,
		Err:    err,
		At:     time.Now().UTC(),
	}
}
