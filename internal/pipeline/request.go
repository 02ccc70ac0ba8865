package pipeline

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRequest is returned for a request missing a required field.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// EvaluationRequest identifies one run. It is passed by value and never
// modified once a run has started.
type EvaluationRequest struct {
	EvaluationID string `json:"evaluation_id" yaml:"evaluation_id"`
	SubjectType  string `json:"subject_type" yaml:"subject_type"`
	ContextLabel string `json:"context_label" yaml:"context_label"`
	PatientID    string `json:"patient_id" yaml:"patient_id"`
}

// Validate checks that every field is set.
func (r EvaluationRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.EvaluationID) == "" {
		missing = append(missing, "evaluation_id")
	}
	if strings.TrimSpace(r.SubjectType) == "" {
		missing = append(missing, "subject_type")
	}
	if strings.TrimSpace(r.ContextLabel) == "" {
		missing = append(missing, "context_label")
	}
	if strings.TrimSpace(r.PatientID) == "" {
		missing = append(missing, "patient_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// WithDefaults returns a copy of r with blank fields taken from d.
func (r EvaluationRequest) WithDefaults(d EvaluationRequest) EvaluationRequest {
	if r.EvaluationID == "" {
		r.EvaluationID = d.EvaluationID
	}
	if r.SubjectType == "" {
		r.SubjectType = d.SubjectType
	}
	if r.ContextLabel == "" {
		r.ContextLabel = d.ContextLabel
	}
	if r.PatientID == "" {
		r.PatientID = d.PatientID
	}
	return r
}

// ReadRequestYAML decodes a request document such as:
//
//	evaluation_id: ANCRecommendationA2
//	subject_type: patient
//	context_label: mom-with-anemia
//	patient_id: e8725b4c-6db0-4158-a24d-50a5ddf1c2ed
//
// Unknown keys are rejected.
func ReadRequestYAML(r io.Reader) (EvaluationRequest, error) {
	var req EvaluationRequest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return EvaluationRequest{}, fmt.Errorf("decode request yaml: %w", err)
	}
	return req, nil
}
