package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the pipeline.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeStructure  = "structure"
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeException  = "exception"
	IssueTypeTimeout    = "timeout"
	IssueTypeTransient  = "transient"
	IssueTypeTooCostly  = "too-costly"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// ParseOperationOutcome decodes payload as an OperationOutcome. ok is false
// when payload is some other resource or not JSON at all.
func ParseOperationOutcome(payload []byte) (*OperationOutcome, bool) {
	var oo OperationOutcome
	if err := json.Unmarshal(payload, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil, false
	}
	return &oo, true
}

// Diagnostics joins the diagnostics of every issue.
func (o *OperationOutcome) Diagnostics() string {
	parts := make([]string, 0, len(o.Issue))
	for _, iss := range o.Issue {
		switch {
		case iss.Diagnostics != "":
			parts = append(parts, iss.Diagnostics)
		case iss.Code != "":
			parts = append(parts, iss.Code)
		}
	}
	return strings.Join(parts, "; ")
}
