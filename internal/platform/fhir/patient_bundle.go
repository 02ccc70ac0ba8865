package fhir

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed bundle.schema.json
var bundleSchemaJSON string

var (
	bundleSchemaOnce sync.Once
	bundleSchema     *gojsonschema.Schema
	bundleSchemaErr  error
)

func loadBundleSchema() (*gojsonschema.Schema, error) {
	bundleSchemaOnce.Do(func() {
		bundleSchema, bundleSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(bundleSchemaJSON))
	})
	return bundleSchema, bundleSchemaErr
}

// Resource is one entry of a normalized patient bundle.
type Resource struct {
	Type string
	ID   string
	Raw  json.RawMessage
}

// PatientContext is the normalized form of a patient's data bundle: a
// collection Bundle containing only the entry resources the evaluator needs.
// It is immutable once built.
type PatientContext struct {
	bundle  []byte
	entries []Resource
}

// Bundle returns the normalized bundle serialization handed to evaluators.
func (p *PatientContext) Bundle() string {
	return string(p.bundle)
}

// Len returns the number of resources in the context.
func (p *PatientContext) Len() int {
	return len(p.entries)
}

// IsEmpty reports whether the context has no resources.
func (p *PatientContext) IsEmpty() bool {
	return len(p.entries) == 0
}

// Entries returns a copy of the resources in bundle order.
func (p *PatientContext) Entries() []Resource {
	out := make([]Resource, len(p.entries))
	for i, e := range p.entries {
		raw := make(json.RawMessage, len(e.Raw))
		copy(raw, e.Raw)
		out[i] = Resource{Type: e.Type, ID: e.ID, Raw: raw}
	}
	return out
}

// Subject decodes the context into the subject Patient resource and the
// remaining resources grouped by resourceType. Either may be empty but
// neither is nil.
func (p *PatientContext) Subject() (map[string]interface{}, map[string][]map[string]interface{}) {
	patient := map[string]interface{}{}
	resources := make(map[string][]map[string]interface{})
	for _, e := range p.entries {
		var res map[string]interface{}
		if err := json.Unmarshal(e.Raw, &res); err != nil {
			continue
		}
		if e.Type == "Patient" {
			patient = res
			continue
		}
		resources[e.Type] = append(resources[e.Type], res)
	}
	return patient, resources
}

// ProcessPatientBundle normalizes a raw patient data bundle. An empty or
// whitespace-only payload, or a Bundle with no entries, yields an empty
// context. Anything that is not a Bundle of resources with a resourceType
// fails with ErrMalformedBundle.
//
// Entry envelopes are reduced to fullUrl and resource, and any Patient entry
// after the first one is dropped so the bundle carries a single subject
// record.
func ProcessPatientBundle(raw []byte) (*PatientContext, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return newPatientContext("", nil)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedBundle)
	}

	schema, err := loadBundleSchema()
	if err != nil {
		return nil, fmt.Errorf("load bundle schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedBundle, strings.Join(msgs, "; "))
	}

	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	kept := make([]BundleEntry, 0, len(b.Entry))
	entries := make([]Resource, 0, len(b.Entry))
	seenPatient := false
	for i, e := range b.Entry {
		var h resourceHeader
		if err := json.Unmarshal(e.Resource, &h); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedBundle, i, err)
		}
		if h.ResourceType == "Patient" {
			if seenPatient {
				continue
			}
			seenPatient = true
		}
		kept = append(kept, BundleEntry{FullURL: e.FullURL, Resource: e.Resource})
		entries = append(entries, Resource{Type: h.ResourceType, ID: h.ID, Raw: e.Resource})
	}

	ctx, err := newPatientContext(b.ID, kept)
	if err != nil {
		return nil, err
	}
	ctx.entries = entries
	return ctx, nil
}

func newPatientContext(id string, entries []BundleEntry) (*PatientContext, error) {
	if entries == nil {
		entries = []BundleEntry{}
	}
	out := struct {
		ResourceType string        `json:"resourceType"`
		ID           string        `json:"id,omitempty"`
		Type         string        `json:"type"`
		Entry        []BundleEntry `json:"entry"`
	}{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Entry:        entries,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	return &PatientContext{bundle: data, entries: []Resource{}}, nil
}
