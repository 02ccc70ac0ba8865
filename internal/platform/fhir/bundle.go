// Package fhir holds the FHIR wire shapes the evaluation pipeline touches:
// Bundles, OperationOutcomes, and the normalized patient context built from a
// patient's $everything bundle.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContentTypeJSON is the FHIR JSON media type.
const ContentTypeJSON = "application/fhir+json"

var (
	// ErrMalformedBundle is returned when a payload cannot be read as a
	// FHIR Bundle of individually parseable resources.
	ErrMalformedBundle = errors.New("malformed bundle")
	// ErrEmptySearchResult is returned when a search Bundle has no entries
	// but the caller needed its first resource.
	ErrEmptySearchResult = errors.New("search bundle has no entries")
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// resourceHeader is the part of every resource needed to route it.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

// FirstEntryResource returns the exact bytes of the first entry resource of
// a search Bundle. A payload that is a single resource rather than a Bundle
// is returned unchanged.
func FirstEntryResource(payload []byte) ([]byte, error) {
	var doc struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if doc.ResourceType != "Bundle" {
		return payload, nil
	}
	if len(doc.Entry) == 0 {
		return nil, ErrEmptySearchResult
	}
	res := doc.Entry[0].Resource
	if len(res) == 0 || res[0] != '{' {
		return nil, fmt.Errorf("%w: first entry has no resource", ErrMalformedBundle)
	}
	return res, nil
}
