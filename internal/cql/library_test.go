package cql

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

const ancSource = `library ANCRecommendationA2 version '1.0.0'

using FHIR version '4.0.1'
include FHIRHelpers version '4.0.1' called FHIRHelpers

context Patient

// screening outputs
define "Patient Gender": Patient.gender

define "Has Low Hemoglobin":
  has(resources.Observation) &&
  resources.Observation.exists(o, o.valueQuantity.value < 11.0)

define function Quantity(v Decimal): v

define "Anemia Codes": valueSets["anemia"]
`

func TestParseLibrary_CQLSource(t *testing.T) {
	lib, err := ParseLibrary(ancSource)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lib.Name != "ANCRecommendationA2" {
		t.Errorf("expected name ANCRecommendationA2, got %q", lib.Name)
	}
	if lib.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %q", lib.Version)
	}

	want := []Definition{
		{Name: "Patient Gender", Expression: "Patient.gender"},
		{Name: "Has Low Hemoglobin", Expression: "has(resources.Observation) && resources.Observation.exists(o, o.valueQuantity.value < 11.0)"},
		{Name: "Anemia Codes", Expression: `valueSets["anemia"]`},
	}
	if len(lib.Definitions) != len(want) {
		t.Fatalf("expected %d definitions, got %d: %+v", len(want), len(lib.Definitions), lib.Definitions)
	}
	for i, d := range want {
		if lib.Definitions[i] != d {
			t.Errorf("definition %d: expected %+v, got %+v", i, d, lib.Definitions[i])
		}
	}
}

func TestParseLibrary_FHIRResource(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "Library",
		"id":           "anc-a2",
		"url":          "http://example.org/Library/ANCRecommendationA2",
		"version":      "2.0.0",
		"content": []interface{}{
			map[string]interface{}{"contentType": "application/elm+json", "data": "e30="},
			map[string]interface{}{
				"contentType": "text/cql",
				"data":        base64.StdEncoding.EncodeToString([]byte(ancSource)),
			},
		},
	}
	raw, _ := json.Marshal(res)

	lib, err := ParseLibrary(string(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lib.ID != "anc-a2" {
		t.Errorf("expected id anc-a2, got %q", lib.ID)
	}
	if lib.Version != "2.0.0" {
		t.Errorf("resource version should win over header, got %q", lib.Version)
	}
	if lib.Name != "ANCRecommendationA2" {
		t.Errorf("expected name from CQL header, got %q", lib.Name)
	}
	if len(lib.Definitions) != 3 {
		t.Errorf("expected 3 definitions, got %d", len(lib.Definitions))
	}
	for _, id := range []string{"anc-a2", "ANCRecommendationA2"} {
		if !lib.Matches(id) {
			t.Errorf("expected library to match %q", id)
		}
	}
	if lib.Matches("ANCRecommendationB1") {
		t.Error("expected no match for a different evaluation")
	}
}

func TestParseLibrary_PlainTextContent(t *testing.T) {
	raw := `{"resourceType":"Library","name":"Plain","content":[{"contentType":"text/cql","data":"define \"X\": 1 + 1"}]}`
	lib, err := ParseLibrary(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lib.Definitions) != 1 || lib.Definitions[0].Expression != "1 + 1" {
		t.Errorf("unexpected definitions: %+v", lib.Definitions)
	}
}

func TestParseLibrary_Errors(t *testing.T) {
	if _, err := ParseLibrary(`{"resourceType":"Patient"}`); err == nil {
		t.Error("expected error for non-Library resource")
	}
	if _, err := ParseLibrary(`{"resourceType":`); err == nil {
		t.Error("expected error for truncated JSON")
	}
	lib, err := ParseLibrary("  \n")
	if err != nil {
		t.Fatalf("blank artifact should parse, got %v", err)
	}
	if lib.Matches("") || len(lib.Definitions) != 0 {
		t.Errorf("expected empty library, got %+v", lib)
	}
}

func TestSplitDefinition_QuotedNameWithColon(t *testing.T) {
	name, expr, ok := splitDefinition(`"Visit: first": defs.a`)
	if !ok || name != "Visit: first" || expr != "defs.a" {
		t.Errorf("got %q %q %v", name, expr, ok)
	}
	if _, _, ok := splitDefinition(`"Unterminated: x`); ok {
		t.Error("expected unterminated name to fail")
	}
}

func TestParseValueSets(t *testing.T) {
	bundle := `{
	  "resourceType": "Bundle",
	  "type": "searchset",
	  "entry": [
	    {"resource": {
	      "resourceType": "ValueSet",
	      "id": "anemia",
	      "url": "http://example.org/ValueSet/anemia",
	      "compose": {"include": [{"system": "http://hl7.org/fhir/sid/icd-10", "concept": [{"code": "D50.0"}, {"code": "D64.9"}]}]}
	    }},
	    {"resource": {
	      "resourceType": "ValueSet",
	      "name": "Hemoglobin",
	      "expansion": {"contains": [{"code": "718-7", "contains": [{"code": "20509-6"}]}]}
	    }},
	    {"resource": {"resourceType": "Patient", "id": "ignored"}}
	  ]
	}`

	sets, err := ParseValueSets(bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	anemia := sets["anemia"]
	if len(anemia) != 2 || anemia[0] != "D50.0" || anemia[1] != "D64.9" {
		t.Errorf("unexpected anemia codes: %v", anemia)
	}
	if len(sets["http://example.org/ValueSet/anemia"]) != 2 {
		t.Error("expected value set to be indexed by url")
	}
	hb := sets["Hemoglobin"]
	if len(hb) != 2 || hb[1] != "20509-6" {
		t.Errorf("expected nested expansion codes, got %v", hb)
	}
	if _, ok := sets["ignored"]; ok {
		t.Error("non-ValueSet entries must be skipped")
	}
}

func TestParseValueSets_Errors(t *testing.T) {
	if _, err := ParseValueSets(`{"resourceType":"Library"}`); err == nil {
		t.Error("expected error for unexpected resource type")
	}
	if _, err := ParseValueSets(`not json`); err == nil {
		t.Error("expected error for invalid JSON")
	}
	sets, err := ParseValueSets("")
	if err != nil || len(sets) != 0 {
		t.Errorf("expected empty index, got %v %v", sets, err)
	}
}
