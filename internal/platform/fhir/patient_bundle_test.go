package fhir

import (
	"encoding/json"
	"errors"
	"testing"
)

const everythingBundle = `{
  "resourceType": "Bundle",
  "id": "everything-1",
  "type": "searchset",
  "total": 4,
  "entry": [
    {"fullUrl": "Patient/mom-with-anemia", "resource": {"resourceType": "Patient", "id": "mom-with-anemia", "gender": "female"}, "search": {"mode": "match"}},
    {"fullUrl": "Observation/hb-1", "resource": {"resourceType": "Observation", "id": "hb-1", "subject": {"reference": "Patient/mom-with-anemia"}, "valueQuantity": {"value": 9.5}}, "search": {"mode": "match"}},
    {"fullUrl": "Patient/mom-with-anemia", "resource": {"resourceType": "Patient", "id": "mom-with-anemia"}},
    {"resource": {"resourceType": "Encounter", "id": "enc-1"}}
  ]
}`

func TestProcessPatientBundle_Normalizes(t *testing.T) {
	pc, err := ProcessPatientBundle([]byte(everythingBundle))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.Len() != 3 {
		t.Fatalf("expected 3 entries after dropping the duplicate Patient, got %d", pc.Len())
	}

	entries := pc.Entries()
	wantTypes := []string{"Patient", "Observation", "Encounter"}
	for i, want := range wantTypes {
		if entries[i].Type != want {
			t.Errorf("entry %d type = %q, want %q", i, entries[i].Type, want)
		}
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(pc.Bundle()), &out); err != nil {
		t.Fatalf("normalized bundle is not JSON: %v", err)
	}
	if out["resourceType"] != "Bundle" || out["type"] != "collection" || out["id"] != "everything-1" {
		t.Errorf("unexpected bundle header: %v", out)
	}
	first := out["entry"].([]interface{})[0].(map[string]interface{})
	if _, ok := first["search"]; ok {
		t.Error("expected search envelope to be stripped")
	}
	if first["fullUrl"] != "Patient/mom-with-anemia" {
		t.Errorf("fullUrl = %v", first["fullUrl"])
	}
}

func TestProcessPatientBundle_IsDeterministic(t *testing.T) {
	a, err := ProcessPatientBundle([]byte(everythingBundle))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ProcessPatientBundle([]byte(everythingBundle))
	if err != nil {
		t.Fatal(err)
	}
	if a.Bundle() != b.Bundle() {
		t.Error("expected identical normalized output for identical input")
	}
}

func TestProcessPatientBundle_EmptyPayload(t *testing.T) {
	for _, raw := range []string{"", "   \n\t", `{"resourceType":"Bundle","type":"searchset","total":0}`, `{"resourceType":"Bundle","entry":[]}`} {
		pc, err := ProcessPatientBundle([]byte(raw))
		if err != nil {
			t.Errorf("%q: unexpected error: %v", raw, err)
			continue
		}
		if !pc.IsEmpty() {
			t.Errorf("%q: expected empty context, got %d entries", raw, pc.Len())
		}
		var out struct {
			ResourceType string        `json:"resourceType"`
			Entry        []interface{} `json:"entry"`
		}
		if err := json.Unmarshal([]byte(pc.Bundle()), &out); err != nil {
			t.Errorf("%q: normalized bundle is not JSON: %v", raw, err)
		}
		if out.ResourceType != "Bundle" || out.Entry == nil || len(out.Entry) != 0 {
			t.Errorf("%q: unexpected normalized bundle %s", raw, pc.Bundle())
		}
	}
}

func TestProcessPatientBundle_Malformed(t *testing.T) {
	cases := map[string]string{
		"truncated":         `{"resourceType":"Bundle","entry":[`,
		"not json":          `<Bundle xmlns="http://hl7.org/fhir"/>`,
		"wrong type":        `{"resourceType":"Patient","id":"p1"}`,
		"array":             `[]`,
		"entry not object":  `{"resourceType":"Bundle","entry":["x"]}`,
		"missing resource":  `{"resourceType":"Bundle","entry":[{"fullUrl":"Patient/1"}]}`,
		"untyped resource":  `{"resourceType":"Bundle","entry":[{"resource":{"id":"1"}}]}`,
		"entry not array":   `{"resourceType":"Bundle","entry":{}}`,
		"blank type string": `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":""}}]}`,
	}
	for name, raw := range cases {
		_, err := ProcessPatientBundle([]byte(raw))
		if !errors.Is(err, ErrMalformedBundle) {
			t.Errorf("%s: expected ErrMalformedBundle, got %v", name, err)
		}
	}
}

func TestPatientContext_Subject(t *testing.T) {
	pc, err := ProcessPatientBundle([]byte(everythingBundle))
	if err != nil {
		t.Fatal(err)
	}
	patient, resources := pc.Subject()
	if patient["id"] != "mom-with-anemia" {
		t.Errorf("patient id = %v", patient["id"])
	}
	if len(resources["Observation"]) != 1 || len(resources["Encounter"]) != 1 {
		t.Errorf("unexpected resource grouping: %v", resources)
	}
	if _, ok := resources["Patient"]; ok {
		t.Error("patient must not be listed among resources")
	}
}

func TestPatientContext_SubjectOfEmptyContext(t *testing.T) {
	pc, err := ProcessPatientBundle(nil)
	if err != nil {
		t.Fatal(err)
	}
	patient, resources := pc.Subject()
	if patient == nil || resources == nil {
		t.Fatal("expected non-nil maps")
	}
	if len(patient) != 0 || len(resources) != 0 {
		t.Errorf("expected empty maps, got %v %v", patient, resources)
	}
}

func TestPatientContext_EntriesAreCopies(t *testing.T) {
	pc, err := ProcessPatientBundle([]byte(everythingBundle))
	if err != nil {
		t.Fatal(err)
	}
	e := pc.Entries()
	e[0].Raw[0] = 'X'
	if pc.Entries()[0].Raw[0] != '{' {
		t.Error("Entries must return copies")
	}
}
