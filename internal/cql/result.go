package cql

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// Binding is one named output of an evaluation.
type Binding struct {
	Name  string
	Value interface{}
}

// Result is the ordered set of bindings produced by one evaluation. Values
// are JSON-shaped: nil, bool, string, float64, int64, []interface{} and
// map[string]interface{}. A Result never changes after construction; every
// accessor hands out copies.
type Result struct {
	bindings []Binding
}

// NewResult builds a Result from bindings, deep-copying every value.
func NewResult(bindings ...Binding) *Result {
	r := &Result{bindings: make([]Binding, len(bindings))}
	for i, b := range bindings {
		r.bindings[i] = Binding{Name: b.Name, Value: cloneValue(b.Value)}
	}
	return r
}

// Len returns the number of bindings.
func (r *Result) Len() int { return len(r.bindings) }

// Names returns binding names in order.
func (r *Result) Names() []string {
	out := make([]string, len(r.bindings))
	for i, b := range r.bindings {
		out[i] = b.Name
	}
	return out
}

// Get returns a copy of the first value bound to name.
func (r *Result) Get(name string) (interface{}, bool) {
	for _, b := range r.bindings {
		if b.Name == name {
			return cloneValue(b.Value), true
		}
	}
	return nil, false
}

// Bindings returns a deep copy of all bindings in order.
func (r *Result) Bindings() []Binding {
	out := make([]Binding, len(r.bindings))
	for i, b := range r.bindings {
		out[i] = Binding{Name: b.Name, Value: cloneValue(b.Value)}
	}
	return out
}

// Equal reports structural equality, including binding order.
func (r *Result) Equal(other *Result) bool {
	if r == nil || other == nil {
		return r == other
	}
	return reflect.DeepEqual(r.bindings, other.bindings)
}

// MarshalJSON renders the result as a JSON object whose keys keep binding
// order.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, b := range r.bindings {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(b.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(b.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Indent renders the result as indented JSON for display.
func (r *Result) Indent() (string, error) {
	raw, err := r.MarshalJSON()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ToParameters renders the result as a FHIR Parameters resource. Lists
// become repeated parameters and objects become parts.
func (r *Result) ToParameters() *Parameters {
	p := &Parameters{ResourceType: "Parameters"}
	for _, b := range r.bindings {
		p.Parameter = append(p.Parameter, valueToParameters(b.Name, b.Value)...)
	}
	return p
}

func valueToParameters(name string, v interface{}) []Parameter {
	switch val := v.(type) {
	case []interface{}:
		out := make([]Parameter, 0, len(val))
		for _, item := range val {
			out = append(out, valueToParameters(name, item)...)
		}
		return out
	case map[string]interface{}:
		if rt, _ := val["resourceType"].(string); rt != "" {
			raw, err := json.Marshal(val)
			if err == nil {
				return []Parameter{{Name: name, Resource: raw}}
			}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		p := Parameter{Name: name}
		for _, k := range keys {
			p.Part = append(p.Part, valueToParameters(k, val[k])...)
		}
		return []Parameter{p}
	default:
		return []Parameter{{Name: name, Value: val}}
	}
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
