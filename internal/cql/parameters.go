package cql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Parameters is a FHIR Parameters resource.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter is one Parameters.parameter element. Value holds the decoded
// value[x]; ValueType is the x (e.g. "String", "Boolean"). When ValueType is
// empty on encode it is inferred from the Go type of Value.
type Parameter struct {
	Name      string
	Value     interface{}
	ValueType string
	Resource  json.RawMessage
	Part      []Parameter
}

func (p Parameter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"name": p.Name}
	if p.Value != nil {
		vt := p.ValueType
		if vt == "" {
			vt = inferValueType(p.Value)
		}
		m["value"+vt] = p.Value
	}
	if len(p.Resource) > 0 {
		m["resource"] = p.Resource
	}
	if len(p.Part) > 0 {
		m["part"] = p.Part
	}
	return json.Marshal(m)
}

func (p *Parameter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Parameter{}
	for key, val := range raw {
		switch {
		case key == "name":
			if err := json.Unmarshal(val, &p.Name); err != nil {
				return fmt.Errorf("parameter name: %w", err)
			}
		case key == "resource":
			p.Resource = append(json.RawMessage(nil), val...)
		case key == "part":
			if err := json.Unmarshal(val, &p.Part); err != nil {
				return fmt.Errorf("parameter %q part: %w", p.Name, err)
			}
		case strings.HasPrefix(key, "value"):
			p.ValueType = strings.TrimPrefix(key, "value")
			v, err := decodeValue(p.ValueType, val)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", key, err)
			}
			p.Value = v
		}
	}
	return nil
}

func decodeValue(valueType string, raw json.RawMessage) (interface{}, error) {
	switch valueType {
	case "Integer", "PositiveInt", "UnsignedInt", "Integer64":
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case "Decimal":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func inferValueType(v interface{}) string {
	switch val := v.(type) {
	case bool:
		return "Boolean"
	case int, int32, int64:
		return "Integer"
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<31 {
			return "Integer"
		}
		return "Decimal"
	case float32:
		return "Decimal"
	default:
		return "String"
	}
}

// ParseParameters decodes payload, which must be a Parameters resource.
func ParseParameters(payload []byte) (*Parameters, error) {
	var p Parameters
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.ResourceType != "Parameters" {
		return nil, fmt.Errorf("expected Parameters, got resourceType %q", p.ResourceType)
	}
	return &p, nil
}

// ToResult maps Parameters onto an ordered Result. Repeated names collapse
// into a list bound at the position of the first occurrence; parts become
// objects; resources are decoded as objects.
func (p *Parameters) ToResult() (*Result, error) {
	values, order, err := collectParameters(p.Parameter)
	if err != nil {
		return nil, err
	}
	bindings := make([]Binding, 0, len(order))
	for _, name := range order {
		bindings = append(bindings, Binding{Name: name, Value: values[name]})
	}
	return NewResult(bindings...), nil
}

func collectParameters(params []Parameter) (map[string]interface{}, []string, error) {
	values := make(map[string]interface{}, len(params))
	counts := make(map[string]int, len(params))
	var order []string
	for _, param := range params {
		v, err := parameterValue(param)
		if err != nil {
			return nil, nil, err
		}
		switch counts[param.Name] {
		case 0:
			values[param.Name] = v
			order = append(order, param.Name)
		case 1:
			values[param.Name] = []interface{}{values[param.Name], v}
		default:
			values[param.Name] = append(values[param.Name].([]interface{}), v)
		}
		counts[param.Name]++
	}
	return values, order, nil
}

func parameterValue(p Parameter) (interface{}, error) {
	switch {
	case len(p.Resource) > 0:
		var res interface{}
		dec := json.NewDecoder(bytes.NewReader(p.Resource))
		if err := dec.Decode(&res); err != nil {
			return nil, fmt.Errorf("parameter %q resource: %w", p.Name, err)
		}
		return res, nil
	case len(p.Part) > 0:
		values, _, err := collectParameters(p.Part)
		if err != nil {
			return nil, err
		}
		return values, nil
	default:
		return p.Value, nil
	}
}
