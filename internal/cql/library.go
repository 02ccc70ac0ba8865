package cql

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Library is a parsed CQL library with its named definitions in
// declaration order.
type Library struct {
	ID          string
	Name        string
	Version     string
	URL         string
	Definitions []Definition
}

// Definition is one `define "Name": expression` statement.
type Definition struct {
	Name       string
	Expression string
}

// Matches reports whether the library is the one named by evaluationID,
// comparing against its id, name and the last segment of its canonical URL.
func (l *Library) Matches(evaluationID string) bool {
	if evaluationID == "" {
		return false
	}
	if l.ID == evaluationID || l.Name == evaluationID {
		return true
	}
	if i := strings.LastIndex(l.URL, "/"); i >= 0 && l.URL[i+1:] == evaluationID {
		return true
	}
	return false
}

// ParseLibrary reads a library artifact. The artifact is either a FHIR
// Library resource whose content holds text/cql attachments (base64 as FHIR
// requires, or plain text), or bare CQL source.
func ParseLibrary(artifact string) (*Library, error) {
	trimmed := strings.TrimSpace(artifact)
	if trimmed == "" {
		return &Library{}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		lib := &Library{}
		parseCQLSource(lib, trimmed)
		return lib, nil
	}

	var res struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Name         string `json:"name"`
		Version      string `json:"version"`
		URL          string `json:"url"`
		Content      []struct {
			ContentType string `json:"contentType"`
			Data        string `json:"data"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(trimmed), &res); err != nil {
		return nil, fmt.Errorf("parse library resource: %w", err)
	}
	if res.ResourceType != "Library" {
		return nil, fmt.Errorf("expected Library resource, got %q", res.ResourceType)
	}

	lib := &Library{ID: res.ID, Name: res.Name, Version: res.Version, URL: res.URL}
	for _, c := range res.Content {
		if !strings.HasPrefix(c.ContentType, "text/cql") {
			continue
		}
		src := c.Data
		if decoded, err := base64.StdEncoding.DecodeString(c.Data); err == nil {
			src = string(decoded)
		}
		parseCQLSource(lib, src)
	}
	return lib, nil
}

// statementKeywords start a top-level CQL statement and end any definition
// that is being continued across lines.
var statementKeywords = []string{
	"define ", "library ", "using ", "include ", "context ",
	"valueset ", "codesystem ", "code ", "concept ", "parameter ",
}

// parseCQLSource extracts the library header and define statements from CQL
// text. A definition runs until the next top-level statement, so
// expressions may span lines. Function definitions are skipped.
func parseCQLSource(lib *Library, src string) {
	var current *Definition
	flush := func() {
		if current != nil {
			current.Expression = strings.TrimSpace(current.Expression)
			if current.Expression != "" {
				lib.Definitions = append(lib.Definitions, *current)
			}
			current = nil
		}
	}

	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		if !hasStatementKeyword(line) {
			if current != nil {
				current.Expression += " " + line
			}
			continue
		}

		flush()
		switch {
		case strings.HasPrefix(line, "library "):
			parseLibraryHeader(lib, strings.TrimPrefix(line, "library "))
		case strings.HasPrefix(line, "define function "), strings.HasPrefix(line, "define fluent "):
			// functions are not evaluated
		case strings.HasPrefix(line, "define "):
			name, expr, ok := splitDefinition(strings.TrimPrefix(line, "define "))
			if ok {
				current = &Definition{Name: name, Expression: expr}
			}
		}
	}
	flush()
}

func hasStatementKeyword(line string) bool {
	for _, kw := range statementKeywords {
		if strings.HasPrefix(line, kw) {
			return true
		}
	}
	return false
}

// parseLibraryHeader handles `Name version 'x'`.
func parseLibraryHeader(lib *Library, rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	if lib.Name == "" {
		lib.Name = strings.Trim(fields[0], `"`)
	}
	if len(fields) >= 3 && fields[1] == "version" && lib.Version == "" {
		lib.Version = strings.Trim(fields[2], `'`)
	}
}

// splitDefinition splits `"Name": expr` or `Name: expr`. Quoted names may
// contain colons.
func splitDefinition(rest string) (string, string, bool) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return "", "", false
		}
		name := rest[1 : end+1]
		after := strings.TrimSpace(rest[end+2:])
		expr, ok := strings.CutPrefix(after, ":")
		if !ok {
			return "", "", false
		}
		return name, strings.TrimSpace(expr), true
	}
	name, expr, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(expr), true
}

// ParseValueSets indexes the codes of every ValueSet in artifact, which may
// be a single ValueSet or a Bundle of them. Each value set is reachable by
// its id, name and canonical URL. Codes come from compose.include.concept
// and from expansion.contains (recursively).
func ParseValueSets(artifact string) (map[string][]string, error) {
	out := make(map[string][]string)
	trimmed := strings.TrimSpace(artifact)
	if trimmed == "" {
		return out, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, fmt.Errorf("parse value set payload: %w", err)
	}

	var sets []map[string]interface{}
	switch doc["resourceType"] {
	case "ValueSet":
		sets = append(sets, doc)
	case "Bundle":
		entries, _ := doc["entry"].([]interface{})
		for _, e := range entries {
			em, _ := e.(map[string]interface{})
			res, _ := em["resource"].(map[string]interface{})
			if res != nil && res["resourceType"] == "ValueSet" {
				sets = append(sets, res)
			}
		}
	default:
		return nil, fmt.Errorf("expected ValueSet or Bundle, got %v", doc["resourceType"])
	}

	for _, vs := range sets {
		codes := valueSetCodes(vs)
		for _, key := range []string{"id", "name", "url"} {
			if k, _ := vs[key].(string); k != "" {
				out[k] = codes
			}
		}
	}
	return out, nil
}

func valueSetCodes(vs map[string]interface{}) []string {
	codes := []string{}
	if compose, ok := vs["compose"].(map[string]interface{}); ok {
		includes, _ := compose["include"].([]interface{})
		for _, inc := range includes {
			im, _ := inc.(map[string]interface{})
			concepts, _ := im["concept"].([]interface{})
			for _, c := range concepts {
				cm, _ := c.(map[string]interface{})
				if code, _ := cm["code"].(string); code != "" {
					codes = append(codes, code)
				}
			}
		}
	}
	if expansion, ok := vs["expansion"].(map[string]interface{}); ok {
		codes = appendContains(codes, expansion["contains"])
	}
	return codes
}

func appendContains(codes []string, contains interface{}) []string {
	list, _ := contains.([]interface{})
	for _, c := range list {
		cm, _ := c.(map[string]interface{})
		if code, _ := cm["code"].(string); code != "" {
			codes = append(codes, code)
		}
		codes = appendContains(codes, cm["contains"])
	}
	return codes
}
