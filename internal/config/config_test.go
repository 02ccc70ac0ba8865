package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehr/cqlpipe/internal/pipeline"
)

func writeProperties(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cql_configs.properties")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	return path
}

const sampleProperties = `smart_register_base_url=https://fhir.example.org/fhir
cql_library_url=Library?name=ANCRecommendationA2
cql_helper_library_url=Library?name=FHIRHelpers
cql_value_set_url=ValueSet
cql_patient_url=Patient
`

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CQL_PROPERTIES_FILE", filepath.Join(t.TempDir(), "missing.properties"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("expected default fetch timeout 30s, got %v", cfg.FetchTimeout)
	}
	if cfg.FetchRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.FetchRetries)
	}
	if cfg.EvaluatorMode != EvaluatorExpression {
		t.Errorf("expected expression evaluator, got %s", cfg.EvaluatorMode)
	}
	req := cfg.DefaultRequest()
	if req.EvaluationID != "ANCRecommendationA2" || req.SubjectType != "patient" || req.ContextLabel != "mom-with-anemia" {
		t.Errorf("unexpected default request %+v", req)
	}
	if cfg.BaseURL != "" {
		t.Errorf("expected no base url without a properties file, got %s", cfg.BaseURL)
	}
}

func TestLoad_PropertiesFile(t *testing.T) {
	t.Setenv("CQL_PROPERTIES_FILE", writeProperties(t, sampleProperties))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "https://fhir.example.org/fhir" {
		t.Errorf("unexpected base url %s", cfg.BaseURL)
	}
	if cfg.LibraryPath != "Library?name=ANCRecommendationA2" || cfg.PatientPath != "Patient" {
		t.Errorf("unexpected paths %s / %s", cfg.LibraryPath, cfg.PatientPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	policy, err := cfg.Addresses()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr, err := policy.Resolve(pipeline.SlotPatientBundle, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "https://fhir.example.org/fhir/Patient/p1/$everything" {
		t.Errorf("unexpected patient address %s", addr)
	}
}

func TestLoad_EnvOverridesProperties(t *testing.T) {
	t.Setenv("CQL_PROPERTIES_FILE", writeProperties(t, sampleProperties))
	t.Setenv("CQL_BASE_URL", "http://localhost:8080/fhir")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("EVALUATOR_MODE", "Remote")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080/fhir" {
		t.Errorf("expected env base url to win, got %s", cfg.BaseURL)
	}
	if cfg.HelperPath != "Library?name=FHIRHelpers" {
		t.Errorf("expected helper path from properties, got %s", cfg.HelperPath)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.FetchTimeout)
	}
	if cfg.EvaluatorMode != EvaluatorRemote {
		t.Errorf("expected evaluator mode to be normalized, got %s", cfg.EvaluatorMode)
	}
}

func validConfig() *Config {
	return &Config{
		BaseURL:             "https://fhir.example.org/fhir",
		LibraryPath:         "Library?name=ANCRecommendationA2",
		HelperPath:          "Library?name=FHIRHelpers",
		ValueSetPath:        "ValueSet",
		PatientPath:         "Patient",
		EvaluatorMode:       EvaluatorExpression,
		DBMaxConns:          10,
		EventsChannel:       "cqlpipe:events",
		DefaultEvaluationID: "ANCRecommendationA2",
		DefaultSubjectType:  "patient",
		DefaultContextLabel: "mom-with-anemia",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, "base URL is unset"},
		{"absolute paths need no base url", func(c *Config) {
			c.BaseURL = ""
			c.LibraryPath = "file:///srv/cql/library.json"
			c.HelperPath = "file:///srv/cql/helper.json"
			c.ValueSetPath = "pg://ValueSet/anc"
			c.PatientPath = "https://fhir.example.org/fhir/Patient"
		}, ""},
		{"missing patient path", func(c *Config) { c.PatientPath = "" }, "patient-bundle address"},
		{"bad extract mode", func(c *Config) { c.LibraryExtract = "everything" }, "library extract"},
		{"remote without url", func(c *Config) { c.EvaluatorMode = EvaluatorRemote }, "EVALUATOR_URL"},
		{"unknown evaluator", func(c *Config) { c.EvaluatorMode = "magic" }, "EVALUATOR_MODE"},
		{"negative retries", func(c *Config) { c.FetchRetries = -1 }, "FETCH_RETRIES"},
		{"negative timeout", func(c *Config) { c.FetchTimeout = -time.Second }, "timeouts"},
		{"redis without channel", func(c *Config) {
			c.RedisURL = "redis://localhost:6379"
			c.EventsChannel = ""
		}, "EVENTS_CHANNEL"},
		{"min conns above max", func(c *Config) { c.DBMinConns = 20 }, "DB_MIN_CONNS"},
		{"blank default evaluation", func(c *Config) { c.DefaultEvaluationID = "" }, "default evaluation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_AddressesExtractModes(t *testing.T) {
	c := validConfig()
	c.LibraryExtract = "raw"
	c.PatientExtract = "first-entry"

	policy, err := c.Addresses()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := policy.ExtractModeFor(pipeline.SlotLibrary); got != pipeline.ExtractRaw {
		t.Errorf("expected raw library extraction, got %s", got)
	}
	if got := policy.ExtractModeFor(pipeline.SlotHelper); got != pipeline.ExtractFirstEntry {
		t.Errorf("expected default first-entry helper extraction, got %s", got)
	}
	if got := policy.ExtractModeFor(pipeline.SlotPatientBundle); got != pipeline.ExtractFirstEntry {
		t.Errorf("expected first-entry patient extraction, got %s", got)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
