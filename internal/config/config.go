package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/cqlpipe/internal/pipeline"
)

// DefaultPropertiesFile holds the FHIR server and artifact locations.
const DefaultPropertiesFile = "configs/cql_configs.properties"

// propertyKeys maps properties-file keys onto settings. Environment
// variables win over the file.
var propertyKeys = map[string]string{
	"smart_register_base_url": "CQL_BASE_URL",
	"cql_library_url":         "CQL_LIBRARY_PATH",
	"cql_helper_library_url":  "CQL_HELPER_PATH",
	"cql_value_set_url":       "CQL_VALUE_SET_PATH",
	"cql_patient_url":         "CQL_PATIENT_PATH",
}

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	PropertiesFile string `mapstructure:"CQL_PROPERTIES_FILE"`
	BaseURL        string `mapstructure:"CQL_BASE_URL"`
	LibraryPath    string `mapstructure:"CQL_LIBRARY_PATH"`
	HelperPath     string `mapstructure:"CQL_HELPER_PATH"`
	ValueSetPath   string `mapstructure:"CQL_VALUE_SET_PATH"`
	PatientPath    string `mapstructure:"CQL_PATIENT_PATH"`

	LibraryExtract  string `mapstructure:"CQL_LIBRARY_EXTRACT"`
	HelperExtract   string `mapstructure:"CQL_HELPER_EXTRACT"`
	ValueSetExtract string `mapstructure:"CQL_VALUE_SET_EXTRACT"`
	PatientExtract  string `mapstructure:"CQL_PATIENT_EXTRACT"`

	FetchTimeout  time.Duration `mapstructure:"FETCH_TIMEOUT"`
	FetchRetries  int           `mapstructure:"FETCH_RETRIES"`
	FHIRAuthToken string        `mapstructure:"FHIR_AUTH_TOKEN"`

	EvaluatorMode    string        `mapstructure:"EVALUATOR_MODE"`
	EvaluatorURL     string        `mapstructure:"EVALUATOR_URL"`
	EvaluatorTimeout time.Duration `mapstructure:"EVALUATOR_TIMEOUT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	EventsChannel string `mapstructure:"EVENTS_CHANNEL"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	DefaultEvaluationID string `mapstructure:"DEFAULT_EVALUATION_ID"`
	DefaultSubjectType  string `mapstructure:"DEFAULT_SUBJECT_TYPE"`
	DefaultContextLabel string `mapstructure:"DEFAULT_CONTEXT_LABEL"`
}

const (
	EvaluatorRemote     = "remote"
	EvaluatorExpression = "expression"
)

var settingKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"CQL_PROPERTIES_FILE", "CQL_BASE_URL",
	"CQL_LIBRARY_PATH", "CQL_HELPER_PATH", "CQL_VALUE_SET_PATH", "CQL_PATIENT_PATH",
	"CQL_LIBRARY_EXTRACT", "CQL_HELPER_EXTRACT", "CQL_VALUE_SET_EXTRACT", "CQL_PATIENT_EXTRACT",
	"FETCH_TIMEOUT", "FETCH_RETRIES", "FHIR_AUTH_TOKEN",
	"EVALUATOR_MODE", "EVALUATOR_URL", "EVALUATOR_TIMEOUT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "EVENTS_CHANNEL",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"DEFAULT_EVALUATION_ID", "DEFAULT_SUBJECT_TYPE", "DEFAULT_CONTEXT_LABEL",
}

// Load reads settings from the environment, an optional .env file and the
// optional properties file named by CQL_PROPERTIES_FILE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CQL_PROPERTIES_FILE", DefaultPropertiesFile)
	v.SetDefault("FETCH_TIMEOUT", "30s")
	v.SetDefault("FETCH_RETRIES", 2)
	v.SetDefault("EVALUATOR_MODE", EvaluatorExpression)
	v.SetDefault("EVALUATOR_TIMEOUT", "60s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("EVENTS_CHANNEL", "cqlpipe:events")
	v.SetDefault("REQUEST_TIMEOUT", "2m")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("DEFAULT_EVALUATION_ID", "ANCRecommendationA2")
	v.SetDefault("DEFAULT_SUBJECT_TYPE", "patient")
	v.SetDefault("DEFAULT_CONTEXT_LABEL", "mom-with-anemia")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range settingKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	if err := loadProperties(v, v.GetString("CQL_PROPERTIES_FILE")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.EvaluatorMode = strings.ToLower(strings.TrimSpace(cfg.EvaluatorMode))
	return cfg, nil
}

// loadProperties applies the properties file as defaults. A missing file is
// not an error; an unreadable one is.
func loadProperties(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	props := viper.New()
	props.SetConfigFile(path)
	props.SetConfigType("properties")
	if err := props.ReadInConfig(); err != nil {
		return fmt.Errorf("read properties %s: %w", path, err)
	}
	for prop, key := range propertyKeys {
		if props.IsSet(prop) {
			v.SetDefault(key, props.GetString(prop))
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Addresses builds the address policy for the orchestrator.
func (c *Config) Addresses() (pipeline.AddressPolicy, error) {
	policy := pipeline.AddressPolicy{
		BaseURL:      c.BaseURL,
		LibraryPath:  c.LibraryPath,
		HelperPath:   c.HelperPath,
		ValueSetPath: c.ValueSetPath,
		PatientPath:  c.PatientPath,
		Extract:      make(map[pipeline.Slot]pipeline.ExtractMode),
	}
	modes := map[pipeline.Slot]string{
		pipeline.SlotLibrary:       c.LibraryExtract,
		pipeline.SlotHelper:        c.HelperExtract,
		pipeline.SlotValueSet:      c.ValueSetExtract,
		pipeline.SlotPatientBundle: c.PatientExtract,
	}
	for slot, raw := range modes {
		mode, err := pipeline.ParseExtractMode(raw)
		if err != nil {
			return pipeline.AddressPolicy{}, fmt.Errorf("%s extract: %w", slot, err)
		}
		if mode != "" {
			policy.Extract[slot] = mode
		}
	}
	return policy, nil
}

// DefaultRequest returns the evaluation used when a caller names only a
// patient.
func (c *Config) DefaultRequest() pipeline.EvaluationRequest {
	return pipeline.EvaluationRequest{
		EvaluationID: c.DefaultEvaluationID,
		SubjectType:  c.DefaultSubjectType,
		ContextLabel: c.DefaultContextLabel,
	}
}

// Validate checks that the settings describe a pipeline that can run.
func (c *Config) Validate() error {
	policy, err := c.Addresses()
	if err != nil {
		return err
	}
	for _, slot := range pipeline.Slots() {
		if _, err := policy.Resolve(slot, "validate"); err != nil {
			return fmt.Errorf("%s address: %w", slot, err)
		}
	}

	switch c.EvaluatorMode {
	case EvaluatorExpression:
	case EvaluatorRemote:
		if c.EvaluatorURL == "" {
			return fmt.Errorf("EVALUATOR_URL must be set when EVALUATOR_MODE is %q", EvaluatorRemote)
		}
	default:
		return fmt.Errorf("EVALUATOR_MODE must be %q or %q, got %q", EvaluatorExpression, EvaluatorRemote, c.EvaluatorMode)
	}

	if c.FetchTimeout < 0 || c.EvaluatorTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must not be negative, got %d", c.FetchRetries)
	}
	if c.RedisURL != "" && c.EventsChannel == "" {
		return fmt.Errorf("EVENTS_CHANNEL must be set when REDIS_URL is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if err := c.DefaultRequest().WithDefaults(pipeline.EvaluationRequest{PatientID: "validate"}).Validate(); err != nil {
		return fmt.Errorf("default evaluation: %w", err)
	}
	return nil
}
