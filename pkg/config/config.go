package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// Environment variables overriding the configuration file.
const (
	EnvProject       = "FNRELEASE_PROJECT"
	EnvProjectNumber = "FNRELEASE_PROJECT_NUMBER"
	EnvAccessToken   = "FNRELEASE_ACCESS_TOKEN"
)

var validate = validator.New()

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		AppEngineLocation: "us-central1",
		Codebase:          backend.DefaultCodebase,
		Sources:           make(map[string]engine.Source),
		Pools: PoolsConfig{
			Functions: engine.QueueOptions{
				Name:        "functions",
				Concurrency: 1,
				Retries:     30,
				Backoff:     20 * time.Second,
				MaxBackoff:  100 * time.Second,
			},
			Triggers: engine.QueueOptions{
				Name:        "triggers",
				Concurrency: 40,
				Retries:     30,
				Backoff:     20 * time.Second,
				MaxBackoff:  100 * time.Second,
			},
		},
		Poll: PollConfig{
			MasterTimeout: engine.DefaultPollMasterTimeout,
			MaxBackoff:    engine.DefaultPollMaxBackoff,
		},
		SourceToken: SourceTokenConfig{
			Validity:     engine.DefaultSourceTokenValidity,
			FetchTimeout: engine.DefaultSourceTokenFetchTimeout,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    ".fnrelease/history.db",
			Keep:    100,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path over the defaults and applies
// environment overrides. An empty path yields the defaults. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.unmarshal(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.unmarshal(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) unmarshal(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Sources == nil {
		c.Sources = make(map[string]engine.Source)
	}
	return nil
}

// ApplyEnv overrides fields from FNRELEASE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvProject); v != "" {
		c.Project = v
	}
	if v := os.Getenv(EnvProjectNumber); v != "" {
		c.ProjectNumber = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.AccessToken = v
	}
}

// Validate checks struct constraints and the nested telemetry configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Pools.Functions.Name == c.Pools.Triggers.Name {
		return fmt.Errorf("pool names must differ, both are %q", c.Pools.Functions.Name)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// RequireDeployTarget reports an error unless the fields needed to call the
// remote APIs are set.
func (c *Config) RequireDeployTarget() error {
	var missing []string
	if c.Project == "" {
		missing = append(missing, "project ("+EnvProject+")")
	}
	if c.ProjectNumber == "" {
		missing = append(missing, "projectNumber ("+EnvProjectNumber+")")
	}
	if c.AccessToken == "" {
		missing = append(missing, EnvAccessToken)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// PlannerOptions returns the planner policy of the configuration.
func (c *Config) PlannerOptions() engine.PlannerOptions {
	return engine.PlannerOptions{AllowV1ToV2Upgrade: c.Planner.AllowV1ToV2Upgrade}
}
