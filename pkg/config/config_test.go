package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/fnrelease/pkg/gcp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected the defaults to validate, got %v", err)
	}

	fn := cfg.Pools.Functions
	if fn.Concurrency != 1 || fn.Retries != 30 || fn.Backoff != 20*time.Second || fn.MaxBackoff != 100*time.Second {
		t.Errorf("Unexpected functions pool: %+v", fn)
	}
	if cfg.Pools.Triggers.Concurrency != 40 {
		t.Errorf("Expected triggers concurrency 40, got %d", cfg.Pools.Triggers.Concurrency)
	}
	if cfg.Poll.MasterTimeout != 25*time.Minute || cfg.Poll.MaxBackoff != 10*time.Second {
		t.Errorf("Unexpected poll config: %+v", cfg.Poll)
	}
	if cfg.SourceToken.Validity != 25*time.Minute || cfg.SourceToken.FetchTimeout != 3*time.Minute {
		t.Errorf("Unexpected source token config: %+v", cfg.SourceToken)
	}
	if cfg.Planner.AllowV1ToV2Upgrade {
		t.Error("Expected upgrades to be disallowed by default")
	}
	if cfg.Endpoints != (gcp.Endpoints{}) {
		t.Errorf("Expected the production endpoints, got %+v", cfg.Endpoints)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
project: my-project
projectNumber: "123456"
codebase: backend
sources:
  backend:
    sourceUrl: https://upload.example/abc
    storage:
      bucket: sources
      object: backend.zip
pools:
  functions:
    concurrency: 4
    backoff: 5s
poll:
  maxBackoff: 30s
planner:
  allowV1ToV2Upgrade: true
endpoints:
  functions: localhost:8085
  insecure: true
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected a valid config, got %v", err)
	}

	if cfg.Project != "my-project" || cfg.ProjectNumber != "123456" || cfg.Codebase != "backend" {
		t.Errorf("Unexpected project fields: %s %s %s", cfg.Project, cfg.ProjectNumber, cfg.Codebase)
	}
	src, ok := cfg.Sources["backend"]
	if !ok || src.SourceURL != "https://upload.example/abc" || src.Storage == nil || src.Storage.Object != "backend.zip" {
		t.Errorf("Unexpected sources: %+v", cfg.Sources)
	}

	// Unset keys keep their defaults
	if cfg.Pools.Functions.Concurrency != 4 || cfg.Pools.Functions.Retries != 30 {
		t.Errorf("Expected overridden concurrency and default retries, got %+v", cfg.Pools.Functions)
	}
	if cfg.Pools.Functions.Backoff != 5*time.Second {
		t.Errorf("Expected backoff 5s, got %s", cfg.Pools.Functions.Backoff)
	}
	if cfg.Poll.MaxBackoff != 30*time.Second || cfg.Poll.MasterTimeout != 25*time.Minute {
		t.Errorf("Unexpected poll config: %+v", cfg.Poll)
	}
	if !cfg.PlannerOptions().AllowV1ToV2Upgrade {
		t.Error("Expected the upgrade flag to reach the planner options")
	}
	if cfg.Endpoints.Functions != "localhost:8085" || !cfg.Endpoints.Insecure || cfg.Endpoints.Run != "" {
		t.Errorf("Unexpected endpoints: %+v", cfg.Endpoints)
	}
}

func TestParse_IgnoresAccessToken(t *testing.T) {
	cfg, err := Parse([]byte("accessToken: secret\n"))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.AccessToken != "" {
		t.Errorf("Expected the token to come only from the environment, got %q", cfg.AccessToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{"zero concurrency", func(c *Config) { c.Pools.Functions.Concurrency = 0 }, "Concurrency"},
		{"negative retries", func(c *Config) { c.Pools.Triggers.Retries = -1 }, "Retries"},
		{"non numeric project number", func(c *Config) { c.ProjectNumber = "abc" }, "ProjectNumber"},
		{"missing app engine location", func(c *Config) { c.AppEngineLocation = "" }, "AppEngineLocation"},
		{"bad identity endpoint", func(c *Config) { c.Endpoints.Identity = "not a url" }, "Identity"},
		{"zero poll timeout", func(c *Config) { c.Poll.MasterTimeout = 0 }, "MasterTimeout"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "Path"},
		{"same pool names", func(c *Config) { c.Pools.Triggers.Name = "functions" }, "pool names"},
		{"telemetry", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.expected) {
				t.Errorf("Expected error mentioning %q, got %v", tt.expected, err)
			}
		})
	}
}

func TestValidate_HistoryDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History = HistoryConfig{}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected disabled history without a path to validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fnrelease.yaml")
	if err := os.WriteFile(path, []byte("project: from-file\nprojectNumber: \"1\"\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv(EnvProject, "from-env")
	t.Setenv(EnvProjectNumber, "")
	t.Setenv(EnvAccessToken, "token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Project != "from-env" {
		t.Errorf("Expected the environment to win, got %s", cfg.Project)
	}
	if cfg.ProjectNumber != "1" {
		t.Errorf("Expected an empty variable not to override, got %s", cfg.ProjectNumber)
	}
	if cfg.AccessToken != "token" {
		t.Errorf("Expected the access token from the environment, got %q", cfg.AccessToken)
	}
	if err := cfg.RequireDeployTarget(); err != nil {
		t.Errorf("Expected a complete deploy target, got %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pools:\n  functions:\n    concurrency: 0\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("Expected an invalid config error, got %v", err)
	}
}

func TestRequireDeployTarget(t *testing.T) {
	t.Setenv(EnvProject, "")
	t.Setenv(EnvProjectNumber, "")
	t.Setenv(EnvAccessToken, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	err = cfg.RequireDeployTarget()
	if err == nil {
		t.Fatal("Expected missing fields to be reported")
	}
	for _, want := range []string{EnvProject, EnvProjectNumber, EnvAccessToken} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %s in %q", want, err.Error())
		}
	}
}
