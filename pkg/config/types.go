package config

import (
	"time"

	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// Config is the fnrelease configuration file.
type Config struct {
	// Project is the target project id.
	Project string `yaml:"project"`

	// ProjectNumber is the numeric project id, used for the default compute
	// service account.
	ProjectNumber string `yaml:"projectNumber" validate:"omitempty,numeric"`

	// AccessToken authenticates remote calls. It is only read from the
	// environment.
	AccessToken string `yaml:"-"`

	// AppEngineLocation is the scheduler location of legacy scheduled functions.
	AppEngineLocation string `yaml:"appEngineLocation" validate:"required"`

	// Codebase is the codebase name applied to endpoints that do not set one.
	Codebase string `yaml:"codebase" validate:"required"`

	// Sources maps codebase names to their uploaded source.
	Sources map[string]engine.Source `yaml:"sources"`

	Pools       PoolsConfig       `yaml:"pools"`
	Poll        PollConfig        `yaml:"poll"`
	SourceToken SourceTokenConfig `yaml:"sourceToken"`
	Planner     PlannerConfig     `yaml:"planner"`
	History     HistoryConfig     `yaml:"history"`

	// Endpoints override the API service addresses.
	Endpoints gcp.Endpoints `yaml:"endpoints"`

	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// PoolsConfig sizes the executor queues.
type PoolsConfig struct {
	// Functions runs function create, update and delete calls.
	Functions engine.QueueOptions `yaml:"functions"`

	// Triggers runs schedule, queue, topic, channel and IAM calls.
	Triggers engine.QueueOptions `yaml:"triggers"`
}

// PollConfig bounds long-running operation polling.
type PollConfig struct {
	MasterTimeout time.Duration `yaml:"masterTimeout" validate:"gt=0"`
	MaxBackoff    time.Duration `yaml:"maxBackoff" validate:"gt=0"`
}

// SourceTokenConfig tunes build reuse between functions of a changeset.
type SourceTokenConfig struct {
	Validity     time.Duration `yaml:"validity" validate:"gt=0"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
}

// PlannerConfig holds planning policy.
type PlannerConfig struct {
	// AllowV1ToV2Upgrade permits in-place upgrades from the legacy platform.
	AllowV1ToV2Upgrade bool `yaml:"allowV1ToV2Upgrade"`
}

// HistoryConfig locates the deploy history database.
type HistoryConfig struct {
	// Enabled turns history recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// Keep is the number of runs retained after each apply. Zero keeps all.
	Keep int `yaml:"keep" validate:"min=0"`
}
