package backend

import "fmt"

// Platform is the execution substrate generation an endpoint runs on.
type Platform string

const (
	// PlatformV1 is the legacy substrate (one request per instance).
	PlatformV1 Platform = "gcfv1"

	// PlatformV2 is the current substrate backed by a run service.
	PlatformV2 Platform = "gcfv2"
)

// Validate checks if the platform is valid.
func (p Platform) Validate() error {
	switch p {
	case PlatformV1, PlatformV2:
		return nil
	default:
		return fmt.Errorf("invalid platform: %s", p)
	}
}

const (
	// DefaultCodebase is the codebase assumed when an endpoint does not name one.
	DefaultCodebase = "default"

	// DefaultV2Concurrency is the per-instance concurrency new v2 functions get.
	DefaultV2Concurrency = 80

	// DefaultV1Concurrency is the effective concurrency of legacy functions.
	DefaultV1Concurrency = 1
)

// Event types with special handling in planning and fabrication.
const (
	PubSubPublishEvent = "google.cloud.pubsub.topic.v1.messagePublished"
	LegacyPubSubEvent  = "google.pubsub.topic.publish"
	BeforeCreateEvent  = "providers/cloud.auth/eventTypes/user.beforeCreate"
	BeforeSignInEvent  = "providers/cloud.auth/eventTypes/user.beforeSignIn"
)

// Endpoint is a single deployable function and its trigger.
//
// Identity for diffing is (Codebase, Region, ID). URI and RunServiceID are
// written by the fabricator after a successful create or update.
type Endpoint struct {
	ID         string   `yaml:"id" json:"id" validate:"required,max=63"`
	Region     string   `yaml:"region" json:"region" validate:"required"`
	Project    string   `yaml:"project" json:"project"`
	Codebase   string   `yaml:"codebase,omitempty" json:"codebase,omitempty"`
	Platform   Platform `yaml:"platform" json:"platform" validate:"required,oneof=gcfv1 gcfv2"`
	Runtime    string   `yaml:"runtime" json:"runtime"`
	EntryPoint string   `yaml:"entryPoint" json:"entryPoint"`

	AvailableMemoryMB *int     `yaml:"availableMemoryMb,omitempty" json:"availableMemoryMb,omitempty" validate:"omitempty,min=128"`
	CPU               *float64 `yaml:"cpu,omitempty" json:"cpu,omitempty" validate:"omitempty,gt=0"`
	Concurrency       *int     `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"omitempty,min=1,max=1000"`
	MinInstances      *int     `yaml:"minInstances,omitempty" json:"minInstances,omitempty" validate:"omitempty,min=0"`
	MaxInstances      *int     `yaml:"maxInstances,omitempty" json:"maxInstances,omitempty" validate:"omitempty,min=0"`
	TimeoutSeconds    *int     `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty" validate:"omitempty,min=1,max=3600"`
	ServiceAccount    string   `yaml:"serviceAccount,omitempty" json:"serviceAccount,omitempty"`

	Labels               map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	EnvironmentVariables map[string]string `yaml:"environmentVariables,omitempty" json:"environmentVariables,omitempty"`

	// Hash is the source hash used to skip unchanged endpoints.
	Hash string `yaml:"hash,omitempty" json:"hash,omitempty"`

	// TargetedByOnly marks endpoints explicitly named by a filter; they are never skipped.
	TargetedByOnly bool `yaml:"targetedByOnly,omitempty" json:"targetedByOnly,omitempty"`

	Trigger Trigger `yaml:"-" json:"-"`

	URI          string `yaml:"uri,omitempty" json:"uri,omitempty"`
	RunServiceID string `yaml:"runServiceId,omitempty" json:"runServiceId,omitempty"`
}

// CodebaseOrDefault returns the endpoint's codebase, or DefaultCodebase when unset.
func (e *Endpoint) CodebaseOrDefault() string {
	if e.Codebase == "" {
		return DefaultCodebase
	}
	return e.Codebase
}

// Clone returns a copy of the endpoint with its own label and env maps.
// Trigger values are shared; triggers are never mutated after construction.
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	c.Labels = copyMap(e.Labels)
	c.EnvironmentVariables = copyMap(e.EnvironmentVariables)
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
