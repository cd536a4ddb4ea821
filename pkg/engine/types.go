package engine

import (
	"sort"
	"time"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
)

// EndpointUpdate is a planned update of an existing endpoint.
type EndpointUpdate struct {
	// Endpoint is the wanted shape.
	Endpoint *backend.Endpoint `json:"endpoint"`

	// Old is the shape currently deployed.
	Old *backend.Endpoint `json:"old"`

	// DeleteAndRecreate is set to the old endpoint when the update cannot be
	// applied in place. The old shape is deleted strictly before the new one
	// is created.
	DeleteAndRecreate *backend.Endpoint `json:"deleteAndRecreate,omitempty"`

	// Unsafe marks updates that change delivery semantics for existing events.
	Unsafe bool `json:"unsafe,omitempty"`
}

// Changeset is the set of changes for one region and build configuration.
type Changeset struct {
	// Key identifies the changeset: <codebase>-<region>-<memory|default>.
	Key string `json:"key"`

	Create []*backend.Endpoint `json:"create"`
	Update []EndpointUpdate    `json:"update"`
	Delete []*backend.Endpoint `json:"delete"`

	// Skip lists wanted endpoints whose source hash is unchanged.
	Skip []*backend.Endpoint `json:"skip,omitempty"`
}

// IsEmpty returns true if the changeset has nothing to do.
func (c *Changeset) IsEmpty() bool {
	return len(c.Create) == 0 && len(c.Update) == 0 && len(c.Delete) == 0 && len(c.Skip) == 0
}

// Plan maps changeset keys to changesets.
type Plan map[string]*Changeset

// Keys returns the changeset keys in sorted order.
func (p Plan) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counts tallies planned changes by kind. Recreates are counted separately
// from in-place updates.
func (p Plan) Counts() map[ChangeKind]int {
	counts := map[ChangeKind]int{}
	for _, cs := range p {
		counts[ChangeCreate] += len(cs.Create)
		counts[ChangeDelete] += len(cs.Delete)
		counts[ChangeSkip] += len(cs.Skip)
		for _, u := range cs.Update {
			if u.DeleteAndRecreate != nil {
				counts[ChangeRecreate]++
			} else {
				counts[ChangeUpdate]++
			}
		}
	}
	return counts
}

// PlannerOptions controls plan construction.
type PlannerOptions struct {
	// Filters restrict which endpoints participate. Empty means all.
	Filters []backend.EndpointFilter

	// DeleteAll allows deleting endpoints without the ownership label.
	DeleteAll bool

	// AllowV1ToV2Upgrade permits in-place upgrades from the legacy platform.
	AllowV1ToV2Upgrade bool
}

// Source locates the uploaded source of one codebase.
type Source struct {
	// SourceURL is the signed upload URL used by legacy functions.
	SourceURL string `yaml:"sourceUrl,omitempty" json:"sourceUrl,omitempty"`

	// Storage is the storage object used by current-platform functions.
	Storage *gcp.StorageSource `yaml:"storage,omitempty" json:"storage,omitempty"`
}

// DeployResult is the outcome of one endpoint in a fabrication run.
type DeployResult struct {
	Endpoint *backend.Endpoint `json:"endpoint"`
	Duration time.Duration     `json:"duration"`
	Err      error             `json:"-"`

	// Skipped is set for unchanged endpoints that were not redeployed.
	Skipped bool `json:"skipped,omitempty"`
}

// Status classifies the result.
func (r DeployResult) Status() ResultStatus {
	switch {
	case r.Err == nil && r.Skipped:
		return ResultSkipped
	case r.Err == nil:
		return ResultSuccess
	case IsAborted(r.Err):
		return ResultAborted
	default:
		return ResultError
	}
}

// Summary is the result of applying a plan. It is not modified after ApplyPlan returns.
type Summary struct {
	RunID     string         `json:"run_id"`
	TotalTime time.Duration  `json:"total_time"`
	Results   []DeployResult `json:"results"`
}

// Failures returns the results with a genuine (non-aborted) error.
func (s *Summary) Failures() []DeployResult {
	var out []DeployResult
	for _, r := range s.Results {
		if r.Status() == ResultError {
			out = append(out, r)
		}
	}
	return out
}

// HasFailures reports whether any result has a non-aborted error.
func (s *Summary) HasFailures() bool {
	return len(s.Failures()) > 0
}

// Status derives the run status from the results.
func (s *Summary) Status() RunStatus {
	failed, succeeded := 0, 0
	for _, r := range s.Results {
		switch r.Status() {
		case ResultError:
			failed++
		case ResultSuccess:
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
