package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a release run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every endpoint was deployed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no endpoint operation succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some endpoints failed while others succeeded.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ResultStatus classifies a single DeployResult.
type ResultStatus string

const (
	// ResultSuccess indicates the endpoint reached its desired state.
	ResultSuccess ResultStatus = "success"

	// ResultError indicates a remote operation failed.
	ResultError ResultStatus = "error"

	// ResultAborted indicates a delete skipped because a sibling create or update failed.
	ResultAborted ResultStatus = "aborted"

	// ResultSkipped indicates the endpoint was unchanged and not redeployed.
	ResultSkipped ResultStatus = "skipped"
)

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultSuccess, ResultError, ResultAborted, ResultSkipped:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// Operation names attached to deployment errors and telemetry.
const (
	OpCreate                    = "create"
	OpUpdate                    = "update"
	OpDelete                    = "delete"
	OpSetInvoker                = "set invoker"
	OpSetConcurrency            = "set concurrency"
	OpCreateTopic               = "create topic"
	OpUpsertEventarcChannel     = "upsert eventarc channel"
	OpUpsertSchedule            = "upsert schedule"
	OpDeleteSchedule            = "delete schedule"
	OpDeleteTopic               = "delete topic"
	OpUpsertTaskQueue           = "upsert task queue"
	OpDisableTaskQueue          = "disable task queue"
	OpRegisterBlockingTrigger   = "register blocking trigger"
	OpUnregisterBlockingTrigger = "unregister blocking trigger"
)

// ChangeKind names the list of a Changeset an endpoint was planned into.
type ChangeKind string

const (
	ChangeCreate   ChangeKind = "create"
	ChangeUpdate   ChangeKind = "update"
	ChangeRecreate ChangeKind = "recreate"
	ChangeDelete   ChangeKind = "delete"
	ChangeSkip     ChangeKind = "skip"
)

// ScraperState is the state of a SourceTokenScraper.
type ScraperState string

const (
	// ScraperStateNone means no build has been seeded yet.
	ScraperStateNone ScraperState = "NONE"

	// ScraperStateFetching means a seed build is running and callers wait for its token.
	ScraperStateFetching ScraperState = "FETCHING"

	// ScraperStateValid means a token (possibly empty) was observed and is within its validity window.
	ScraperStateValid ScraperState = "VALID"
)
