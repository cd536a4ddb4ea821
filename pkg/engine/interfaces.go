package engine

import (
	"context"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
)

// FunctionsV1API manages legacy functions.
type FunctionsV1API interface {
	// CreateFunction starts creation of fn and returns its long-running operation.
	CreateFunction(ctx context.Context, fn *gcp.CloudFunction) (gcp.Operation, error)

	// UpdateFunction starts an update of fn.
	UpdateFunction(ctx context.Context, fn *gcp.CloudFunction) (gcp.Operation, error)

	// DeleteFunction starts deletion of the named function.
	DeleteFunction(ctx context.Context, name string) (gcp.Operation, error)

	// SetInvokerCreate replaces the invoker binding of a new function.
	SetInvokerCreate(ctx context.Context, name string, invoker []string) error

	// SetInvokerUpdate merges the invoker binding into an existing policy.
	SetInvokerUpdate(ctx context.Context, name string, invoker []string) error
}

// FunctionsV2API manages current-platform functions.
type FunctionsV2API interface {
	CreateFunction(ctx context.Context, fn *gcp.CloudFunctionV2) (gcp.Operation, error)
	UpdateFunction(ctx context.Context, fn *gcp.CloudFunctionV2) (gcp.Operation, error)
	DeleteFunction(ctx context.Context, name string) (gcp.Operation, error)
}

// RunAPI sets invoker policies on the services backing v2 functions.
type RunAPI interface {
	SetInvokerCreate(ctx context.Context, service string, invoker []string) error
	SetInvokerUpdate(ctx context.Context, service string, invoker []string) error
}

// OperationPoller waits for long-running operations.
type OperationPoller interface {
	// Poll blocks until op finishes or the master timeout elapses, returning
	// its final status.
	Poll(ctx context.Context, op gcp.Operation, opts gcp.PollOptions) (*gcp.OperationStatus, error)
}

// SchedulerAPI manages scheduler jobs.
type SchedulerAPI interface {
	CreateOrReplaceJob(ctx context.Context, job *gcp.Job) error
	DeleteJob(ctx context.Context, name string) error
}

// PubSubAPI manages topics.
type PubSubAPI interface {
	CreateTopic(ctx context.Context, topic *gcp.Topic) error
	DeleteTopic(ctx context.Context, name string) error
}

// EventarcAPI manages event channels.
type EventarcAPI interface {
	// GetChannel returns nil without error when the channel does not exist.
	GetChannel(ctx context.Context, name string) (*gcp.Channel, error)
	CreateChannel(ctx context.Context, ch *gcp.Channel) (gcp.Operation, error)
}

// CloudTasksAPI manages task queues.
type CloudTasksAPI interface {
	UpsertQueue(ctx context.Context, queue *gcp.Queue) (bool, error)
	UpdateQueue(ctx context.Context, queue *gcp.Queue) error
	SetEnqueuer(ctx context.Context, queue string, invoker []string) error
}

// BlockingRegistryAPI registers blocking triggers with the identity platform.
type BlockingRegistryAPI interface {
	RegisterTrigger(ctx context.Context, e *backend.Endpoint) error
	UnregisterTrigger(ctx context.Context, e *backend.Endpoint) error
}

// Clients bundles every remote API the fabricator drives.
type Clients struct {
	FunctionsV1 FunctionsV1API
	FunctionsV2 FunctionsV2API
	Run         RunAPI
	Poller      OperationPoller
	Scheduler   SchedulerAPI
	PubSub      PubSubAPI
	Eventarc    EventarcAPI
	CloudTasks  CloudTasksAPI
	Blocking    BlockingRegistryAPI
}

// NewClients wires the connected client libraries.
func NewClients(s *gcp.Services) Clients {
	return Clients{
		FunctionsV1: s.FunctionsV1,
		FunctionsV2: s.FunctionsV2,
		Run:         s.Run,
		Poller:      gcp.NewPoller(),
		Scheduler:   s.Scheduler,
		PubSub:      s.PubSub,
		Eventarc:    s.Eventarc,
		CloudTasks:  s.CloudTasks,
		Blocking:    s.Identity,
	}
}

// Tracker receives usage events from the reporter.
type Tracker interface {
	Track(runID, eventType string, params map[string]interface{}) error
}
