package engine

import (
	"context"
	"slices"

	"google.golang.org/grpc/codes"

	"github.com/openfroyo/fnrelease/pkg/gcp"
)

// RunOption customizes a single Executor.Run call.
type RunOption func(*runOptions)

type runOptions struct {
	operationCodes []codes.Code
}

// retryOperationCodes also retries operations that finished with one of
// codes. Finished operations are otherwise never retried.
func retryOperationCodes(c ...codes.Code) RunOption {
	return func(o *runOptions) {
		o.operationCodes = append(o.operationCodes, c...)
	}
}

// Executor runs remote operations, retrying those that fail with a retryable
// error.
type Executor interface {
	Run(ctx context.Context, op func(ctx context.Context) error, opts ...RunOption) error
}

// QueueExecutor runs operations on a Queue.
type QueueExecutor struct {
	queue *Queue
}

// NewQueueExecutor creates an executor backed by queue.
func NewQueueExecutor(queue *Queue) *QueueExecutor {
	return &QueueExecutor{queue: queue}
}

// Run submits op to the queue. Throttled, conflicting and unavailable calls
// are retried, as are operations finishing with a code passed through
// opts; the last error is returned once retries are exhausted. Any other
// error is returned without retrying.
func (e *QueueExecutor) Run(ctx context.Context, op func(ctx context.Context) error, opts ...RunOption) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	return e.queue.Run(ctx, op, o.retryable)
}

func (o runOptions) retryable(err error) bool {
	if opErr, ok := gcp.AsOperationError(err); ok {
		return slices.Contains(o.operationCodes, opErr.Code())
	}
	return IsRetryable(err)
}

// Queue returns the underlying queue.
func (e *QueueExecutor) Queue() *Queue {
	return e.queue
}

// ReportStats reports the underlying queue's counters.
func (e *QueueExecutor) ReportStats(ctx context.Context) {
	e.queue.ReportStats(ctx)
}

// InlineExecutor runs operations immediately, without queuing or retries.
type InlineExecutor struct{}

// Run calls op directly.
func (InlineExecutor) Run(ctx context.Context, op func(ctx context.Context) error, _ ...RunOption) error {
	return op(ctx)
}
