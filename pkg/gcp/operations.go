package gcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Operation is a long-running operation started by a mutating call.
type Operation interface {
	Name() string

	// Poll refreshes the operation once. An operation that finished with an
	// error returns *OperationError.
	Poll(ctx context.Context) (*OperationStatus, error)
}

// OperationStatus is one observation of an operation.
type OperationStatus struct {
	Done bool

	// Target is the resource the operation acts on.
	Target string

	// SourceToken is the build reuse token, once the build service issued one.
	SourceToken string

	// URI and Service describe the function a finished operation returned.
	URI     string
	Service string
}

// OperationError is a long-running operation that finished with an error.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Code returns the status code the operation finished with.
func (e *OperationError) Code() codes.Code {
	return status.Code(e.Err)
}

// AsOperationError extracts the operation failure from err's chain.
func AsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	ok := errors.As(err, &opErr)
	return opErr, ok
}

// handle is an operation backed by a generated client handle.
type handle struct {
	name string
	done func() bool
	poll func(ctx context.Context) (*OperationStatus, error)
}

func (h *handle) Name() string {
	return h.name
}

// Poll distinguishes a failed operation from a failed poll request: only the
// former finishes the handle.
func (h *handle) Poll(ctx context.Context) (*OperationStatus, error) {
	st, err := h.poll(ctx)
	if err != nil {
		if h.done() {
			return nil, &OperationError{Operation: h.name, Err: err}
		}
		return nil, err
	}
	return st, nil
}

// PollOptions configures one Poller.Poll call.
type PollOptions struct {
	MasterTimeout time.Duration
	MaxBackoff    time.Duration

	// OnPoll observes every fetched status, including the final one.
	OnPoll func(*OperationStatus)
}

// Poller polls long-running operations until they finish.
type Poller struct {
	initialInterval time.Duration
}

// NewPoller creates a poller.
func NewPoller() *Poller {
	return &Poller{initialInterval: 250 * time.Millisecond}
}

var errNotDone = errors.New("operation not done")

// Poll refreshes op until it is done, returning its final status. Running
// past the master timeout yields an error wrapping context.DeadlineExceeded.
func (p *Poller) Poll(ctx context.Context, op Operation, opts PollOptions) (*OperationStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if opts.MaxBackoff > 0 {
		b.MaxInterval = opts.MaxBackoff
	}
	b.Reset()

	retryOpts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if opts.MasterTimeout > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(opts.MasterTimeout))
	}

	st, err := backoff.Retry(ctx, func() (*OperationStatus, error) {
		st, err := op.Poll(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if opts.OnPoll != nil {
			opts.OnPoll(st)
		}
		if !st.Done {
			return nil, errNotDone
		}
		return st, nil
	}, retryOpts...)

	if errors.Is(err, errNotDone) {
		return nil, fmt.Errorf("operation %s did not finish within %s: %w",
			op.Name(), opts.MasterTimeout, context.DeadlineExceeded)
	}
	return st, err
}
