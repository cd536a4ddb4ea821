package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/openfroyo/fnrelease/pkg/backend"
)

// Queue states.
const (
	QueueStateRunning  = "RUNNING"
	QueueStateDisabled = "DISABLED"
)

// Queue is a task queue backing a task queue endpoint.
type Queue struct {
	Name        string
	RateLimits  *QueueRateLimits
	RetryConfig *QueueRetryConfig
	State       string
}

// QueueRateLimits limits dispatch.
type QueueRateLimits struct {
	MaxConcurrentDispatches int
	MaxDispatchesPerSecond  float64
}

// QueueRetryConfig controls redelivery.
type QueueRetryConfig struct {
	MaxAttempts      int
	MaxRetryDuration time.Duration
	MaxBackoff       time.Duration
	MaxDoublings     int
	MinBackoff       time.Duration
}

// QueueFromEndpoint builds the queue for a task queue endpoint, filling unset
// settings with the service defaults.
func QueueFromEndpoint(e *backend.Endpoint) (*Queue, error) {
	tq, ok := e.Trigger.(*backend.TaskQueueTrigger)
	if !ok {
		return nil, fmt.Errorf("endpoint %s is not a task queue function", backend.Label(e))
	}
	q := &Queue{
		Name: backend.QueueName(e),
		RateLimits: &QueueRateLimits{
			MaxConcurrentDispatches: 1000,
			MaxDispatchesPerSecond:  500,
		},
		RetryConfig: &QueueRetryConfig{
			MaxAttempts:  3,
			MaxBackoff:   time.Hour,
			MaxDoublings: 16,
			MinBackoff:   100 * time.Millisecond,
		},
		State: QueueStateRunning,
	}
	if rl := tq.RateLimits; rl != nil {
		if rl.MaxConcurrentDispatches != nil {
			q.RateLimits.MaxConcurrentDispatches = *rl.MaxConcurrentDispatches
		}
		if rl.MaxDispatchesPerSecond != nil {
			q.RateLimits.MaxDispatchesPerSecond = *rl.MaxDispatchesPerSecond
		}
	}
	if rc := tq.RetryConfig; rc != nil {
		if rc.MaxAttempts != nil {
			q.RetryConfig.MaxAttempts = *rc.MaxAttempts
		}
		if rc.MaxDoublings != nil {
			q.RetryConfig.MaxDoublings = *rc.MaxDoublings
		}
		if rc.MaxRetrySeconds != nil {
			q.RetryConfig.MaxRetryDuration = seconds(rc.MaxRetrySeconds)
		}
		if rc.MaxBackoffSeconds != nil {
			q.RetryConfig.MaxBackoff = seconds(rc.MaxBackoffSeconds)
		}
		if rc.MinBackoffSeconds != nil {
			q.RetryConfig.MinBackoff = seconds(rc.MinBackoffSeconds)
		}
	}
	return q, nil
}

func (q *Queue) toProto() *cloudtaskspb.Queue {
	msg := &cloudtaskspb.Queue{
		Name:  q.Name,
		State: cloudtaskspb.Queue_State(cloudtaskspb.Queue_State_value[q.State]),
	}
	if rl := q.RateLimits; rl != nil {
		msg.RateLimits = &cloudtaskspb.RateLimits{
			MaxConcurrentDispatches: int32(rl.MaxConcurrentDispatches),
			MaxDispatchesPerSecond:  rl.MaxDispatchesPerSecond,
		}
	}
	if rc := q.RetryConfig; rc != nil {
		msg.RetryConfig = &cloudtaskspb.RetryConfig{
			MaxAttempts:      int32(rc.MaxAttempts),
			MaxRetryDuration: durationOrNil(rc.MaxRetryDuration),
			MaxBackoff:       durationOrNil(rc.MaxBackoff),
			MaxDoublings:     int32(rc.MaxDoublings),
			MinBackoff:       durationOrNil(rc.MinBackoff),
		}
	}
	return msg
}

// QueuesClient is the part of the cloud tasks client the release engine uses.
type QueuesClient interface {
	PolicyClient
	GetQueue(ctx context.Context, req *cloudtaskspb.GetQueueRequest, opts ...gax.CallOption) (*cloudtaskspb.Queue, error)
	CreateQueue(ctx context.Context, req *cloudtaskspb.CreateQueueRequest, opts ...gax.CallOption) (*cloudtaskspb.Queue, error)
	UpdateQueue(ctx context.Context, req *cloudtaskspb.UpdateQueueRequest, opts ...gax.CallOption) (*cloudtaskspb.Queue, error)
	PurgeQueue(ctx context.Context, req *cloudtaskspb.PurgeQueueRequest, opts ...gax.CallOption) (*cloudtaskspb.Queue, error)
}

// CloudTasks manages task queues.
type CloudTasks struct {
	client QueuesClient
}

// NewCloudTasks wraps a cloud tasks client.
func NewCloudTasks(client QueuesClient) *CloudTasks {
	return &CloudTasks{client: client}
}

// UpsertQueue creates the queue, or purges a disabled queue and updates it.
// It reports whether the queue was created.
func (c *CloudTasks) UpsertQueue(ctx context.Context, q *Queue) (bool, error) {
	existing, err := c.client.GetQueue(ctx, &cloudtaskspb.GetQueueRequest{Name: q.Name})
	if IsNotFound(err) {
		_, err := c.client.CreateQueue(ctx, &cloudtaskspb.CreateQueueRequest{
			Parent: parentOf(q.Name, "queues"),
			Queue:  q.toProto(),
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if existing.GetState() == cloudtaskspb.Queue_DISABLED {
		if _, err := c.client.PurgeQueue(ctx, &cloudtaskspb.PurgeQueueRequest{Name: q.Name}); err != nil {
			return false, fmt.Errorf("failed to purge disabled queue: %w", err)
		}
	}
	return false, c.UpdateQueue(ctx, q)
}

// UpdateQueue updates the fields set on q.
func (c *CloudTasks) UpdateQueue(ctx context.Context, q *Queue) error {
	var mask []string
	if q.RateLimits != nil {
		mask = append(mask, "rate_limits")
	}
	if q.RetryConfig != nil {
		mask = append(mask, "retry_config")
	}
	if q.State != "" {
		mask = append(mask, "state")
	}
	_, err := c.client.UpdateQueue(ctx, &cloudtaskspb.UpdateQueueRequest{
		Queue:      q.toProto(),
		UpdateMask: &fieldmaskpb.FieldMask{Paths: mask},
	})
	return err
}

// SetEnqueuer replaces the enqueuer binding of the queue.
func (c *CloudTasks) SetEnqueuer(ctx context.Context, queue string, invoker []string) error {
	return setInvokerUpdate(ctx, c.client, queue, "roles/cloudtasks.enqueuer", invoker)
}
