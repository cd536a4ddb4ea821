package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Name labels the queue in logs and metrics.
	Name string `yaml:"name" validate:"required"`

	// Concurrency is the maximum number of tasks in flight.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// Retries is the number of retries after the first attempt.
	Retries int `yaml:"retries" validate:"min=0"`

	// Backoff is the delay before the first retry; it doubles on each retry.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the retry delay. Zero means uncapped.
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

// QueueStats are running counters for a Queue. Min, Max and Avg are task
// durations including retries.
type QueueStats struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Errored  int           `json:"errored"`
	Retried  int           `json:"retried"`
	InFlight int           `json:"in_flight"`
	Min      time.Duration `json:"min"`
	Max      time.Duration `json:"max"`
	Avg      time.Duration `json:"avg"`
}

// Queue runs tasks with bounded concurrency and exponential backoff.
// Tasks beyond the concurrency bound wait in FIFO order. A task holds its
// slot across retries.
type Queue struct {
	// opts holds the queue configuration
	opts QueueOptions

	// slots bounds the number of tasks in flight
	slots *semaphore.Weighted

	// metrics records queue activity, may be nil
	metrics *telemetry.Metrics

	// logger for queue events, nil falls back to the context logger
	logger *telemetry.Logger

	// mu protects stats
	mu sync.Mutex

	// stats accumulates counters across all tasks
	stats QueueStats
}

// NewQueue creates a new queue.
func NewQueue(opts QueueOptions, metrics *telemetry.Metrics, logger *telemetry.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if logger != nil {
		logger = logger.NewComponentLogger("queue").WithField("queue", opts.Name)
	}

	return &Queue{
		opts:    opts,
		slots:   semaphore.NewWeighted(int64(opts.Concurrency)),
		metrics: metrics,
		logger:  logger,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.opts.Name
}

// Run executes task once a slot is free. When task fails with an error for
// which retryable returns true, it is retried until the retry ceiling; the
// last error is returned. Other errors are returned immediately.
func (q *Queue) Run(ctx context.Context, task func(ctx context.Context) error, retryable func(error) bool) error {
	q.mu.Lock()
	q.stats.Total++
	q.mu.Unlock()

	// Wait for a slot
	waitStart := time.Now()
	if err := q.slots.Acquire(ctx, 1); err != nil {
		q.finish(false, 0, err)
		return err
	}
	defer q.slots.Release(1)
	q.metrics.ObserveQueueWait(q.opts.Name, time.Since(waitStart))

	q.mu.Lock()
	q.stats.InFlight++
	q.metrics.SetQueueInFlight(q.opts.Name, q.stats.InFlight)
	q.mu.Unlock()

	// Build the backoff policy, doubling from the base delay
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.opts.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}

	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		taskErr := task(ctx)
		if taskErr == nil {
			return struct{}{}, nil
		}
		if retryable == nil || !retryable(taskErr) {
			return struct{}{}, backoff.Permanent(taskErr)
		}
		return struct{}{}, taskErr
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.opts.Retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.mu.Lock()
			q.stats.Retried++
			q.mu.Unlock()
			q.metrics.RecordQueueRetry(q.opts.Name)
			q.log(ctx).WithError(err).Debugf("Retrying task in %s", next)
		}),
	)

	// Retry returns the wrapper when the try ceiling is hit on a permanent error
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	q.finish(true, time.Since(start), err)
	return err
}

// finish records the outcome of one task. started is false when the task
// never acquired a slot.
func (q *Queue) finish(started bool, d time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if started {
		q.stats.InFlight--
		q.metrics.SetQueueInFlight(q.opts.Name, q.stats.InFlight)
	}
	if err != nil {
		q.stats.Errored++
	} else {
		q.stats.Success++
	}

	completed := q.stats.Success + q.stats.Errored
	if q.stats.Min == 0 || d < q.stats.Min {
		q.stats.Min = d
	}
	if d > q.stats.Max {
		q.stats.Max = d
	}
	q.stats.Avg = (q.stats.Avg*time.Duration(completed-1) + d) / time.Duration(completed)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// ReportStats logs the counters at debug level and exports them as gauges.
func (q *Queue) ReportStats(ctx context.Context) {
	stats := q.Stats()

	q.metrics.SetQueueStat(q.opts.Name, "total", float64(stats.Total))
	q.metrics.SetQueueStat(q.opts.Name, "success", float64(stats.Success))
	q.metrics.SetQueueStat(q.opts.Name, "errored", float64(stats.Errored))
	q.metrics.SetQueueStat(q.opts.Name, "retried", float64(stats.Retried))
	q.metrics.SetQueueStat(q.opts.Name, "min_seconds", stats.Min.Seconds())
	q.metrics.SetQueueStat(q.opts.Name, "max_seconds", stats.Max.Seconds())
	q.metrics.SetQueueStat(q.opts.Name, "avg_seconds", stats.Avg.Seconds())

	q.log(ctx).WithFields(map[string]interface{}{
		"total":   stats.Total,
		"success": stats.Success,
		"errored": stats.Errored,
		"retried": stats.Retried,
		"min":     stats.Min.String(),
		"max":     stats.Max.String(),
		"avg":     stats.Avg.String(),
	}).Debug("Queue stats")
}

func (q *Queue) log(ctx context.Context) *telemetry.Logger {
	if q.logger != nil {
		return q.logger
	}
	return telemetry.FromContext(ctx)
}
