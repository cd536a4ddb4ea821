package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a usage or lifecycle event emitted during a release run.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted          = "run.started"
	EventTypeRunCompleted        = "run.completed"
	EventTypeRunFailed           = "run.failed"
	EventTypeFunctionDeploy      = "function_deploy"
	EventTypeCodebaseDeploy      = "codebase_deploy"
	EventTypeFunctionDeployGroup = "function_deploy_group"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives published events.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order. In async
// mode a single goroutine delivers from a bounded buffer; otherwise Publish
// delivers before returning.
type EventPublisher struct {
	config EventsConfig

	mu            sync.RWMutex
	subscriptions []subscription

	queue   chan Event
	stopped chan struct{}
	stop    sync.Once
	done    sync.WaitGroup
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.stopped = make(chan struct{})
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscriptions = append(ep.subscriptions, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps the event with an id and time when missing and hands it to
// the subscribers. A full async buffer drops the event with an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// Track publishes a reporter usage event. It satisfies the engine's tracker.
func (ep *EventPublisher) Track(runID, eventType string, params map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "reporter",
		RunID:   runID,
		Message: eventType,
		Level:   EventLevelInfo,
		Data:    params,
	})
}

// PublishRunStarted marks the beginning of a fabrication run.
func (ep *EventPublisher) PublishRunStarted(runID string) error {
	return ep.Publish(runEvent(runID, EventTypeRunStarted, EventLevelInfo, "Run "+runID+" started", nil))
}

// PublishRunCompleted marks the end of a run. A non-nil err publishes
// run.failed instead of run.completed.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration, err error) error {
	data := map[string]interface{}{
		"status":   status,
		"duration": duration.Seconds(),
	}
	if err != nil {
		data["reason"] = err.Error()
		return ep.Publish(runEvent(runID, EventTypeRunFailed, EventLevelError, fmt.Sprintf("Run %s failed: %v", runID, err), data))
	}
	return ep.Publish(runEvent(runID, EventTypeRunCompleted, EventLevelInfo, fmt.Sprintf("Run %s %s", runID, status), data))
}

func runEvent(runID, eventType, level, message string, data map[string]interface{}) Event {
	return Event{
		Type:    eventType,
		Source:  "fabricator",
		RunID:   runID,
		Message: message,
		Level:   level,
		Data:    data,
	}
}

func (ep *EventPublisher) run() {
	defer ep.done.Done()

	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, s := range ep.subscriptions {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until every buffered event has
// been delivered or ctx is done. It is safe to call more than once.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.stop.Do(func() { close(ep.stopped) })

	drained := make(chan struct{})
	go func() {
		ep.done.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
