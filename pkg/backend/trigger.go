package backend

import (
	"fmt"
	"regexp"
)

// TriggerKind names a Trigger variant.
type TriggerKind string

const (
	TriggerKindHTTPS     TriggerKind = "https"
	TriggerKindCallable  TriggerKind = "callable"
	TriggerKindSchedule  TriggerKind = "schedule"
	TriggerKindEvent     TriggerKind = "event"
	TriggerKindTaskQueue TriggerKind = "taskQueue"
	TriggerKindBlocking  TriggerKind = "blocking"
)

// Trigger is the sealed set of ways an endpoint can be invoked. The only
// implementations are the *Trigger types in this package; code that switches
// over triggers ends with a default case returning UnknownTriggerError.
type Trigger interface {
	Kind() TriggerKind
	sealed()
}

// HTTPSTrigger is a plain HTTPS endpoint.
type HTTPSTrigger struct {
	// Invoker is the allow-list of principals. Nil means unset: create grants
	// public access, update leaves the existing policy alone.
	Invoker []string `yaml:"invoker,omitempty" json:"invoker,omitempty"`
}

// CallableTrigger is an HTTPS endpoint speaking the callable protocol. Always public.
type CallableTrigger struct{}

// ScheduleTrigger runs the endpoint on a cron-like schedule.
type ScheduleTrigger struct {
	Schedule    string               `yaml:"schedule" json:"schedule" validate:"required"`
	TimeZone    string               `yaml:"timeZone,omitempty" json:"timeZone,omitempty"`
	RetryConfig *ScheduleRetryConfig `yaml:"retryConfig,omitempty" json:"retryConfig,omitempty"`
}

// ScheduleRetryConfig mirrors the scheduler job retry settings.
type ScheduleRetryConfig struct {
	RetryCount        *int `yaml:"retryCount,omitempty" json:"retryCount,omitempty"`
	MaxRetrySeconds   *int `yaml:"maxRetrySeconds,omitempty" json:"maxRetrySeconds,omitempty"`
	MinBackoffSeconds *int `yaml:"minBackoffSeconds,omitempty" json:"minBackoffSeconds,omitempty"`
	MaxBackoffSeconds *int `yaml:"maxBackoffSeconds,omitempty" json:"maxBackoffSeconds,omitempty"`
	MaxDoublings      *int `yaml:"maxDoublings,omitempty" json:"maxDoublings,omitempty"`
}

// EventTrigger delivers events of EventType matching EventFilters.
type EventTrigger struct {
	EventType               string            `yaml:"eventType" json:"eventType" validate:"required"`
	EventFilters            map[string]string `yaml:"eventFilters,omitempty" json:"eventFilters,omitempty"`
	EventFilterPathPatterns map[string]string `yaml:"eventFilterPathPatterns,omitempty" json:"eventFilterPathPatterns,omitempty"`
	Retry                   bool              `yaml:"retry,omitempty" json:"retry,omitempty"`
	Region                  string            `yaml:"region,omitempty" json:"region,omitempty"`
	Channel                 string            `yaml:"channel,omitempty" json:"channel,omitempty"`
	ServiceAccount          string            `yaml:"serviceAccount,omitempty" json:"serviceAccount,omitempty"`
}

// TaskQueueTrigger backs the endpoint with a task queue.
type TaskQueueTrigger struct {
	RateLimits  *TaskQueueRateLimits  `yaml:"rateLimits,omitempty" json:"rateLimits,omitempty"`
	RetryConfig *TaskQueueRetryConfig `yaml:"retryConfig,omitempty" json:"retryConfig,omitempty"`

	// Invoker is the enqueuer allow-list. Nil means unset.
	Invoker []string `yaml:"invoker,omitempty" json:"invoker,omitempty"`
}

// TaskQueueRateLimits limits dispatch from the queue.
type TaskQueueRateLimits struct {
	MaxConcurrentDispatches *int     `yaml:"maxConcurrentDispatches,omitempty" json:"maxConcurrentDispatches,omitempty"`
	MaxDispatchesPerSecond  *float64 `yaml:"maxDispatchesPerSecond,omitempty" json:"maxDispatchesPerSecond,omitempty"`
}

// TaskQueueRetryConfig controls redelivery of failed tasks.
type TaskQueueRetryConfig struct {
	MaxAttempts       *int `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	MaxRetrySeconds   *int `yaml:"maxRetrySeconds,omitempty" json:"maxRetrySeconds,omitempty"`
	MaxBackoffSeconds *int `yaml:"maxBackoffSeconds,omitempty" json:"maxBackoffSeconds,omitempty"`
	MaxDoublings      *int `yaml:"maxDoublings,omitempty" json:"maxDoublings,omitempty"`
	MinBackoffSeconds *int `yaml:"minBackoffSeconds,omitempty" json:"minBackoffSeconds,omitempty"`
}

// BlockingTrigger registers the endpoint as an identity-platform lifecycle hook.
type BlockingTrigger struct {
	EventType string         `yaml:"eventType" json:"eventType" validate:"required,oneof=providers/cloud.auth/eventTypes/user.beforeCreate providers/cloud.auth/eventTypes/user.beforeSignIn"`
	Options   map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

func (*HTTPSTrigger) Kind() TriggerKind     { return TriggerKindHTTPS }
func (*CallableTrigger) Kind() TriggerKind  { return TriggerKindCallable }
func (*ScheduleTrigger) Kind() TriggerKind  { return TriggerKindSchedule }
func (*EventTrigger) Kind() TriggerKind     { return TriggerKindEvent }
func (*TaskQueueTrigger) Kind() TriggerKind { return TriggerKindTaskQueue }
func (*BlockingTrigger) Kind() TriggerKind  { return TriggerKindBlocking }

func (*HTTPSTrigger) sealed()     {}
func (*CallableTrigger) sealed()  {}
func (*ScheduleTrigger) sealed()  {}
func (*EventTrigger) sealed()     {}
func (*TaskQueueTrigger) sealed() {}
func (*BlockingTrigger) sealed()  {}

// UnknownTriggerError is returned by exhaustive switches that hit a nil or
// foreign Trigger.
type UnknownTriggerError struct {
	Trigger Trigger
}

func (e *UnknownTriggerError) Error() string {
	return fmt.Sprintf("unknown trigger type %T", e.Trigger)
}

// TriggerDescription returns the phrase used in illegal-transition messages,
// e.g. "an HTTPS". Blocking triggers are described by their event type so that
// switching between lifecycle events is also a kind change.
func TriggerDescription(t Trigger) (string, error) {
	switch tr := t.(type) {
	case *HTTPSTrigger:
		return "an HTTPS", nil
	case *CallableTrigger:
		return "a callable", nil
	case *EventTrigger:
		return "a background triggered", nil
	case *ScheduleTrigger:
		return "a scheduled", nil
	case *TaskQueueTrigger:
		return "a task queue", nil
	case *BlockingTrigger:
		return tr.EventType, nil
	default:
		return "", &UnknownTriggerError{Trigger: t}
	}
}

// IsEventTriggered reports whether the endpoint has an event trigger, returning it.
func IsEventTriggered(e *Endpoint) (*EventTrigger, bool) {
	t, ok := e.Trigger.(*EventTrigger)
	return t, ok
}

// IsScheduleTriggered reports whether the endpoint has a schedule trigger, returning it.
func IsScheduleTriggered(e *Endpoint) (*ScheduleTrigger, bool) {
	t, ok := e.Trigger.(*ScheduleTrigger)
	return t, ok
}

// IsHTTPSTriggered reports whether the endpoint has a plain HTTPS trigger, returning it.
func IsHTTPSTriggered(e *Endpoint) (*HTTPSTrigger, bool) {
	t, ok := e.Trigger.(*HTTPSTrigger)
	return t, ok
}

var (
	firestoreEventRE            = regexp.MustCompile(`^google\.cloud\.firestore\.document\.v1\.[^.]*$`)
	firestoreEventWithAuthCtxRE = regexp.MustCompile(`^google\.cloud\.firestore\.document\.v1\.[^.]*\.withAuthContext$`)
)

// IsFirestoreEvent reports whether eventType is a plain firestore document event.
func IsFirestoreEvent(eventType string) bool {
	return firestoreEventRE.MatchString(eventType)
}

// IsFirestoreEventWithAuthContext reports whether eventType is the auth-context
// variant of a firestore document event.
func IsFirestoreEventWithAuthContext(eventType string) bool {
	return firestoreEventWithAuthCtxRE.MatchString(eventType)
}
