package gcp

import (
	"context"
	"strings"
	"time"

	functions "cloud.google.com/go/functions/apiv1"
	"cloud.google.com/go/functions/apiv1/functionspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/openfroyo/fnrelease/pkg/backend"
)

// Labels that mark a function's trigger kind on the remote side.
const (
	labelScheduled = "deployment-scheduled"
	labelTaskQueue = "deployment-taskqueue"
	labelCallable  = "deployment-callable"
	labelBlocking  = "deployment-blocking"
)

// CloudFunction is the legacy (v1) function resource.
type CloudFunction struct {
	Name                 string
	SourceUploadURL      string
	SourceToken          string
	EntryPoint           string
	Runtime              string
	Labels               map[string]string
	EnvironmentVariables map[string]string
	AvailableMemoryMB    int
	Timeout              time.Duration
	MinInstances         int
	MaxInstances         int
	ServiceAccountEmail  string
	HTTPSTrigger         *HTTPSTriggerV1
	EventTrigger         *EventTriggerV1
}

// HTTPSTriggerV1 is the HTTPS trigger of a v1 function.
type HTTPSTriggerV1 struct {
	URL           string
	SecurityLevel string
}

// EventTriggerV1 is the event trigger of a v1 function.
type EventTriggerV1 struct {
	EventType string
	Resource  string
	Retry     bool
}

// FunctionFromEndpoint builds the v1 resource for an endpoint.
func FunctionFromEndpoint(e *backend.Endpoint, sourceURL string) (*CloudFunction, error) {
	fn := &CloudFunction{
		Name:                 backend.FunctionName(e),
		SourceUploadURL:      sourceURL,
		EntryPoint:           e.EntryPoint,
		Runtime:              e.Runtime,
		Labels:               copyLabels(e.Labels),
		EnvironmentVariables: e.EnvironmentVariables,
		ServiceAccountEmail:  e.ServiceAccount,
	}
	if e.AvailableMemoryMB != nil {
		fn.AvailableMemoryMB = *e.AvailableMemoryMB
	}
	if e.TimeoutSeconds != nil {
		fn.Timeout = time.Duration(*e.TimeoutSeconds) * time.Second
	}
	if e.MinInstances != nil {
		fn.MinInstances = *e.MinInstances
	}
	if e.MaxInstances != nil {
		fn.MaxInstances = *e.MaxInstances
	}

	switch t := e.Trigger.(type) {
	case *backend.HTTPSTrigger:
		fn.HTTPSTrigger = &HTTPSTriggerV1{}
	case *backend.CallableTrigger:
		fn.HTTPSTrigger = &HTTPSTriggerV1{}
		fn.Labels[labelCallable] = "true"
	case *backend.TaskQueueTrigger:
		fn.HTTPSTrigger = &HTTPSTriggerV1{}
		fn.Labels[labelTaskQueue] = "true"
	case *backend.BlockingTrigger:
		fn.HTTPSTrigger = &HTTPSTriggerV1{}
		fn.Labels[labelBlocking] = blockingLabel(t.EventType)
	case *backend.ScheduleTrigger:
		fn.EventTrigger = &EventTriggerV1{
			EventType: backend.LegacyPubSubEvent,
			Resource:  backend.ScheduleTopicName(e),
		}
		fn.Labels[labelScheduled] = "true"
	case *backend.EventTrigger:
		fn.EventTrigger = &EventTriggerV1{
			EventType: t.EventType,
			Resource:  t.EventFilters["resource"],
			Retry:     t.Retry,
		}
	default:
		return nil, &backend.UnknownTriggerError{Trigger: e.Trigger}
	}
	return fn, nil
}

func blockingLabel(eventType string) string {
	switch eventType {
	case backend.BeforeCreateEvent:
		return "before-create"
	case backend.BeforeSignInEvent:
		return "before-sign-in"
	default:
		return "unknown"
	}
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// parentOf returns the collection parent of a resource name, e.g.
// projects/p/locations/r for projects/p/locations/r/functions/f.
func parentOf(name, collection string) string {
	if i := strings.LastIndex(name, "/"+collection+"/"); i >= 0 {
		return name[:i]
	}
	return ""
}

// toProto converts fn into its API message.
func (fn *CloudFunction) toProto() *functionspb.CloudFunction {
	msg := &functionspb.CloudFunction{
		Name:                 fn.Name,
		SourceCode:           &functionspb.CloudFunction_SourceUploadUrl{SourceUploadUrl: fn.SourceUploadURL},
		SourceToken:          fn.SourceToken,
		EntryPoint:           fn.EntryPoint,
		Runtime:              fn.Runtime,
		Labels:               fn.Labels,
		EnvironmentVariables: fn.EnvironmentVariables,
		AvailableMemoryMb:    int32(fn.AvailableMemoryMB),
		MinInstances:         int32(fn.MinInstances),
		MaxInstances:         int32(fn.MaxInstances),
		ServiceAccountEmail:  fn.ServiceAccountEmail,
	}
	if fn.Timeout > 0 {
		msg.Timeout = durationpb.New(fn.Timeout)
	}

	switch {
	case fn.HTTPSTrigger != nil:
		msg.Trigger = &functionspb.CloudFunction_HttpsTrigger{HttpsTrigger: &functionspb.HttpsTrigger{
			SecurityLevel: functionspb.HttpsTrigger_SecurityLevel(
				functionspb.HttpsTrigger_SecurityLevel_value[fn.HTTPSTrigger.SecurityLevel]),
		}}
	case fn.EventTrigger != nil:
		et := &functionspb.EventTrigger{
			EventType: fn.EventTrigger.EventType,
			Resource:  fn.EventTrigger.Resource,
		}
		if fn.EventTrigger.Retry {
			et.FailurePolicy = &functionspb.FailurePolicy{
				Action: &functionspb.FailurePolicy_Retry_{Retry: &functionspb.FailurePolicy_Retry{}},
			}
		}
		msg.Trigger = &functionspb.CloudFunction_EventTrigger{EventTrigger: et}
	}
	return msg
}

// v1UpdateMask lists the fields an update of fn replaces.
func v1UpdateMask(fn *CloudFunction) []string {
	mask := []string{"source_upload_url", "entry_point", "runtime", "labels", "environment_variables"}
	if fn.SourceToken != "" {
		mask = append(mask, "source_token")
	}
	if fn.AvailableMemoryMB != 0 {
		mask = append(mask, "available_memory_mb")
	}
	if fn.Timeout > 0 {
		mask = append(mask, "timeout")
	}
	mask = append(mask, "min_instances", "max_instances", "service_account_email")
	if fn.HTTPSTrigger != nil {
		mask = append(mask, "https_trigger")
	}
	if fn.EventTrigger != nil {
		mask = append(mask, "event_trigger.event_type", "event_trigger.resource", "event_trigger.failure_policy")
	}
	return mask
}

// v1Handle is the surface shared by the create and update operation handles.
type v1Handle interface {
	Name() string
	Done() bool
	Metadata() (*functionspb.OperationMetadataV1, error)
	Poll(ctx context.Context, opts ...gax.CallOption) (*functionspb.CloudFunction, error)
}

func v1Operation(h v1Handle) Operation {
	return &handle{name: h.Name(), done: h.Done, poll: func(ctx context.Context) (*OperationStatus, error) {
		fn, err := h.Poll(ctx)
		if err != nil {
			return nil, err
		}
		st := &OperationStatus{Done: h.Done()}
		if md, err := h.Metadata(); err == nil {
			st.Target = md.GetTarget()
			st.SourceToken = md.GetSourceToken()
		}
		st.URI = fn.GetHttpsTrigger().GetUrl()
		return st, nil
	}}
}

// FunctionsV1 manages legacy functions.
type FunctionsV1 struct {
	client *functions.CloudFunctionsClient
}

// NewFunctionsV1 wraps a connected client.
func NewFunctionsV1(client *functions.CloudFunctionsClient) *FunctionsV1 {
	return &FunctionsV1{client: client}
}

// CreateFunction starts creation of fn.
func (f *FunctionsV1) CreateFunction(ctx context.Context, fn *CloudFunction) (Operation, error) {
	op, err := f.client.CreateFunction(ctx, &functionspb.CreateFunctionRequest{
		Location: parentOf(fn.Name, "functions"),
		Function: fn.toProto(),
	})
	if err != nil {
		return nil, err
	}
	return v1Operation(op), nil
}

// UpdateFunction starts an update of fn. Only fields set on fn are masked in.
func (f *FunctionsV1) UpdateFunction(ctx context.Context, fn *CloudFunction) (Operation, error) {
	op, err := f.client.UpdateFunction(ctx, &functionspb.UpdateFunctionRequest{
		Function:   fn.toProto(),
		UpdateMask: &fieldmaskpb.FieldMask{Paths: v1UpdateMask(fn)},
	})
	if err != nil {
		return nil, err
	}
	return v1Operation(op), nil
}

// DeleteFunction starts deletion of the named function.
func (f *FunctionsV1) DeleteFunction(ctx context.Context, name string) (Operation, error) {
	op, err := f.client.DeleteFunction(ctx, &functionspb.DeleteFunctionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return &handle{name: op.Name(), done: op.Done, poll: func(ctx context.Context) (*OperationStatus, error) {
		if err := op.Poll(ctx); err != nil {
			return nil, err
		}
		return &OperationStatus{Done: op.Done()}, nil
	}}, nil
}

// SetInvokerCreate replaces the invoker binding of a newly created function.
func (f *FunctionsV1) SetInvokerCreate(ctx context.Context, name string, invoker []string) error {
	return setInvokerCreate(ctx, f.client, name, "roles/cloudfunctions.invoker", invoker)
}

// SetInvokerUpdate merges invoker into the function's existing policy.
func (f *FunctionsV1) SetInvokerUpdate(ctx context.Context, name string, invoker []string) error {
	return setInvokerUpdate(ctx, f.client, name, "roles/cloudfunctions.invoker", invoker)
}
