package gcp

import (
	"context"
	"fmt"
	"sort"

	functions "cloud.google.com/go/functions/apiv2"
	"cloud.google.com/go/functions/apiv2/functionspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/openfroyo/fnrelease/pkg/backend"
)

// CloudFunctionV2 is the current-platform function resource.
type CloudFunctionV2 struct {
	Name          string
	Labels        map[string]string
	BuildConfig   BuildConfig
	ServiceConfig ServiceConfig
	EventTrigger  *EventTriggerV2
}

// BuildConfig describes how the function is built.
type BuildConfig struct {
	Runtime     string
	EntryPoint  string
	Storage     *StorageSource
	SourceToken string
}

// StorageSource is an object in a storage bucket.
type StorageSource struct {
	Bucket     string `yaml:"bucket" json:"bucket"`
	Object     string `yaml:"object" json:"object"`
	Generation int64  `yaml:"generation,omitempty" json:"generation,omitempty"`
}

// ServiceConfig describes the backing service.
type ServiceConfig struct {
	AvailableMemory               string
	AvailableCPU                  string
	TimeoutSeconds                int
	MinInstanceCount              int
	MaxInstanceCount              int
	MaxInstanceRequestConcurrency int
	ServiceAccountEmail           string
	EnvironmentVariables          map[string]string
}

// EventTriggerV2 is the event trigger of a v2 function.
type EventTriggerV2 struct {
	EventType           string
	EventFilters        []EventFilter
	PubsubTopic         string
	TriggerRegion       string
	Channel             string
	Retry               bool
	ServiceAccountEmail string
}

// EventFilter is one attribute match of a v2 event trigger.
type EventFilter struct {
	Attribute string
	Value     string
	Operator  string
}

// FunctionV2FromEndpoint builds the v2 resource for an endpoint.
func FunctionV2FromEndpoint(e *backend.Endpoint, storage *StorageSource) (*CloudFunctionV2, error) {
	fn := &CloudFunctionV2{
		Name:   backend.FunctionName(e),
		Labels: copyLabels(e.Labels),
		BuildConfig: BuildConfig{
			Runtime:    e.Runtime,
			EntryPoint: e.EntryPoint,
			Storage:    storage,
		},
		ServiceConfig: ServiceConfig{
			ServiceAccountEmail:  e.ServiceAccount,
			EnvironmentVariables: e.EnvironmentVariables,
		},
	}
	if e.AvailableMemoryMB != nil {
		fn.ServiceConfig.AvailableMemory = fmt.Sprintf("%dMi", *e.AvailableMemoryMB)
	}
	if e.CPU != nil {
		fn.ServiceConfig.AvailableCPU = fmt.Sprintf("%g", *e.CPU)
	}
	if e.TimeoutSeconds != nil {
		fn.ServiceConfig.TimeoutSeconds = *e.TimeoutSeconds
	}
	if e.MinInstances != nil {
		fn.ServiceConfig.MinInstanceCount = *e.MinInstances
	}
	if e.MaxInstances != nil {
		fn.ServiceConfig.MaxInstanceCount = *e.MaxInstances
	}
	if e.Concurrency != nil {
		fn.ServiceConfig.MaxInstanceRequestConcurrency = *e.Concurrency
	}

	switch t := e.Trigger.(type) {
	case *backend.HTTPSTrigger:
	case *backend.CallableTrigger:
		fn.Labels[labelCallable] = "true"
	case *backend.TaskQueueTrigger:
		fn.Labels[labelTaskQueue] = "true"
	case *backend.BlockingTrigger:
		fn.Labels[labelBlocking] = blockingLabel(t.EventType)
	case *backend.ScheduleTrigger:
		fn.Labels[labelScheduled] = "true"
	case *backend.EventTrigger:
		fn.EventTrigger = eventTriggerV2(e, t)
	default:
		return nil, &backend.UnknownTriggerError{Trigger: e.Trigger}
	}
	return fn, nil
}

func eventTriggerV2(e *backend.Endpoint, t *backend.EventTrigger) *EventTriggerV2 {
	et := &EventTriggerV2{
		EventType:           t.EventType,
		TriggerRegion:       t.Region,
		Channel:             t.Channel,
		ServiceAccountEmail: t.ServiceAccount,
		Retry:               t.Retry,
	}

	keys := make([]string, 0, len(t.EventFilters))
	for k := range t.EventFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := t.EventFilters[k]
		if t.EventType == backend.PubSubPublishEvent && k == "topic" {
			et.PubsubTopic = backend.TopicName(e.Project, v)
			continue
		}
		et.EventFilters = append(et.EventFilters, EventFilter{Attribute: k, Value: v})
	}

	keys = keys[:0]
	for k := range t.EventFilterPathPatterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		et.EventFilters = append(et.EventFilters, EventFilter{
			Attribute: k,
			Value:     t.EventFilterPathPatterns[k],
			Operator:  "match-path-pattern",
		})
	}
	return et
}

func (fn *CloudFunctionV2) toProto() *functionspb.Function {
	sc := fn.ServiceConfig
	msg := &functionspb.Function{
		Name:        fn.Name,
		Environment: functionspb.Environment_GEN_2,
		Labels:      fn.Labels,
		BuildConfig: &functionspb.BuildConfig{
			Runtime:    fn.BuildConfig.Runtime,
			EntryPoint: fn.BuildConfig.EntryPoint,
		},
		ServiceConfig: &functionspb.ServiceConfig{
			AvailableMemory:               sc.AvailableMemory,
			AvailableCpu:                  sc.AvailableCPU,
			TimeoutSeconds:                int32(sc.TimeoutSeconds),
			MinInstanceCount:              int32(sc.MinInstanceCount),
			MaxInstanceCount:              int32(sc.MaxInstanceCount),
			MaxInstanceRequestConcurrency: int32(sc.MaxInstanceRequestConcurrency),
			ServiceAccountEmail:           sc.ServiceAccountEmail,
			EnvironmentVariables:          sc.EnvironmentVariables,
		},
	}
	if s := fn.BuildConfig.Storage; s != nil {
		msg.BuildConfig.Source = &functionspb.Source{Source: &functionspb.Source_StorageSource{
			StorageSource: &functionspb.StorageSource{Bucket: s.Bucket, Object: s.Object, Generation: s.Generation},
		}}
	}
	setSourceToken(msg.BuildConfig, fn.BuildConfig.SourceToken)

	if t := fn.EventTrigger; t != nil {
		et := &functionspb.EventTrigger{
			EventType:           t.EventType,
			PubsubTopic:         t.PubsubTopic,
			TriggerRegion:       t.TriggerRegion,
			Channel:             t.Channel,
			ServiceAccountEmail: t.ServiceAccountEmail,
			RetryPolicy:         functionspb.EventTrigger_RETRY_POLICY_DO_NOT_RETRY,
		}
		if t.Retry {
			et.RetryPolicy = functionspb.EventTrigger_RETRY_POLICY_RETRY
		}
		for _, f := range t.EventFilters {
			et.EventFilters = append(et.EventFilters, &functionspb.EventFilter{
				Attribute: f.Attribute,
				Value:     f.Value,
				Operator:  f.Operator,
			})
		}
		msg.EventTrigger = et
	}
	return msg
}

// setSourceToken sets build_config.source_token. The field is restricted to
// some API surfaces, so it is only written when the descriptor declares it.
func setSourceToken(bc *functionspb.BuildConfig, token string) {
	if token == "" {
		return
	}
	m := bc.ProtoReflect()
	fd := m.Descriptor().Fields().ByName("source_token")
	if fd != nil && fd.Kind() == protoreflect.StringKind {
		m.Set(fd, protoreflect.ValueOfString(token))
	}
}

// v2Handle is the surface shared by the create and update operation handles.
type v2Handle interface {
	Name() string
	Done() bool
	Metadata() (*functionspb.OperationMetadata, error)
	Poll(ctx context.Context, opts ...gax.CallOption) (*functionspb.Function, error)
}

func v2Operation(h v2Handle) Operation {
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
		st.URI = fn.GetServiceConfig().GetUri()
		st.Service = fn.GetServiceConfig().GetService()
		return st, nil
	}}
}

// FunctionsV2 manages current-platform functions.
type FunctionsV2 struct {
	client *functions.FunctionClient
}

// NewFunctionsV2 wraps a connected client.
func NewFunctionsV2(client *functions.FunctionClient) *FunctionsV2 {
	return &FunctionsV2{client: client}
}

// CreateFunction starts creation of fn.
func (f *FunctionsV2) CreateFunction(ctx context.Context, fn *CloudFunctionV2) (Operation, error) {
	op, err := f.client.CreateFunction(ctx, &functionspb.CreateFunctionRequest{
		Parent:     parentOf(fn.Name, "functions"),
		Function:   fn.toProto(),
		FunctionId: backend.LastSegment(fn.Name),
	})
	if err != nil {
		return nil, err
	}
	return v2Operation(op), nil
}

// UpdateFunction starts an update of fn.
func (f *FunctionsV2) UpdateFunction(ctx context.Context, fn *CloudFunctionV2) (Operation, error) {
	mask := []string{"labels", "build_config", "service_config"}
	if fn.EventTrigger != nil {
		mask = append(mask, "event_trigger")
	}
	op, err := f.client.UpdateFunction(ctx, &functionspb.UpdateFunctionRequest{
		Function:   fn.toProto(),
		UpdateMask: &fieldmaskpb.FieldMask{Paths: mask},
	})
	if err != nil {
		return nil, err
	}
	return v2Operation(op), nil
}

// DeleteFunction starts deletion of the named function.
func (f *FunctionsV2) DeleteFunction(ctx context.Context, name string) (Operation, error) {
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
