package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// fakeCloud records every remote call in order. Errors queued under a call
// string are returned, one per call, before the call succeeds.
type fakeCloud struct {
	mu        sync.Mutex
	calls     []string
	errs      map[string][]error
	responses map[string]*gcp.OperationStatus
	opSeq     int

	// v2Sent holds a copy of every v2 create and update payload.
	v2Sent []gcp.CloudFunctionV2
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		errs:      make(map[string][]error),
		responses: make(map[string]*gcp.OperationStatus),
	}
}

// fakeOperation is only ever polled through fakePoller.
type fakeOperation struct{ name string }

func (o *fakeOperation) Name() string { return o.name }

func (o *fakeOperation) Poll(context.Context) (*gcp.OperationStatus, error) {
	return &gcp.OperationStatus{Done: true}, nil
}

func (c *fakeCloud) failNext(call string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[call] = append(c.errs[call], errs...)
}

func (c *fakeCloud) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if queued := c.errs[call]; len(queued) > 0 {
		c.errs[call] = queued[1:]
		return queued[0]
	}
	return nil
}

// operation records call and, on success, returns an operation whose poll
// yields response.
func (c *fakeCloud) operation(call string, response *gcp.OperationStatus) (gcp.Operation, error) {
	if err := c.record(call); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opSeq++
	name := fmt.Sprintf("operations/%d", c.opSeq)
	if response != nil {
		c.responses[name] = response
	}
	return &fakeOperation{name: name}, nil
}

func (c *fakeCloud) sentV2(fn *gcp.CloudFunctionV2) {
	sent := *fn
	if fn.EventTrigger != nil {
		et := *fn.EventTrigger
		sent.EventTrigger = &et
	}
	c.mu.Lock()
	c.v2Sent = append(c.v2Sent, sent)
	c.mu.Unlock()
}

// SentV2 returns the v2 payloads sent so far.
func (c *fakeCloud) SentV2() []gcp.CloudFunctionV2 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gcp.CloudFunctionV2(nil), c.v2Sent...)
}

func (c *fakeCloud) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallsWith returns the recorded calls starting with prefix.
func (c *fakeCloud) CallsWith(prefix string) []string {
	var out []string
	for _, call := range c.Calls() {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeCloud) Clients() Clients {
	return Clients{
		FunctionsV1: &fakeFunctionsV1{c},
		FunctionsV2: &fakeFunctionsV2{c},
		Run:         &fakeRun{c},
		Poller:      &fakePoller{c},
		Scheduler:   &fakeScheduler{c},
		PubSub:      &fakePubSub{c},
		Eventarc:    &fakeEventarc{cloud: c},
		CloudTasks:  &fakeCloudTasks{c},
		Blocking:    &fakeBlocking{c},
	}
}

type fakeFunctionsV1 struct{ cloud *fakeCloud }

func (f *fakeFunctionsV1) CreateFunction(ctx context.Context, fn *gcp.CloudFunction) (gcp.Operation, error) {
	return f.cloud.operation("v1.create "+fn.Name, v1Response(fn))
}

func (f *fakeFunctionsV1) UpdateFunction(ctx context.Context, fn *gcp.CloudFunction) (gcp.Operation, error) {
	return f.cloud.operation("v1.update "+fn.Name, v1Response(fn))
}

func (f *fakeFunctionsV1) DeleteFunction(ctx context.Context, name string) (gcp.Operation, error) {
	return f.cloud.operation("v1.delete "+name, nil)
}

func (f *fakeFunctionsV1) SetInvokerCreate(ctx context.Context, name string, invoker []string) error {
	return f.cloud.record("v1.setInvokerCreate " + name + " " + strings.Join(invoker, ","))
}

func (f *fakeFunctionsV1) SetInvokerUpdate(ctx context.Context, name string, invoker []string) error {
	return f.cloud.record("v1.setInvokerUpdate " + name + " " + strings.Join(invoker, ","))
}

func v1Response(fn *gcp.CloudFunction) *gcp.OperationStatus {
	st := &gcp.OperationStatus{Done: true, Target: fn.Name}
	if fn.HTTPSTrigger != nil {
		st.URI = "https://" + backend.LastSegment(fn.Name) + ".example.net"
	}
	return st
}

type fakeFunctionsV2 struct{ cloud *fakeCloud }

func (f *fakeFunctionsV2) CreateFunction(ctx context.Context, fn *gcp.CloudFunctionV2) (gcp.Operation, error) {
	f.cloud.sentV2(fn)
	return f.cloud.operation("v2.create "+fn.Name, v2Response(fn))
}

func (f *fakeFunctionsV2) UpdateFunction(ctx context.Context, fn *gcp.CloudFunctionV2) (gcp.Operation, error) {
	f.cloud.sentV2(fn)
	return f.cloud.operation("v2.update "+fn.Name, v2Response(fn))
}

func (f *fakeFunctionsV2) DeleteFunction(ctx context.Context, name string) (gcp.Operation, error) {
	return f.cloud.operation("v2.delete "+name, nil)
}

func v2Response(fn *gcp.CloudFunctionV2) *gcp.OperationStatus {
	return &gcp.OperationStatus{
		Done:    true,
		Target:  fn.Name,
		URI:     "https://" + backend.LastSegment(fn.Name) + ".run.example",
		Service: strings.Replace(fn.Name, "/functions/", "/services/", 1),
	}
}

type fakeRun struct{ cloud *fakeCloud }

func (r *fakeRun) SetInvokerCreate(ctx context.Context, service string, invoker []string) error {
	return r.cloud.record("run.setInvokerCreate " + service + " " + strings.Join(invoker, ","))
}

func (r *fakeRun) SetInvokerUpdate(ctx context.Context, service string, invoker []string) error {
	return r.cloud.record("run.setInvokerUpdate " + service + " " + strings.Join(invoker, ","))
}

// fakePoller completes every operation on its first poll, reporting a
// source token to OnPoll.
type fakePoller struct{ cloud *fakeCloud }

func (p *fakePoller) Poll(ctx context.Context, op gcp.Operation, opts gcp.PollOptions) (*gcp.OperationStatus, error) {
	if err := p.cloud.record("poll " + op.Name()); err != nil {
		return nil, err
	}
	p.cloud.mu.Lock()
	st := p.cloud.responses[op.Name()]
	p.cloud.mu.Unlock()
	if st == nil {
		st = &gcp.OperationStatus{Done: true}
	}
	final := *st
	final.SourceToken = "token-" + op.Name()
	if opts.OnPoll != nil {
		opts.OnPoll(&final)
	}
	return &final, nil
}

type fakeScheduler struct{ cloud *fakeCloud }

func (s *fakeScheduler) CreateOrReplaceJob(ctx context.Context, job *gcp.Job) error {
	return s.cloud.record("scheduler.upsert " + job.Name)
}

func (s *fakeScheduler) DeleteJob(ctx context.Context, name string) error {
	return s.cloud.record("scheduler.delete " + name)
}

type fakePubSub struct{ cloud *fakeCloud }

func (p *fakePubSub) CreateTopic(ctx context.Context, topic *gcp.Topic) error {
	return p.cloud.record("pubsub.create " + topic.Name)
}

func (p *fakePubSub) DeleteTopic(ctx context.Context, name string) error {
	return p.cloud.record("pubsub.delete " + name)
}

type fakeEventarc struct {
	cloud    *fakeCloud
	channels map[string]bool
}

func (e *fakeEventarc) GetChannel(ctx context.Context, name string) (*gcp.Channel, error) {
	if err := e.cloud.record("eventarc.get " + name); err != nil {
		return nil, err
	}
	if e.channels[name] {
		return &gcp.Channel{Name: name}, nil
	}
	return nil, nil
}

func (e *fakeEventarc) CreateChannel(ctx context.Context, ch *gcp.Channel) (gcp.Operation, error) {
	return e.cloud.operation("eventarc.create "+ch.Name, nil)
}

type fakeCloudTasks struct{ cloud *fakeCloud }

func (t *fakeCloudTasks) UpsertQueue(ctx context.Context, queue *gcp.Queue) (bool, error) {
	return true, t.cloud.record("tasks.upsert " + queue.Name)
}

func (t *fakeCloudTasks) UpdateQueue(ctx context.Context, queue *gcp.Queue) error {
	return t.cloud.record("tasks.update " + queue.Name + " " + queue.State)
}

func (t *fakeCloudTasks) SetEnqueuer(ctx context.Context, queue string, invoker []string) error {
	return t.cloud.record("tasks.setEnqueuer " + queue + " " + strings.Join(invoker, ","))
}

type fakeBlocking struct{ cloud *fakeCloud }

func (b *fakeBlocking) RegisterTrigger(ctx context.Context, e *backend.Endpoint) error {
	return b.cloud.record("blocking.register " + backend.FunctionName(e))
}

func (b *fakeBlocking) UnregisterTrigger(ctx context.Context, e *backend.Endpoint) error {
	return b.cloud.record("blocking.unregister " + backend.FunctionName(e))
}

// fakeTracker collects tracked events.
type fakeTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

type trackedEvent struct {
	eventType string
	params    map[string]interface{}
}

func (t *fakeTracker) Track(runID, eventType string, params map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackedEvent{eventType: eventType, params: params})
	return nil
}

func (t *fakeTracker) ofType(eventType string) []trackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []trackedEvent
	for _, ev := range t.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Endpoint builders

func endpoint(id, region string, platform backend.Platform, trigger backend.Trigger) *backend.Endpoint {
	return &backend.Endpoint{
		ID:         id,
		Region:     region,
		Project:    "project",
		Platform:   platform,
		Runtime:    "nodejs20",
		EntryPoint: id,
		Trigger:    trigger,
	}
}

func httpsEndpoint(id, region string, platform backend.Platform) *backend.Endpoint {
	return endpoint(id, region, platform, &backend.HTTPSTrigger{})
}

func scheduleEndpoint(id, region string, platform backend.Platform) *backend.Endpoint {
	return endpoint(id, region, platform, &backend.ScheduleTrigger{Schedule: "every 5 minutes"})
}

func pubsubEndpoint(id, region, topic string) *backend.Endpoint {
	return endpoint(id, region, backend.PlatformV2, &backend.EventTrigger{
		EventType:    backend.PubSubPublishEvent,
		EventFilters: map[string]string{"topic": topic},
	})
}

func mustBackend(eps ...*backend.Endpoint) *backend.Backend {
	b, err := backend.Of(eps...)
	if err != nil {
		panic(err)
	}
	return b
}

func testSources() map[string]Source {
	return map[string]Source{
		backend.DefaultCodebase: {
			SourceURL: "https://upload.example/source.zip",
			Storage:   &gcp.StorageSource{Bucket: "bucket", Object: "source.zip"},
		},
	}
}

func newTestFabricator(cloud *fakeCloud) *Fabricator {
	return NewFabricator(FabricatorOptions{
		Clients:           cloud.Clients(),
		Sources:           testSources(),
		AppEngineLocation: "us-central1",
		ProjectNumber:     "123456",
		Logger:            telemetry.NewNopLogger(),
	})
}
