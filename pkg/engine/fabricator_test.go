package engine

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

const (
	testFn      = "projects/project/locations/us-central1/functions/"
	testService = "projects/project/locations/us-central1/services/"
)

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected calls:\n%q\ngot:\n%q", want, got)
	}
}

func TestFabricator_CreateV2HTTPS(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Key:    "default-us-central1-default",
		Create: []*backend.Endpoint{want},
	})

	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Expected one successful result, got %+v", results)
	}

	assertCalls(t, cloud.Calls(), []string{
		"v2.create " + testFn + "fn",
		"poll operations/1",
		"run.setInvokerCreate " + testService + "fn public",
	})

	if want.URI != "https://fn.run.example" {
		t.Errorf("Expected URI to be recorded, got %q", want.URI)
	}
	if want.RunServiceID != "fn" {
		t.Errorf("Expected run service id 'fn', got %q", want.RunServiceID)
	}
	if _, ok := want.Labels[backend.DeploymentToolLabel]; ok {
		t.Error("Expected the wanted endpoint labels to be left untouched")
	}
}

func TestFabricator_CreateV1HTTPS(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := httpsEndpoint("fn", "us-central1", backend.PlatformV1)
	want.Trigger = &backend.HTTPSTrigger{Invoker: []string{"alice@example.com"}}
	results := fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	if results[0].Err != nil {
		t.Fatalf("Expected success, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"v1.create " + testFn + "fn",
		"poll operations/1",
		"v1.setInvokerCreate " + testFn + "fn alice@example.com",
	})
	if want.URI != "https://fn.example.net" {
		t.Errorf("Expected URI from the https trigger, got %q", want.URI)
	}
}

func TestFabricator_CreatePrivateHTTPS(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	want.Trigger = &backend.HTTPSTrigger{Invoker: []string{"private"}}
	fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	if calls := cloud.CallsWith("run."); len(calls) != 0 {
		t.Errorf("Expected no invoker calls for a private function, got %v", calls)
	}
}

func TestFabricator_UpdateV2Schedule(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	have := scheduleEndpoint("cron", "us-central1", backend.PlatformV2)
	want := scheduleEndpoint("cron", "us-central1", backend.PlatformV2)
	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Update: []EndpointUpdate{{Endpoint: want, Old: have}},
	})

	if results[0].Err != nil {
		t.Fatalf("Expected success, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"v2.update " + testFn + "cron",
		"poll operations/1",
		"scheduler.upsert " + backend.JobName(want, "us-central1"),
		"run.setInvokerUpdate " + testService + "cron 123456-compute@developer.gserviceaccount.com",
	})
	if calls := cloud.CallsWith("v2.delete"); len(calls) != 0 {
		t.Errorf("Expected no deletes, got %v", calls)
	}
}

func TestFabricator_AbortsDeletesAfterFailure(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("v2.create "+testFn+"bad", status.Error(codes.InvalidArgument, "bad request"))
	fab := newTestFabricator(cloud)

	bad := httpsEndpoint("bad", "us-central1", backend.PlatformV2)
	old := httpsEndpoint("old", "us-central1", backend.PlatformV2)
	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{bad},
		Delete: []*backend.Endpoint{old},
	})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.Endpoint {
		case bad:
			de, ok := AsDeploymentError(r.Err)
			if !ok || de.Op != OpCreate {
				t.Errorf("Expected a create DeploymentError, got %v", r.Err)
			}
			if r.Status() != ResultError {
				t.Errorf("Expected status error, got %s", r.Status())
			}
		case old:
			if !IsAborted(r.Err) {
				t.Errorf("Expected an aborted delete, got %v", r.Err)
			}
			if r.Duration != 0 {
				t.Errorf("Expected zero duration for an aborted delete, got %s", r.Duration)
			}
		}
	}
	if calls := cloud.CallsWith("v2.delete"); len(calls) != 0 {
		t.Errorf("Expected no delete calls, got %v", calls)
	}
}

func TestFabricator_DeletesAfterUpserts(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{httpsEndpoint("new", "us-central1", backend.PlatformV2)},
		Delete: []*backend.Endpoint{httpsEndpoint("old", "us-central1", backend.PlatformV2)},
	})
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("Expected no errors, got %v", r.Err)
		}
	}

	calls := cloud.Calls()
	deleteAt, invokerAt := -1, -1
	for i, call := range calls {
		switch call {
		case "v2.delete " + testFn + "old":
			deleteAt = i
		case "run.setInvokerCreate " + testService + "new public":
			invokerAt = i
		}
	}
	if deleteAt < 0 || invokerAt < 0 || deleteAt < invokerAt {
		t.Errorf("Expected the delete after the create finished, got %v", calls)
	}
}

func TestFabricator_DeleteAndRecreate(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	storageEvent := func(region string) *backend.Endpoint {
		return endpoint("fn", "us-central1", backend.PlatformV2, &backend.EventTrigger{
			EventType:    "google.cloud.storage.object.v1.finalized",
			EventFilters: map[string]string{"bucket": "b"},
			Region:       region,
		})
	}
	have, want := storageEvent("us"), storageEvent("eu")

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Update: []EndpointUpdate{{Endpoint: want, Old: have, DeleteAndRecreate: have}},
	})
	if results[0].Err != nil {
		t.Fatalf("Expected success, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"v2.delete " + testFn + "fn",
		"poll operations/1",
		"v2.create " + testFn + "fn",
		"poll operations/2",
	})
}

func exhaustedOperation() error {
	return &gcp.OperationError{Operation: "operations/x", Err: status.Error(codes.ResourceExhausted, "exhausted")}
}

func TestFabricator_RetriesCreateAfterResourceExhausted(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("v2.create "+testFn+"fn", exhaustedOperation())
	fab := newTestFabricator(cloud)

	want := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	results := fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	if results[0].Err != nil {
		t.Fatalf("Expected the retry to succeed, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"v2.create " + testFn + "fn",
		"v2.delete " + testFn + "fn",
		"poll operations/1",
		"v2.create " + testFn + "fn",
		"poll operations/2",
		"run.setInvokerCreate " + testService + "fn public",
	})
}

func TestFabricator_ResourceExhaustedRetriedOnce(t *testing.T) {
	cloud := newFakeCloud()
	exhausted := exhaustedOperation()
	cloud.failNext("v2.create "+testFn+"fn", exhausted, exhausted)
	fab := newTestFabricator(cloud)

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{httpsEndpoint("fn", "us-central1", backend.PlatformV2)},
	})

	if status.Code(results[0].Err) != codes.ResourceExhausted {
		t.Fatalf("Expected the exhaustion error to surface, got %v", results[0].Err)
	}
	if n := len(cloud.CallsWith("v2.create")); n != 2 {
		t.Errorf("Expected 2 create attempts, got %d", n)
	}
}

func TestFabricator_DeleteV1Schedule(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	old := scheduleEndpoint("cron", "europe-west1", backend.PlatformV1)
	results := fab.ApplyChangeset(context.Background(), &Changeset{Delete: []*backend.Endpoint{old}})

	if results[0].Err != nil {
		t.Fatalf("Expected success, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"scheduler.delete " + backend.JobName(old, "us-central1"),
		"pubsub.delete " + backend.ScheduleTopicName(old),
		"v1.delete projects/project/locations/europe-west1/functions/cron",
		"poll operations/1",
	})
}

func TestFabricator_DeleteTaskQueue(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	old := endpoint("tq", "us-central1", backend.PlatformV2, &backend.TaskQueueTrigger{})
	fab.ApplyChangeset(context.Background(), &Changeset{Delete: []*backend.Endpoint{old}})

	assertCalls(t, cloud.Calls(), []string{
		"tasks.update " + backend.QueueName(old) + " DISABLED",
		"v2.delete " + testFn + "tq",
		"poll operations/1",
	})
}

func TestFabricator_CreateTaskQueueWithInvoker(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := endpoint("tq", "us-central1", backend.PlatformV2, &backend.TaskQueueTrigger{
		Invoker: []string{"svc@example.com"},
	})
	fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	assertCalls(t, cloud.Calls(), []string{
		"v2.create " + testFn + "tq",
		"poll operations/1",
		"tasks.upsert " + backend.QueueName(want),
		"tasks.setEnqueuer " + backend.QueueName(want) + " svc@example.com",
		"run.setInvokerCreate " + testService + "tq svc@example.com",
	})
}

func TestFabricator_CreateV1Blocking(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := endpoint("auth", "us-central1", backend.PlatformV1, &backend.BlockingTrigger{
		EventType: backend.BeforeCreateEvent,
	})
	fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	assertCalls(t, cloud.Calls(), []string{
		"v1.create " + testFn + "auth",
		"poll operations/1",
		"blocking.register " + testFn + "auth",
		"v1.setInvokerCreate " + testFn + "auth public",
	})
}

func TestFabricator_CreatePubSubIgnoresExistingTopic(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("pubsub.create projects/project/topics/orders", status.Error(codes.AlreadyExists, "exists"))
	fab := newTestFabricator(cloud)

	want := pubsubEndpoint("onorder", "us-central1", "orders")
	results := fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	if results[0].Err != nil {
		t.Fatalf("Expected an existing topic to be ignored, got %v", results[0].Err)
	}
	assertCalls(t, cloud.Calls(), []string{
		"pubsub.create projects/project/topics/orders",
		"v2.create " + testFn + "onorder",
		"poll operations/1",
	})
}

func TestFabricator_CreateEnsuresChannel(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	channel := "projects/project/locations/us-central1/channels/ext"
	want := endpoint("onext", "us-central1", backend.PlatformV2, &backend.EventTrigger{
		EventType: "firebase.extensions.storage-resize-images.v1.complete",
		Channel:   channel,
	})
	fab.ApplyChangeset(context.Background(), &Changeset{Create: []*backend.Endpoint{want}})

	assertCalls(t, cloud.Calls(), []string{
		"eventarc.get " + channel,
		"eventarc.create " + channel,
		"poll operations/1",
		"v2.create " + testFn + "onext",
		"poll operations/2",
	})
}

func TestFabricator_MissingSource(t *testing.T) {
	cloud := newFakeCloud()
	fab := NewFabricator(FabricatorOptions{Clients: cloud.Clients(), Logger: telemetry.NewNopLogger()})

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{httpsEndpoint("fn", "us-central1", backend.PlatformV2)},
	})

	de, ok := AsDeploymentError(results[0].Err)
	if !ok || de.Op != OpCreate {
		t.Fatalf("Expected a create DeploymentError, got %v", results[0].Err)
	}
	if len(cloud.Calls()) != 0 {
		t.Errorf("Expected no remote calls, got %v", cloud.Calls())
	}
}

func TestFabricator_SkippedEndpoints(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Skip: []*backend.Endpoint{httpsEndpoint("same", "us-central1", backend.PlatformV2)},
	})

	if len(results) != 1 || !results[0].Skipped || results[0].Status() != ResultSkipped {
		t.Fatalf("Expected one skipped result, got %+v", results)
	}
	if len(cloud.Calls()) != 0 {
		t.Errorf("Expected no remote calls, got %v", cloud.Calls())
	}
}

func TestFabricator_ApplyPlan(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	east := httpsEndpoint("a", "us-east1", backend.PlatformV1)
	west := httpsEndpoint("b", "us-west1", backend.PlatformV2)
	bad := httpsEndpoint("c", "us-west1", backend.PlatformV2)
	cloud.failNext("v2.create projects/project/locations/us-west1/functions/c", status.Error(codes.InvalidArgument, "bad"))

	summary := fab.ApplyPlan(context.Background(), Plan{
		"default-us-east1-default": {Key: "default-us-east1-default", Create: []*backend.Endpoint{east}},
		"default-us-west1-default": {Key: "default-us-west1-default", Create: []*backend.Endpoint{west, bad}},
	})

	if summary.RunID == "" {
		t.Error("Expected a run id")
	}
	if len(summary.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(summary.Results))
	}

	// v2 endpoints sort first
	ids := []string{summary.Results[0].Endpoint.ID, summary.Results[1].Endpoint.ID, summary.Results[2].Endpoint.ID}
	if !reflect.DeepEqual(ids, []string{"b", "c", "a"}) {
		t.Errorf("Expected results sorted [b c a], got %v", ids)
	}
	if summary.Status() != RunStatusPartial {
		t.Errorf("Expected partial status, got %s", summary.Status())
	}
	if len(summary.Failures()) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(summary.Failures()))
	}
}

func TestFabricator_QueueExecutorRetries(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("run.setInvokerCreate "+testService+"fn public", status.Error(codes.ResourceExhausted, "slow down"))

	triggers := NewQueueExecutor(NewQueue(QueueOptions{
		Name:        "triggers",
		Concurrency: 4,
		Retries:     2,
		Backoff:     time.Millisecond,
	}, nil, nil))
	fab := NewFabricator(FabricatorOptions{
		Executor:         triggers,
		FunctionExecutor: InlineExecutor{},
		Clients:          cloud.Clients(),
		Sources:          testSources(),
		Logger:           telemetry.NewNopLogger(),
	})

	summary := fab.ApplyPlan(context.Background(), Plan{
		"k": {Key: "k", Create: []*backend.Endpoint{httpsEndpoint("fn", "us-central1", backend.PlatformV2)}},
	})

	if summary.HasFailures() {
		t.Fatalf("Expected the throttled call to be retried, got %v", summary.Results[0].Err)
	}
	if stats := triggers.Queue().Stats(); stats.Retried != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.Retried)
	}
}

func TestFabricator_ErrorMessage(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("v1.create "+testFn+"fn", errors.New("boom"))
	fab := newTestFabricator(cloud)

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{httpsEndpoint("fn", "us-central1", backend.PlatformV1)},
	})

	expected := "Failed to create function fn(us-central1) in region us-central1"
	if results[0].Err == nil || results[0].Err.Error() != expected {
		t.Errorf("Expected %q, got %v", expected, results[0].Err)
	}
}

func TestFabricator_UpdateV2PubSubOmitsTopic(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	want := pubsubEndpoint("onorder", "us-central1", "orders")
	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Update: []EndpointUpdate{{Endpoint: want, Old: pubsubEndpoint("onorder", "us-central1", "orders")}},
	})
	if results[0].Err != nil {
		t.Fatalf("Expected success, got %v", results[0].Err)
	}

	sent := cloud.SentV2()
	if len(sent) != 1 || sent[0].EventTrigger == nil {
		t.Fatalf("Expected one v2 update with an event trigger, got %+v", sent)
	}
	if topic := sent[0].EventTrigger.PubsubTopic; topic != "" {
		t.Errorf("Expected the update to omit the topic, got %q", topic)
	}
	if calls := cloud.CallsWith("pubsub.create"); len(calls) != 0 {
		t.Errorf("Expected no topic creation on update, got %v", calls)
	}
}

func TestFabricator_SiblingsReuseSeedToken(t *testing.T) {
	cloud := newFakeCloud()
	fab := newTestFabricator(cloud)

	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{
			httpsEndpoint("a", "us-central1", backend.PlatformV2),
			httpsEndpoint("b", "us-central1", backend.PlatformV2),
			httpsEndpoint("c", "us-central1", backend.PlatformV2),
		},
	})
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("Expected no errors, got %v", r.Err)
		}
	}

	var tokens []string
	for _, fn := range cloud.SentV2() {
		tokens = append(tokens, fn.BuildConfig.SourceToken)
	}
	slices.Sort(tokens)
	expected := []string{"", "token-operations/1", "token-operations/1"}
	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected tokens %q, got %q", expected, tokens)
	}
}

func TestFabricator_FailedSeedRetryDoesNotWaitForToken(t *testing.T) {
	cloud := newFakeCloud()
	cloud.failNext("v2.create "+testFn+"fn", status.Error(codes.ResourceExhausted, "slow down"))

	functions := NewQueueExecutor(NewQueue(QueueOptions{
		Name:        "functions",
		Concurrency: 1,
		Retries:     1,
		Backoff:     time.Millisecond,
	}, nil, nil))
	fab := NewFabricator(FabricatorOptions{
		FunctionExecutor:        functions,
		Clients:                 cloud.Clients(),
		Sources:                 testSources(),
		SourceTokenFetchTimeout: 2 * time.Second,
		Logger:                  telemetry.NewNopLogger(),
	})

	start := time.Now()
	results := fab.ApplyChangeset(context.Background(), &Changeset{
		Create: []*backend.Endpoint{httpsEndpoint("fn", "us-central1", backend.PlatformV2)},
	})
	elapsed := time.Since(start)

	if results[0].Err != nil {
		t.Fatalf("Expected the retry to succeed, got %v", results[0].Err)
	}
	if elapsed > time.Second {
		t.Errorf("Expected the retry to skip the token wait, took %s", elapsed)
	}
	if n := len(cloud.CallsWith("v2.create")); n != 2 {
		t.Errorf("Expected 2 create attempts, got %d", n)
	}
}

func TestFabricator_SetTriggerReportsOperation(t *testing.T) {
	fab := newTestFabricator(newFakeCloud())

	e := endpoint("fn", "us-central1", backend.PlatformV2, nil)
	err := fab.setTrigger(context.Background(), e, OpUpdate)

	de, ok := AsDeploymentError(err)
	if !ok {
		t.Fatalf("Expected a DeploymentError, got %v", err)
	}
	if de.Op != OpUpdate {
		t.Errorf("Expected op %s, got %s", OpUpdate, de.Op)
	}
}

func TestInvokerFor(t *testing.T) {
	tests := []struct {
		name     string
		endpoint *backend.Endpoint
		create   bool
		expected []string
	}{
		{"https create default", httpsEndpoint("f", "r", backend.PlatformV2), true, []string{"public"}},
		{"https update default", httpsEndpoint("f", "r", backend.PlatformV2), false, nil},
		{"https create private", endpoint("f", "r", backend.PlatformV2, &backend.HTTPSTrigger{Invoker: []string{"private"}}), true, nil},
		{"https update explicit", endpoint("f", "r", backend.PlatformV2, &backend.HTTPSTrigger{Invoker: []string{"private"}}), false, []string{"private"}},
		{"callable create", endpoint("f", "r", backend.PlatformV2, &backend.CallableTrigger{}), true, []string{"public"}},
		{"callable update", endpoint("f", "r", backend.PlatformV2, &backend.CallableTrigger{}), false, nil},
		{"task queue unset", endpoint("f", "r", backend.PlatformV2, &backend.TaskQueueTrigger{}), true, nil},
		{"task queue set", endpoint("f", "r", backend.PlatformV2, &backend.TaskQueueTrigger{Invoker: []string{"a"}}), false, []string{"a"}},
		{"blocking update", endpoint("f", "r", backend.PlatformV1, &backend.BlockingTrigger{EventType: backend.BeforeSignInEvent}), false, []string{"public"}},
		{"v1 schedule", scheduleEndpoint("f", "r", backend.PlatformV1), true, nil},
		{"v2 schedule", scheduleEndpoint("f", "r", backend.PlatformV2), false, []string{"42-compute@developer.gserviceaccount.com"}},
		{"event", pubsubEndpoint("f", "r", "t"), true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InvokerFor(tt.endpoint, tt.create, "42")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}

	if _, err := InvokerFor(&backend.Endpoint{}, true, "42"); err == nil {
		t.Error("Expected an error for a missing trigger")
	}
}
