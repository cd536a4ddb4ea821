package engine

import (
	"context"
	"testing"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

func newTestPlanner() *Planner {
	return NewPlanner(telemetry.NewNopLogger(), nil)
}

func managed(e *backend.Endpoint) *backend.Endpoint {
	e.Labels = backend.ManagedLabels(e.Labels)
	return e
}

func TestChangesetKey(t *testing.T) {
	e := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	if key := ChangesetKey(e); key != "default-us-central1-default" {
		t.Errorf("Expected default-us-central1-default, got %s", key)
	}

	memory := 512
	e.AvailableMemoryMB = &memory
	e.Codebase = "api"
	if key := ChangesetKey(e); key != "api-us-central1-512" {
		t.Errorf("Expected api-us-central1-512, got %s", key)
	}
}

func TestPlanner_CreateOnly(t *testing.T) {
	want := mustBackend(httpsEndpoint("fn", "us-central1", backend.PlatformV2))

	plan, err := newTestPlanner().CreateDeploymentPlan(context.Background(), want, backend.Empty(), PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cs, ok := plan["default-us-central1-default"]
	if !ok {
		t.Fatalf("Expected changeset default-us-central1-default, got keys %v", plan.Keys())
	}
	if len(cs.Create) != 1 || len(cs.Update) != 0 || len(cs.Delete) != 0 {
		t.Errorf("Expected one create, got %d creates, %d updates, %d deletes",
			len(cs.Create), len(cs.Update), len(cs.Delete))
	}
}

func TestPlanner_UpdateInPlace(t *testing.T) {
	have := mustBackend(scheduleEndpoint("cron", "us-central1", backend.PlatformV2))
	want := mustBackend(scheduleEndpoint("cron", "us-central1", backend.PlatformV2))

	plan, err := newTestPlanner().CreateDeploymentPlan(context.Background(), want, have, PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cs := plan["default-us-central1-default"]
	if cs == nil || len(cs.Update) != 1 {
		t.Fatalf("Expected one update, got %+v", cs)
	}
	if cs.Update[0].DeleteAndRecreate != nil {
		t.Error("Expected an in-place update")
	}
	if len(cs.Delete) != 0 {
		t.Errorf("Expected no deletes, got %d", len(cs.Delete))
	}
}

func TestPlanner_IllegalTriggerChange(t *testing.T) {
	have := mustBackend(httpsEndpoint("fn", "us-central1", backend.PlatformV2))
	want := mustBackend(pubsubEndpoint("fn", "us-central1", "orders"))

	_, err := newTestPlanner().CreateDeploymentPlan(context.Background(), want, have, PlannerOptions{})
	if !IsIllegalTransition(err) {
		t.Fatalf("Expected an illegal transition, got %v", err)
	}

	expected := "[fn(us-central1)] Changing from an HTTPS function to a background triggered function is not allowed. " +
		"Please delete your function and create a new one instead."
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}

func TestPlanner_Downgrade(t *testing.T) {
	err := CheckForIllegalUpdate(
		httpsEndpoint("fn", "us-central1", backend.PlatformV1),
		httpsEndpoint("fn", "us-central1", backend.PlatformV2),
		PlannerOptions{})

	expected := "[fn(us-central1)] Functions cannot be downgraded from GCFv2 to GCFv1"
	if err == nil || err.Error() != expected {
		t.Errorf("Expected %q, got %v", expected, err)
	}
}

func TestPlanner_Upgrade(t *testing.T) {
	want := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	have := httpsEndpoint("fn", "us-central1", backend.PlatformV1)

	err := CheckForIllegalUpdate(want, have, PlannerOptions{})
	if !IsIllegalTransition(err) {
		t.Fatalf("Expected upgrades to be rejected by default, got %v", err)
	}

	if err := CheckForIllegalUpdate(want, have, PlannerOptions{AllowV1ToV2Upgrade: true}); err != nil {
		t.Errorf("Expected upgrade to be allowed, got %v", err)
	}
}

func TestPlanner_Recreates(t *testing.T) {
	opts := PlannerOptions{AllowV1ToV2Upgrade: true}

	t.Run("topic change", func(t *testing.T) {
		u, err := CalculateUpdate(
			pubsubEndpoint("fn", "us-central1", "new"),
			pubsubEndpoint("fn", "us-central1", "old"), opts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u.DeleteAndRecreate == nil {
			t.Error("Expected a topic change to recreate")
		}
	})

	t.Run("trigger region change", func(t *testing.T) {
		event := func(region string) *backend.Endpoint {
			return endpoint("fn", "us-central1", backend.PlatformV2, &backend.EventTrigger{
				EventType: "google.cloud.storage.object.v1.finalized",
				Region:    region,
			})
		}
		u, err := CalculateUpdate(event("eu"), event("us"), opts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u.DeleteAndRecreate == nil {
			t.Error("Expected a trigger region change to recreate")
		}
	})

	t.Run("schedule upgrade", func(t *testing.T) {
		have := scheduleEndpoint("cron", "us-central1", backend.PlatformV1)
		u, err := CalculateUpdate(scheduleEndpoint("cron", "us-central1", backend.PlatformV2), have, opts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u.DeleteAndRecreate != have {
			t.Error("Expected the old schedule to be recreated")
		}
	})

	t.Run("https upgrade", func(t *testing.T) {
		u, err := CalculateUpdate(
			httpsEndpoint("fn", "us-central1", backend.PlatformV2),
			httpsEndpoint("fn", "us-central1", backend.PlatformV1), opts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u.DeleteAndRecreate != nil {
			t.Error("Expected an in-place upgrade")
		}
	})
}

func TestPlanner_UnsafeUpdate(t *testing.T) {
	firestore := func(eventType string) *backend.Endpoint {
		return endpoint("fn", "us-central1", backend.PlatformV2, &backend.EventTrigger{EventType: eventType})
	}
	u, err := CalculateUpdate(
		firestore("google.cloud.firestore.document.v1.written.withAuthContext"),
		firestore("google.cloud.firestore.document.v1.written"),
		PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !u.Unsafe {
		t.Error("Expected the update to be marked unsafe")
	}
}

func TestPlanner_DeletesOnlyManaged(t *testing.T) {
	have := mustBackend(
		managed(httpsEndpoint("ours", "us-central1", backend.PlatformV2)),
		httpsEndpoint("theirs", "us-central1", backend.PlatformV2),
	)

	plan, err := newTestPlanner().CreateDeploymentPlan(context.Background(), backend.Empty(), have, PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cs := plan["default-us-central1-default"]
	if cs == nil || len(cs.Delete) != 1 || cs.Delete[0].ID != "ours" {
		t.Fatalf("Expected only the managed endpoint to be deleted, got %+v", cs)
	}

	plan, err = newTestPlanner().CreateDeploymentPlan(context.Background(), backend.Empty(), have, PlannerOptions{DeleteAll: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n := len(plan["default-us-central1-default"].Delete); n != 2 {
		t.Errorf("Expected DeleteAll to delete both endpoints, got %d", n)
	}
}

func TestPlanner_Filters(t *testing.T) {
	want := mustBackend(
		httpsEndpoint("a", "us-central1", backend.PlatformV2),
		httpsEndpoint("b", "us-central1", backend.PlatformV2),
	)
	have := mustBackend(managed(httpsEndpoint("c", "us-central1", backend.PlatformV2)))

	plan, err := newTestPlanner().CreateDeploymentPlan(context.Background(), want, have, PlannerOptions{
		Filters: backend.ParseFilters("a"),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cs := plan["default-us-central1-default"]
	if cs == nil || len(cs.Create) != 1 || cs.Create[0].ID != "a" {
		t.Fatalf("Expected only 'a' to be created, got %+v", cs)
	}
	if len(cs.Delete) != 0 {
		t.Errorf("Expected unfiltered endpoints to be left alone, got %d deletes", len(cs.Delete))
	}
}

func TestPlanner_SkipsUnchanged(t *testing.T) {
	w := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	w.Hash = "abc"
	h := httpsEndpoint("fn", "us-central1", backend.PlatformV2)
	h.Hash = "abc"

	changesets, err := newTestPlanner().CalculateChangesets(context.Background(),
		map[string]*backend.Endpoint{"fn": w},
		map[string]*backend.Endpoint{"fn": h},
		ChangesetKey, PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cs := changesets["default-us-central1-default"]
	if len(cs.Skip) != 1 || len(cs.Update) != 0 {
		t.Errorf("Expected a skip, got %d skips and %d updates", len(cs.Skip), len(cs.Update))
	}

	w.TargetedByOnly = true
	changesets, _ = newTestPlanner().CalculateChangesets(context.Background(),
		map[string]*backend.Endpoint{"fn": w},
		map[string]*backend.Endpoint{"fn": h},
		ChangesetKey, PlannerOptions{})
	if n := len(changesets["default-us-central1-default"].Update); n != 1 {
		t.Errorf("Expected a targeted endpoint to be updated, got %d updates", n)
	}
}

func TestPlanner_GroupsByRegion(t *testing.T) {
	want := mustBackend(
		httpsEndpoint("a", "us-central1", backend.PlatformV2),
		httpsEndpoint("b", "europe-west1", backend.PlatformV2),
	)
	have := mustBackend(managed(httpsEndpoint("c", "asia-east1", backend.PlatformV2)))

	plan, err := newTestPlanner().CreateDeploymentPlan(context.Background(), want, have, PlannerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []string{"default-asia-east1-default", "default-europe-west1-default", "default-us-central1-default"}
	keys := plan.Keys()
	if len(keys) != len(expected) {
		t.Fatalf("Expected keys %v, got %v", expected, keys)
	}
	for i := range expected {
		if keys[i] != expected[i] {
			t.Errorf("Expected key %s at %d, got %s", expected[i], i, keys[i])
		}
	}

	counts := plan.Counts()
	if counts[ChangeCreate] != 2 || counts[ChangeDelete] != 1 {
		t.Errorf("Expected 2 creates and 1 delete, got %v", counts)
	}
}

func TestUpgradedToV2WithoutSettingConcurrency(t *testing.T) {
	have := mustBackend(httpsEndpoint("fn", "us-central1", backend.PlatformV1))
	want := mustBackend(httpsEndpoint("fn", "us-central1", backend.PlatformV2))

	if !UpgradedToV2WithoutSettingConcurrency(want, have) {
		t.Error("Expected the missing concurrency to be reported")
	}

	concurrency := 1
	e, _ := want.Get("us-central1", "fn")
	e.Concurrency = &concurrency
	if UpgradedToV2WithoutSettingConcurrency(want, have) {
		t.Error("Expected an explicit concurrency to silence the notice")
	}
}
