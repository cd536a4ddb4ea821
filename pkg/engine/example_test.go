package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// Example_plan shows how a wanted backend is diffed against the deployed one.
func Example_plan() {
	deployed := &backend.Endpoint{
		ID:       "resize",
		Region:   "us-central1",
		Project:  "my-project",
		Platform: backend.PlatformV2,
		Labels:   backend.ManagedLabels(nil),
		Trigger:  &backend.HTTPSTrigger{},
	}
	wanted := &backend.Endpoint{
		ID:       "thumbnail",
		Region:   "us-central1",
		Project:  "my-project",
		Platform: backend.PlatformV2,
		Trigger:  &backend.ScheduleTrigger{Schedule: "every 1 hours"},
	}

	have, _ := backend.Of(deployed)
	want, _ := backend.Of(wanted)

	planner := engine.NewPlanner(telemetry.NewNopLogger(), nil)
	plan, err := planner.CreateDeploymentPlan(context.Background(), want, have, engine.PlannerOptions{})
	if err != nil {
		fmt.Println(err)
		return
	}

	for _, key := range plan.Keys() {
		cs := plan[key]
		fmt.Printf("%s: %d create, %d update, %d delete\n", key, len(cs.Create), len(cs.Update), len(cs.Delete))
	}
	fmt.Println(engine.TriggerTag(wanted))

	// Output:
	// default-us-central1-default: 1 create, 0 update, 1 delete
	// v2.scheduled
}

// Example_illegalTransition shows the error returned for an update the
// remote side cannot perform.
func Example_illegalTransition() {
	have := &backend.Endpoint{ID: "fn", Region: "us-central1", Platform: backend.PlatformV2, Trigger: &backend.HTTPSTrigger{}}
	want := &backend.Endpoint{ID: "fn", Region: "us-central1", Platform: backend.PlatformV1, Trigger: &backend.HTTPSTrigger{}}

	err := engine.CheckForIllegalUpdate(want, have, engine.PlannerOptions{})
	fmt.Println(engine.IsIllegalTransition(err))
	fmt.Println(err)

	// Output:
	// true
	// [fn(us-central1)] Functions cannot be downgraded from GCFv2 to GCFv1
}
