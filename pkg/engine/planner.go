package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// Planner diffs wanted and deployed backends into a deployment plan.
// Planning makes no remote calls.
type Planner struct {
	// logger for planning advisories, nil falls back to the context logger
	logger *telemetry.Logger

	// metrics records planned change counts, may be nil
	metrics *telemetry.Metrics
}

// NewPlanner creates a new planner.
func NewPlanner(logger *telemetry.Logger, metrics *telemetry.Metrics) *Planner {
	if logger != nil {
		logger = logger.NewComponentLogger("planner")
	}
	return &Planner{
		logger:  logger,
		metrics: metrics,
	}
}

// ChangesetKey groups endpoints that share a build configuration:
// <codebase>-<region>-<memory|default>.
func ChangesetKey(e *backend.Endpoint) string {
	memory := "default"
	if e.AvailableMemoryMB != nil {
		memory = fmt.Sprintf("%d", *e.AvailableMemoryMB)
	}
	return fmt.Sprintf("%s-%s-%s", e.CodebaseOrDefault(), e.Region, memory)
}

// CreateDeploymentPlan restricts both backends to the filtered endpoints and
// computes the changesets of every region present on either side. An illegal
// update anywhere fails the whole plan.
func (p *Planner) CreateDeploymentPlan(ctx context.Context, want, have *backend.Backend, opts PlannerOptions) (Plan, error) {
	log := p.log(ctx)

	// Restrict the wanted side to the filters
	want = want.Matching(func(e *backend.Endpoint) bool {
		return backend.MatchesAnyFilter(e, opts.Filters)
	})

	// Keep deployed endpoints that are still wanted or fall under a filter
	have = have.Matching(func(e *backend.Endpoint) bool {
		return want.Has(e) || backend.MatchesAnyFilter(e, opts.Filters)
	})

	// Union the regions of both sides
	regions := append(want.Regions(), have.Regions()...)
	sort.Strings(regions)
	regions = slices.Compact(regions)

	plan := Plan{}
	for _, region := range regions {
		changesets, err := p.CalculateChangesets(ctx, want.Regional(region), have.Regional(region), ChangesetKey, opts)
		if err != nil {
			return nil, err
		}
		for key, cs := range changesets {
			plan[key] = cs
		}
	}

	if UpgradedToV2WithoutSettingConcurrency(want, have) {
		log.Warn("You are updating one or more functions to the v2 platform, " +
			"which introduces support for concurrent execution. New functions " +
			"default to 80 concurrent executions, but existing functions keep the " +
			"old default of 1. You can change this with the 'concurrency' option.")
	}

	for kind, n := range plan.Counts() {
		p.metrics.RecordPlanChanges(string(kind), n)
	}

	return plan, nil
}

// CalculateChangesets diffs the endpoints of one region, grouping the
// changes with keyFn.
func (p *Planner) CalculateChangesets(
	ctx context.Context,
	want, have map[string]*backend.Endpoint,
	keyFn func(*backend.Endpoint) string,
	opts PlannerOptions,
) (map[string]*Changeset, error) {
	result := make(map[string]*Changeset)
	changeset := func(e *backend.Endpoint) *Changeset {
		key := keyFn(e)
		cs, ok := result[key]
		if !ok {
			cs = &Changeset{Key: key}
			result[key] = cs
		}
		return cs
	}

	skipped := 0
	for _, id := range sortedIDs(want) {
		w := want[id]
		h, exists := have[id]

		// Create anything not yet deployed
		if !exists {
			cs := changeset(w)
			cs.Create = append(cs.Create, w)
			continue
		}

		// Skip unchanged sources unless explicitly targeted
		if shouldSkip(w, h) {
			cs := changeset(w)
			cs.Skip = append(cs.Skip, w)
			skipped++
			continue
		}

		update, err := CalculateUpdate(w, h, opts)
		if err != nil {
			return nil, err
		}
		if update.Unsafe {
			p.log(ctx).WithEndpoint(backend.Label(w), w.Region).
				Warn("Updating the event type to the auth context variant changes which events are delivered")
		}
		cs := changeset(w)
		cs.Update = append(cs.Update, update)
	}

	// Delete deployed endpoints that are no longer wanted, if we own them
	for _, id := range sortedIDs(have) {
		h := have[id]
		if _, wanted := want[id]; wanted {
			continue
		}
		if !opts.DeleteAll && !backend.IsManaged(h.Labels) {
			continue
		}
		cs := changeset(h)
		cs.Delete = append(cs.Delete, h)
	}

	if skipped > 0 {
		p.log(ctx).Infof("Skipping the deploy of %d unchanged function(s)", skipped)
	}

	return result, nil
}

func shouldSkip(want, have *backend.Endpoint) bool {
	return !want.TargetedByOnly &&
		want.Hash != "" &&
		have.Hash != "" &&
		want.Hash == have.Hash
}

// CalculateUpdate builds the update of have into want. It fails on an
// illegal transition and attaches the old endpoint as a recreate marker
// when the change cannot be applied in place.
func CalculateUpdate(want, have *backend.Endpoint, opts PlannerOptions) (EndpointUpdate, error) {
	if err := CheckForIllegalUpdate(want, have, opts); err != nil {
		return EndpointUpdate{}, err
	}

	update := EndpointUpdate{
		Endpoint: want,
		Old:      have,
		Unsafe:   CheckForUnsafeUpdate(want, have),
	}
	if ChangedTriggerRegion(want, have) ||
		ChangedV2PubSubTopic(want, have) ||
		UpgradedScheduleFromV1ToV2(want, have) {
		update.DeleteAndRecreate = have
	}
	return update, nil
}

// CheckForIllegalUpdate fails when the trigger kind changes, when the
// platform would be downgraded, or when it would be upgraded and upgrades are
// not allowed.
func CheckForIllegalUpdate(want, have *backend.Endpoint, opts PlannerOptions) error {
	wantType, err := backend.TriggerDescription(want.Trigger)
	if err != nil {
		return NewPermanentError("planner cannot handle trigger", err).
			WithCode(ErrCodeValidation).
			WithResource(backend.Label(want))
	}
	haveType, err := backend.TriggerDescription(have.Trigger)
	if err != nil {
		return NewPermanentError("planner cannot handle trigger", err).
			WithCode(ErrCodeValidation).
			WithResource(backend.Label(have))
	}

	if wantType != haveType {
		return NewIllegalTransitionError(fmt.Sprintf(
			"[%s] Changing from %s function to %s function is not allowed. Please delete your function and create a new one instead.",
			backend.Label(want), haveType, wantType))
	}
	if want.Platform == backend.PlatformV1 && have.Platform == backend.PlatformV2 {
		return NewIllegalTransitionError(fmt.Sprintf(
			"[%s] Functions cannot be downgraded from GCFv2 to GCFv1", backend.Label(want)))
	}
	if !opts.AllowV1ToV2Upgrade && want.Platform == backend.PlatformV2 && have.Platform == backend.PlatformV1 {
		return NewIllegalTransitionError(fmt.Sprintf(
			"[%s] Upgrading from GCFv1 to GCFv2 is not yet supported. Please delete your old function or wait for this feature to be ready.",
			backend.Label(have)))
	}
	return nil
}

// CheckForUnsafeUpdate reports a move from a firestore document event to its
// auth context variant.
func CheckForUnsafeUpdate(want, have *backend.Endpoint) bool {
	wt, ok := backend.IsEventTriggered(want)
	if !ok {
		return false
	}
	ht, ok := backend.IsEventTriggered(have)
	if !ok {
		return false
	}
	return backend.IsFirestoreEventWithAuthContext(wt.EventType) && backend.IsFirestoreEvent(ht.EventType)
}

// bothV2Events returns the event triggers when both endpoints are
// event-triggered v2 functions.
func bothV2Events(want, have *backend.Endpoint) (*backend.EventTrigger, *backend.EventTrigger, bool) {
	if want.Platform != backend.PlatformV2 || have.Platform != backend.PlatformV2 {
		return nil, nil, false
	}
	wt, ok := backend.IsEventTriggered(want)
	if !ok {
		return nil, nil, false
	}
	ht, ok := backend.IsEventTriggered(have)
	if !ok {
		return nil, nil, false
	}
	return wt, ht, true
}

// ChangedTriggerRegion reports whether a v2 event trigger moved regions, e.g.
// because it now listens to a bucket in another region.
func ChangedTriggerRegion(want, have *backend.Endpoint) bool {
	wt, ht, ok := bothV2Events(want, have)
	return ok && wt.Region != ht.Region
}

// ChangedV2PubSubTopic reports whether a v2 pubsub function changed topic,
// which the remote API cannot do in place.
func ChangedV2PubSubTopic(want, have *backend.Endpoint) bool {
	wt, ht, ok := bothV2Events(want, have)
	if !ok {
		return false
	}
	if wt.EventType != backend.PubSubPublishEvent || ht.EventType != backend.PubSubPublishEvent {
		return false
	}
	return wt.EventFilters["topic"] != ht.EventFilters["topic"]
}

// UpgradedScheduleFromV1ToV2 reports a scheduled function moving platforms,
// which switches it from a topic to an HTTPS target.
func UpgradedScheduleFromV1ToV2(want, have *backend.Endpoint) bool {
	if have.Platform != backend.PlatformV1 || want.Platform != backend.PlatformV2 {
		return false
	}
	_, haveSchedule := backend.IsScheduleTriggered(have)
	_, wantSchedule := backend.IsScheduleTriggered(want)
	return haveSchedule && wantSchedule
}

// UpgradedToV2WithoutSettingConcurrency reports whether any v1 function is
// being moved to v2 without an explicit concurrency.
func UpgradedToV2WithoutSettingConcurrency(want, have *backend.Backend) bool {
	return want.Some(func(e *backend.Endpoint) bool {
		existing, ok := have.Get(e.Region, e.ID)
		if !ok || existing.Platform != backend.PlatformV1 {
			return false
		}
		return e.Platform == backend.PlatformV2 && e.Concurrency == nil
	})
}

func sortedIDs(eps map[string]*backend.Endpoint) []string {
	ids := make([]string, 0, len(eps))
	for id := range eps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Planner) log(ctx context.Context) *telemetry.Logger {
	if p.logger != nil {
		return p.logger
	}
	return telemetry.FromContext(ctx)
}
