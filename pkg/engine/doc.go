// Package engine provides the release core of fnrelease: planning, fabrication
// and reporting of serverless function deployments.
//
// # Overview
//
// A release reconciles a wanted backend with the backend currently deployed.
// It runs in three phases:
//
//  1. Plan - Diff wanted and deployed endpoints into per-region changesets (Planner)
//  2. Apply - Create, update and delete endpoints against the remote APIs (Fabricator)
//  3. Report - Summarize results, track usage events and print guidance (Reporter)
//
// # Plans
//
// A Plan maps changeset keys to Changesets. Endpoints sharing a codebase,
// region and memory setting share a changeset, since their builds can reuse
// one another's source token:
//
//	planner := engine.NewPlanner(logger, metrics)
//	plan, err := planner.CreateDeploymentPlan(ctx, want, have, engine.PlannerOptions{})
//	if engine.IsIllegalTransition(err) {
//	    // e.g. an HTTPS function turned into an event function
//	}
//
// Updates that the remote side cannot apply in place carry the deployed
// endpoint in EndpointUpdate.DeleteAndRecreate.
//
// # Fabrication
//
// The Fabricator applies changesets concurrently. Within a changeset, creates
// and updates run first; deletes run only once every create and update
// succeeded and are otherwise reported as aborted. Each endpoint goes through
// build, trigger wiring and invoker policy strictly in that order.
//
// Remote calls run on an Executor. The QueueExecutor bounds concurrency and
// retries rate limited, conflicting and unavailable calls with exponential
// backoff:
//
//	functions := engine.NewQueueExecutor(engine.NewQueue(engine.QueueOptions{
//	    Name:        "functions",
//	    Concurrency: 1,
//	    Retries:     30,
//	    Backoff:     20 * time.Second,
//	    MaxBackoff:  100 * time.Second,
//	}, metrics, logger))
//
// # Error Classification
//
// Errors are classified for retry and reporting:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Concurrent modification of the same resource
//   - Permanent: Non-recoverable errors, including illegal transitions
//
// Failed remote operations surface as DeploymentError, which names the
// endpoint and the operation. Deletes skipped after a failure are AbortedError.
package engine
