package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

// DeployStats are the aggregate counts of one run.
type DeployStats struct {
	Successes int
	Skipped   int
	Failures  int
	Aborts    int
	Codebases int

	// TotalTime is the summed duration of every endpoint operation.
	TotalTime time.Duration

	// AvgTime is averaged over successful and failed operations.
	AvgTime time.Duration
}

type codebaseStats struct {
	successes int
	failures  int
	aborts    int
}

// Reporter renders and tracks the outcome of a fabrication run.
type Reporter struct {
	tracker Tracker
	out     io.Writer
	logger  *telemetry.Logger
}

// NewReporter creates a reporter printing to out. tracker may be nil.
func NewReporter(tracker Tracker, out io.Writer, logger *telemetry.Logger) *Reporter {
	if out == nil {
		out = io.Discard
	}
	if logger != nil {
		logger = logger.NewComponentLogger("reporter")
	}
	return &Reporter{
		tracker: tracker,
		out:     out,
		logger:  logger,
	}
}

// LogAndTrackDeployStats tallies the summary, logs the totals at debug level
// and tracks one function_deploy event per result, one codebase_deploy event
// per codebase and a final function_deploy_group event. Tracking failures
// are logged and otherwise ignored.
func (r *Reporter) LogAndTrackDeployStats(ctx context.Context, summary *Summary) DeployStats {
	log := r.log(ctx)

	var stats DeployStats
	codebases := map[string]*codebaseStats{}
	var order []string

	for _, result := range summary.Results {
		e := result.Endpoint
		status := result.Status()

		r.track(ctx, summary.RunID, telemetry.EventTypeFunctionDeploy, map[string]interface{}{
			"platform":     string(e.Platform),
			"trigger_type": TriggerType(e),
			"region":       e.Region,
			"runtime":      e.Runtime,
			"status":       trackedStatus(status),
			"duration":     result.Duration.Milliseconds(),
		})

		codebase := e.CodebaseOrDefault()
		cb, ok := codebases[codebase]
		if !ok {
			cb = &codebaseStats{}
			codebases[codebase] = cb
			order = append(order, codebase)
		}

		stats.TotalTime += result.Duration
		switch status {
		case ResultSuccess, ResultSkipped:
			stats.Successes++
			cb.successes++
			if status == ResultSkipped {
				stats.Skipped++
			}
		case ResultAborted:
			stats.Aborts++
			cb.aborts++
		default:
			stats.Failures++
			cb.failures++
		}
	}

	slices.Sort(order)
	for _, codebase := range order {
		cb := codebases[codebase]
		r.track(ctx, summary.RunID, telemetry.EventTypeCodebaseDeploy, map[string]interface{}{
			"codebase":                codebase,
			"fn_deploy_num_successes": cb.successes,
			"fn_deploy_num_canceled":  cb.aborts,
			"fn_deploy_num_failures":  cb.failures,
		})
	}
	stats.Codebases = len(order)

	if n := stats.Successes + stats.Failures; n > 0 {
		stats.AvgTime = stats.TotalTime / time.Duration(n)
	}

	codebaseCount := fmt.Sprintf("%d", stats.Codebases)
	if stats.Codebases >= 5 {
		codebaseCount = "5+"
	}
	r.track(ctx, summary.RunID, telemetry.EventTypeFunctionDeployGroup, map[string]interface{}{
		"codebase_deploy_count":   codebaseCount,
		"fn_deploy_num_successes": stats.Successes,
		"fn_deploy_num_canceled":  stats.Aborts,
		"fn_deploy_num_failures":  stats.Failures,
		"avg_duration":            stats.AvgTime.Milliseconds(),
	})

	log.Debugf("Total Function Deployment time: %s", summary.TotalTime)
	log.Debugf("%d Functions Deployed", stats.Successes+stats.Failures+stats.Aborts)
	log.Debugf("%d Functions Errored", stats.Failures)
	log.Debugf("%d Function Deployments Aborted", stats.Aborts)
	log.Debugf("Average Function Deployment time: %s", stats.AvgTime)

	return stats
}

func trackedStatus(status ResultStatus) string {
	switch status {
	case ResultError:
		return "failure"
	case ResultSkipped:
		return "skipped"
	case ResultAborted:
		return "aborted"
	default:
		return "success"
	}
}

func (r *Reporter) track(ctx context.Context, runID, eventType string, params map[string]interface{}) {
	if r.tracker == nil {
		return
	}
	if err := r.tracker.Track(runID, eventType, params); err != nil {
		r.log(ctx).WithError(err).Debugf("Failed to track %s event", eventType)
	}
}

// PrintErrors prints the failed functions followed by guidance for invoker,
// quota and aborted-delete failures. Nothing is printed for a clean run.
func (r *Reporter) PrintErrors(summary *Summary) {
	var errored []DeployResult
	for _, result := range summary.Results {
		if result.Err != nil {
			errored = append(errored, result)
		}
	}
	if len(errored) == 0 {
		return
	}
	slices.SortStableFunc(errored, func(a, b DeployResult) int {
		return backend.Compare(a.Endpoint, b.Endpoint)
	})

	var failed []DeployResult
	for _, result := range errored {
		if !IsAborted(result.Err) {
			failed = append(failed, result)
		}
	}
	r.println("")
	r.println("Functions deploy had errors with the following functions:" + labelList(failed))

	r.printIamErrors(errored)
	r.printQuotaErrors(errored)
	r.printAbortedErrors(errored)
}

func (r *Reporter) printIamErrors(results []DeployResult) {
	var iamFailures []DeployResult
	for _, result := range results {
		if de, ok := AsDeploymentError(result.Err); ok && !IsAborted(result.Err) && de.Op == OpSetInvoker {
			iamFailures = append(iamFailures, result)
		}
	}
	if len(iamFailures) == 0 {
		return
	}

	r.println("")
	r.println("Unable to set the invoker for the IAM policy on the following functions:" + labelList(iamFailures))
	r.println("")
	r.println("Some common causes of this:")
	r.println("")
	r.println("- You may not have the roles/functions.admin IAM role. Note that " +
		"roles/functions.developer does not allow you to change IAM policies.")
	r.println("")
	r.println("- An organization policy that restricts Network Access on your project.")

	// Creates grant public access when no invoker is set; updates never do
	implicit := slices.ContainsFunc(iamFailures, func(result DeployResult) bool {
		t, ok := backend.IsHTTPSTriggered(result.Endpoint)
		return ok && t.Invoker == nil
	})
	if !implicit {
		return
	}
	r.println("")
	r.println("One or more functions were being implicitly made publicly available on function create.")
	r.println("Functions are not implicitly made public on updates. To try to make " +
		"these functions public on next deploy, configure these functions with " +
		`invoker set to "public"`)
}

func (r *Reporter) printQuotaErrors(results []DeployResult) {
	quota := slices.ContainsFunc(results, func(result DeployResult) bool {
		if _, ok := AsDeploymentError(result.Err); !ok {
			return false
		}
		return IsThrottled(result.Err) || IsConflict(result.Err)
	})
	if !quota {
		return
	}
	r.println("")
	r.println("Exceeded maximum retries while deploying functions. " +
		"If you are deploying a large number of functions, " +
		"please deploy your functions in batches by using the --only flag, " +
		"and wait a few minutes before deploying again.")
}

func (r *Reporter) printAbortedErrors(results []DeployResult) {
	var aborted []DeployResult
	var selectors []string
	for _, result := range results {
		if !IsAborted(result.Err) {
			continue
		}
		aborted = append(aborted, result)
		selector := result.Endpoint.CodebaseOrDefault() + ":" + result.Endpoint.ID
		if !slices.Contains(selectors, selector) {
			selectors = append(selectors, selector)
		}
	}
	if len(aborted) == 0 {
		return
	}
	r.println("")
	r.println("Because there were errors creating or updating functions, the following " +
		"functions were not deleted" + labelList(aborted))
	r.println(fmt.Sprintf("To delete these, fix the errors above and run fnrelease apply --only %s",
		strings.Join(selectors, ",")))
}

func labelList(results []DeployResult) string {
	var b strings.Builder
	for _, result := range results {
		b.WriteString("\n\t")
		b.WriteString(backend.Label(result.Endpoint))
	}
	return b.String()
}

func (r *Reporter) println(line string) {
	fmt.Fprintln(r.out, line)
}

func (r *Reporter) log(ctx context.Context) *telemetry.Logger {
	if r.logger != nil {
		return r.logger
	}
	return telemetry.FromContext(ctx)
}

// TriggerType is the trigger classification reported in usage events:
// the trigger kind, or the event type for event triggers.
func TriggerType(e *backend.Endpoint) string {
	switch t := e.Trigger.(type) {
	case *backend.HTTPSTrigger:
		// Legacy callable functions are HTTPS functions with a marker label
		if e.Labels["deployment-callable"] != "" {
			return "callable"
		}
		return "https"
	case *backend.CallableTrigger:
		return "callable"
	case *backend.ScheduleTrigger:
		return "scheduled"
	case *backend.TaskQueueTrigger:
		return "taskQueue"
	case *backend.BlockingTrigger:
		return "blocking"
	case *backend.EventTrigger:
		return t.EventType
	default:
		return "unknown"
	}
}

// TriggerTag is a short synopsis of an endpoint's trigger prefixed with its
// platform, e.g. "v2.scheduled". Event triggers report their event type.
func TriggerTag(e *backend.Endpoint) string {
	prefix := "v2"
	if e.Platform == backend.PlatformV1 {
		prefix = "v1"
	}
	switch e.Trigger.(type) {
	case *backend.EventTrigger:
		return TriggerType(e)
	case nil:
		return prefix + ".unknown"
	default:
		return prefix + "." + TriggerType(e)
	}
}
