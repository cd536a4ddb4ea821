package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

const (
	// DefaultPollMasterTimeout is the longest a build may take.
	DefaultPollMasterTimeout = 25 * time.Minute

	// DefaultPollMaxBackoff caps the delay between operation polls.
	DefaultPollMaxBackoff = 10 * time.Second
)

// FabricatorOptions configures a Fabricator.
type FabricatorOptions struct {
	// Executor runs trigger, topic, channel and IAM calls.
	Executor Executor

	// FunctionExecutor runs function create, update and delete calls.
	FunctionExecutor Executor

	// Clients are the remote APIs.
	Clients Clients

	// Sources maps codebase names to their uploaded source.
	Sources map[string]Source

	// AppEngineLocation is the scheduler location of legacy scheduled functions.
	AppEngineLocation string

	// ProjectNumber is the numeric project id.
	ProjectNumber string

	PollMasterTimeout       time.Duration
	PollMaxBackoff          time.Duration
	SourceTokenValidity     time.Duration
	SourceTokenFetchTimeout time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Fabricator makes the deployed backend match a plan.
type Fabricator struct {
	opts    FabricatorOptions
	clients Clients
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewFabricator creates a new fabricator. Missing executors run inline.
func NewFabricator(opts FabricatorOptions) *Fabricator {
	if opts.Executor == nil {
		opts.Executor = InlineExecutor{}
	}
	if opts.FunctionExecutor == nil {
		opts.FunctionExecutor = InlineExecutor{}
	}
	if opts.PollMasterTimeout <= 0 {
		opts.PollMasterTimeout = DefaultPollMasterTimeout
	}
	if opts.PollMaxBackoff <= 0 {
		opts.PollMaxBackoff = DefaultPollMaxBackoff
	}
	if opts.Sources == nil {
		opts.Sources = map[string]Source{}
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.NewComponentLogger("fabricator")
	}

	return &Fabricator{
		opts:    opts,
		clients: opts.Clients,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// ApplyPlan applies every changeset concurrently and returns the merged
// results. Failures are recorded per endpoint; ApplyPlan itself never fails.
func (f *Fabricator) ApplyPlan(ctx context.Context, plan Plan) *Summary {
	summary := &Summary{RunID: uuid.New().String()}
	start := time.Now()

	ctx = telemetry.WithRunContext(ctx, summary.RunID)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, key := range plan.Keys() {
		cs := plan[key]
		g.Go(func() error {
			results := f.ApplyChangeset(ctx, cs)
			mu.Lock()
			summary.Results = append(summary.Results, results...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(summary.Results, func(a, b DeployResult) int {
		return backend.Compare(a.Endpoint, b.Endpoint)
	})
	summary.TotalTime = time.Since(start)

	// Export executor statistics
	for _, exec := range []Executor{f.opts.FunctionExecutor, f.opts.Executor} {
		if r, ok := exec.(interface{ ReportStats(context.Context) }); ok {
			r.ReportStats(ctx)
		}
	}

	var runErr error
	if failures := summary.Failures(); len(failures) > 0 {
		runErr = fmt.Errorf("%d function(s) failed to deploy", len(failures))
	}
	telemetry.EndRunContext(ctx, summary.RunID, string(summary.Status()), runErr)

	return summary
}

// ApplyChangeset applies one changeset: creates and updates concurrently,
// then deletes. When any create or update fails the deletes are not
// attempted and are recorded as aborted.
func (f *Fabricator) ApplyChangeset(ctx context.Context, cs *Changeset) []DeployResult {
	ic := telemetry.StartOperation(ctx, "changeset.apply", telemetry.AttrChangeset.String(cs.Key))
	defer ic.End(nil)
	ctx = ic.Ctx

	var (
		mu      sync.Mutex
		results []DeployResult
		wg      sync.WaitGroup
	)

	// handle runs one endpoint operation and records its result
	handle := func(op string, e *backend.Endpoint, fn func(ctx context.Context) error) {
		defer wg.Done()
		start := time.Now()
		err := fn(ctx)
		d := time.Since(start)

		result := DeployResult{Endpoint: e, Duration: d, Err: err}
		if err == nil {
			f.log(ctx).WithEndpoint(backend.Label(e), e.Region).
				Infof("Successful %s operation.", op)
		}
		f.metrics.RecordDeployResult(op, string(e.Platform), string(result.Status()), d)

		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	}

	scraperV1 := NewSourceTokenScraper(f.opts.SourceTokenValidity, f.opts.SourceTokenFetchTimeout, f.logger)
	scraperV2 := NewSourceTokenScraper(f.opts.SourceTokenValidity, f.opts.SourceTokenFetchTimeout, f.logger)

	for _, e := range cs.Skip {
		f.log(ctx).WithEndpoint(backend.Label(e), e.Region).Info("Skipped (No changes detected)")
		results = append(results, DeployResult{Endpoint: e, Skipped: true})
	}
	for _, e := range cs.Create {
		f.logOpStart(ctx, "creating", e)
		wg.Add(1)
		go handle(OpCreate, e, func(ctx context.Context) error {
			return f.createEndpoint(ctx, e, scraperV1, scraperV2)
		})
	}
	for _, u := range cs.Update {
		f.logOpStart(ctx, "updating", u.Endpoint)
		wg.Add(1)
		go handle(OpUpdate, u.Endpoint, func(ctx context.Context) error {
			return f.updateEndpoint(ctx, u, scraperV1, scraperV2)
		})
	}
	wg.Wait()

	// Never delete blindly when the upserts did not land
	if slices.ContainsFunc(results, func(r DeployResult) bool { return r.Err != nil }) {
		for _, e := range cs.Delete {
			results = append(results, DeployResult{Endpoint: e, Err: NewAbortedError(e)})
		}
		return results
	}

	for _, e := range cs.Delete {
		f.logOpStart(ctx, "deleting", e)
		wg.Add(1)
		go handle(OpDelete, e, func(ctx context.Context) error {
			return f.deleteEndpoint(ctx, e)
		})
	}
	wg.Wait()

	return results
}

func (f *Fabricator) createEndpoint(ctx context.Context, e *backend.Endpoint, scraperV1, scraperV2 *SourceTokenScraper) error {
	var err error
	switch e.Platform {
	case backend.PlatformV1:
		err = f.createV1Function(ctx, e, scraperV1)
	case backend.PlatformV2:
		err = f.createV2Function(ctx, e, scraperV2)
	default:
		err = f.rethrow(ctx, e, OpCreate, e.Platform.Validate())
	}
	if err != nil {
		return err
	}

	if err := f.setTrigger(ctx, e, OpCreate); err != nil {
		return err
	}
	return f.setInvoker(ctx, e, true)
}

func (f *Fabricator) updateEndpoint(ctx context.Context, u EndpointUpdate, scraperV1, scraperV2 *SourceTokenScraper) error {
	if u.DeleteAndRecreate != nil {
		if err := f.deleteEndpoint(ctx, u.DeleteAndRecreate); err != nil {
			return err
		}
		return f.createEndpoint(ctx, u.Endpoint, scraperV1, scraperV2)
	}

	e := u.Endpoint
	var err error
	switch e.Platform {
	case backend.PlatformV1:
		err = f.updateV1Function(ctx, e, scraperV1)
	case backend.PlatformV2:
		err = f.updateV2Function(ctx, e, scraperV2)
	default:
		err = f.rethrow(ctx, e, OpUpdate, e.Platform.Validate())
	}
	if err != nil {
		return err
	}

	if err := f.setTrigger(ctx, e, OpUpdate); err != nil {
		return err
	}
	return f.setInvoker(ctx, e, false)
}

func (f *Fabricator) deleteEndpoint(ctx context.Context, e *backend.Endpoint) error {
	if err := f.deleteTrigger(ctx, e); err != nil {
		return err
	}
	if e.Platform == backend.PlatformV1 {
		return f.deleteV1Function(ctx, e)
	}
	return f.deleteV2Function(ctx, e)
}

// labeled returns a copy of e carrying the ownership label, used to build
// remote payloads without touching the caller's endpoint.
func labeled(e *backend.Endpoint) *backend.Endpoint {
	c := e.Clone()
	c.Labels = backend.ManagedLabels(e.Labels)
	return c
}

func (f *Fabricator) createV1Function(ctx context.Context, e *backend.Endpoint, scraper *SourceTokenScraper) error {
	sourceURL := f.opts.Sources[e.CodebaseOrDefault()].SourceURL
	if sourceURL == "" {
		return f.rethrow(ctx, e, OpCreate, preconditionError(e, OpCreate))
	}
	apiFunction, err := gcp.FunctionFromEndpoint(labeled(e), sourceURL)
	if err != nil {
		return f.rethrow(ctx, e, OpCreate, err)
	}
	// New legacy HTTPS functions only accept HTTPS traffic
	if apiFunction.HTTPSTrigger != nil {
		apiFunction.HTTPSTrigger.SecurityLevel = "SECURE_ALWAYS"
	}

	var st *gcp.OperationStatus
	err = f.call(ctx, f.opts.FunctionExecutor, e, OpCreate, func(ctx context.Context) error {
		apiFunction.SourceToken = scraper.GetToken(ctx)
		op, err := f.clients.FunctionsV1.CreateFunction(ctx, apiFunction)
		if err == nil {
			st, err = f.poll(ctx, op, scraper.Poller)
		}
		if err != nil && apiFunction.SourceToken == "" {
			scraper.Abort()
		}
		return err
	})
	if err != nil {
		scraper.Abort()
		return f.rethrow(ctx, e, OpCreate, err)
	}

	f.recordV1Result(e, st)
	return nil
}

func (f *Fabricator) updateV1Function(ctx context.Context, e *backend.Endpoint, scraper *SourceTokenScraper) error {
	sourceURL := f.opts.Sources[e.CodebaseOrDefault()].SourceURL
	if sourceURL == "" {
		return f.rethrow(ctx, e, OpUpdate, preconditionError(e, OpUpdate))
	}
	apiFunction, err := gcp.FunctionFromEndpoint(labeled(e), sourceURL)
	if err != nil {
		return f.rethrow(ctx, e, OpUpdate, err)
	}

	var st *gcp.OperationStatus
	err = f.call(ctx, f.opts.FunctionExecutor, e, OpUpdate, func(ctx context.Context) error {
		apiFunction.SourceToken = scraper.GetToken(ctx)
		op, err := f.clients.FunctionsV1.UpdateFunction(ctx, apiFunction)
		if err == nil {
			st, err = f.poll(ctx, op, scraper.Poller)
		}
		if err != nil && apiFunction.SourceToken == "" {
			scraper.Abort()
		}
		return err
	})
	if err != nil {
		scraper.Abort()
		return f.rethrow(ctx, e, OpUpdate, err)
	}

	f.recordV1Result(e, st)
	return nil
}

func (f *Fabricator) recordV1Result(e *backend.Endpoint, st *gcp.OperationStatus) {
	if st != nil && st.URI != "" {
		e.URI = st.URI
	}
}

func (f *Fabricator) createV2Function(ctx context.Context, e *backend.Endpoint, scraper *SourceTokenScraper) error {
	storage := f.opts.Sources[e.CodebaseOrDefault()].Storage
	if storage == nil {
		return f.rethrow(ctx, e, OpCreate, preconditionError(e, OpCreate))
	}
	apiFunction, err := gcp.FunctionV2FromEndpoint(labeled(e), storage)
	if err != nil {
		return f.rethrow(ctx, e, OpCreate, err)
	}

	if apiFunction.EventTrigger != nil && apiFunction.EventTrigger.PubsubTopic != "" {
		if err := f.ensureTopic(ctx, e, apiFunction.EventTrigger.PubsubTopic); err != nil {
			return err
		}
	}
	if apiFunction.EventTrigger != nil && apiFunction.EventTrigger.Channel != "" {
		if err := f.ensureChannel(ctx, e, apiFunction.EventTrigger.Channel); err != nil {
			return err
		}
	}

	var st *gcp.OperationStatus
	create := func(ctx context.Context) error {
		apiFunction.BuildConfig.SourceToken = scraper.GetToken(ctx)
		op, err := f.clients.FunctionsV2.CreateFunction(ctx, apiFunction)
		if err == nil {
			st, err = f.poll(ctx, op, scraper.Poller)
		}
		// A failed seed must not leave its own retry waiting on itself
		if err != nil && apiFunction.BuildConfig.SourceToken == "" {
			scraper.Abort()
		}
		return err
	}

	retried := false
	for {
		err := f.call(ctx, f.opts.FunctionExecutor, e, OpCreate, create)
		if err == nil {
			break
		}
		// Release siblings waiting on this build's token
		scraper.Abort()

		// An exhausted backing service must be deleted before creating again
		if opErr, ok := gcp.AsOperationError(err); ok && opErr.Code() == codes.ResourceExhausted && !retried {
			retried = true
			f.log(ctx).WithEndpoint(backend.Label(e), e.Region).
				Warn("Backing service quota exhausted, deleting the partial function and retrying")
			if delErr := f.deleteV2Function(ctx, e); delErr != nil {
				return delErr
			}
			continue
		}
		return f.rethrow(ctx, e, OpCreate, err)
	}

	f.recordV2Result(ctx, e, st)
	return nil
}

func (f *Fabricator) updateV2Function(ctx context.Context, e *backend.Endpoint, scraper *SourceTokenScraper) error {
	storage := f.opts.Sources[e.CodebaseOrDefault()].Storage
	if storage == nil {
		return f.rethrow(ctx, e, OpUpdate, preconditionError(e, OpUpdate))
	}
	apiFunction, err := gcp.FunctionV2FromEndpoint(labeled(e), storage)
	if err != nil {
		return f.rethrow(ctx, e, OpUpdate, err)
	}

	// The API rejects updates carrying the topic, even when unchanged; the
	// planner turns real topic changes into recreates.
	if apiFunction.EventTrigger != nil {
		apiFunction.EventTrigger.PubsubTopic = ""
	}

	var st *gcp.OperationStatus
	err = f.call(ctx, f.opts.FunctionExecutor, e, OpUpdate, func(ctx context.Context) error {
		apiFunction.BuildConfig.SourceToken = scraper.GetToken(ctx)
		op, err := f.clients.FunctionsV2.UpdateFunction(ctx, apiFunction)
		if err == nil {
			st, err = f.poll(ctx, op, scraper.Poller)
		}
		if err != nil && apiFunction.BuildConfig.SourceToken == "" {
			scraper.Abort()
		}
		return err
	}, retryOperationCodes(codes.ResourceExhausted))
	if err != nil {
		scraper.Abort()
		return f.rethrow(ctx, e, OpUpdate, err)
	}

	f.recordV2Result(ctx, e, st)
	return nil
}

func (f *Fabricator) recordV2Result(ctx context.Context, e *backend.Endpoint, st *gcp.OperationStatus) {
	if st == nil {
		st = &gcp.OperationStatus{}
	}
	e.URI = st.URI
	e.RunServiceID = backend.LastSegment(st.Service)
	if st.Service == "" {
		f.log(ctx).WithEndpoint(backend.Label(e), e.Region).
			Warn("Function is not associated with a service. This deployment is in an unexpected state, please re-deploy your functions.")
	}
}

func (f *Fabricator) ensureTopic(ctx context.Context, e *backend.Endpoint, topic string) error {
	err := f.call(ctx, f.opts.Executor, e, OpCreateTopic, func(ctx context.Context) error {
		err := f.clients.PubSub.CreateTopic(ctx, &gcp.Topic{Name: topic})
		if gcp.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return f.rethrow(ctx, e, OpCreateTopic, err)
	}
	return nil
}

// ensureChannel checks for the channel before creating it; creation does not
// reliably answer 409 for an existing channel.
func (f *Fabricator) ensureChannel(ctx context.Context, e *backend.Endpoint, channel string) error {
	err := f.call(ctx, f.opts.Executor, e, OpUpsertEventarcChannel, func(ctx context.Context) error {
		existing, err := f.clients.Eventarc.GetChannel(ctx, channel)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		op, err := f.clients.Eventarc.CreateChannel(ctx, &gcp.Channel{Name: channel})
		if gcp.IsAlreadyExists(err) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = f.poll(ctx, op, nil)
		return err
	})
	if err != nil {
		return f.rethrow(ctx, e, OpUpsertEventarcChannel, err)
	}
	return nil
}

func (f *Fabricator) deleteV1Function(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.FunctionExecutor, e, OpDelete, func(ctx context.Context) error {
		op, err := f.clients.FunctionsV1.DeleteFunction(ctx, backend.FunctionName(e))
		if err != nil {
			return err
		}
		_, err = f.poll(ctx, op, nil)
		return err
	})
	if err != nil {
		return f.rethrow(ctx, e, OpDelete, err)
	}
	return nil
}

func (f *Fabricator) deleteV2Function(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.FunctionExecutor, e, OpDelete, func(ctx context.Context) error {
		op, err := f.clients.FunctionsV2.DeleteFunction(ctx, backend.FunctionName(e))
		if err != nil {
			return err
		}
		_, err = f.poll(ctx, op, nil)
		return err
	}, retryOperationCodes(codes.ResourceExhausted))
	if err != nil {
		return f.rethrow(ctx, e, OpDelete, err)
	}
	return nil
}

// setInvoker grants invocation rights after a create or update. Updates
// only touch invokers that were set explicitly.
func (f *Fabricator) setInvoker(ctx context.Context, e *backend.Endpoint, create bool) error {
	invoker, err := InvokerFor(e, create, f.opts.ProjectNumber)
	if err != nil {
		return f.rethrow(ctx, e, OpSetInvoker, err)
	}
	if len(invoker) == 0 {
		return nil
	}

	var set func(ctx context.Context) error
	switch e.Platform {
	case backend.PlatformV1:
		name := backend.FunctionName(e)
		set = func(ctx context.Context) error {
			if create {
				return f.clients.FunctionsV1.SetInvokerCreate(ctx, name, invoker)
			}
			return f.clients.FunctionsV1.SetInvokerUpdate(ctx, name, invoker)
		}
	default:
		service := backend.ServiceName(e)
		if service == "" {
			return nil
		}
		set = func(ctx context.Context) error {
			if create {
				return f.clients.Run.SetInvokerCreate(ctx, service, invoker)
			}
			return f.clients.Run.SetInvokerUpdate(ctx, service, invoker)
		}
	}

	if err := f.call(ctx, f.opts.Executor, e, OpSetInvoker, set); err != nil {
		return f.rethrow(ctx, e, OpSetInvoker, err)
	}
	return nil
}

// InvokerFor returns the invoker allow-list to apply after a create or an
// update, or nil when the policy must be left alone.
//
// On create, HTTPS functions default to public, callable and blocking
// functions are always public, task queue functions get their invoker when
// set, and v2 scheduled functions are invoked by the default compute
// identity. On update only explicitly set invokers are applied, plus the
// fixed blocking and schedule grants. An invoker listing "private" is never
// granted on create.
func InvokerFor(e *backend.Endpoint, create bool, projectNumber string) ([]string, error) {
	public := []string{"public"}

	switch t := e.Trigger.(type) {
	case *backend.HTTPSTrigger:
		if !create {
			return nonEmpty(t.Invoker), nil
		}
		invoker := t.Invoker
		if invoker == nil {
			invoker = public
		}
		if slices.Contains(invoker, "private") {
			return nil, nil
		}
		return invoker, nil
	case *backend.CallableTrigger:
		if create {
			return public, nil
		}
		return nil, nil
	case *backend.TaskQueueTrigger:
		if !create {
			return nonEmpty(t.Invoker), nil
		}
		if len(t.Invoker) == 0 || slices.Contains(t.Invoker, "private") {
			return nil, nil
		}
		return t.Invoker, nil
	case *backend.BlockingTrigger:
		return public, nil
	case *backend.ScheduleTrigger:
		if e.Platform != backend.PlatformV2 {
			return nil, nil
		}
		return []string{backend.DefaultComputeServiceAccount(projectNumber)}, nil
	case *backend.EventTrigger:
		return nil, nil
	default:
		return nil, &backend.UnknownTriggerError{Trigger: e.Trigger}
	}
}

func nonEmpty(invoker []string) []string {
	if len(invoker) == 0 {
		return nil
	}
	return invoker
}

// call runs one remote operation for e on exec, inside an endpoint span.
func (f *Fabricator) call(
	ctx context.Context,
	exec Executor,
	e *backend.Endpoint,
	op string,
	fn func(ctx context.Context) error,
	opts ...RunOption,
) error {
	f.log(ctx).WithEndpoint(backend.Label(e), e.Region).WithOperation(op).Debug("Calling remote API")
	return exec.Run(ctx, func(ctx context.Context) error {
		return telemetry.RecordEndpointOperation(ctx, backend.Label(e), e.Region, op, fn)
	}, opts...)
}

// rethrow attributes err to e and op.
func (f *Fabricator) rethrow(ctx context.Context, e *backend.Endpoint, op string, err error) error {
	f.log(ctx).WithEndpoint(backend.Label(e), e.Region).WithOperation(op).WithError(err).Error("Operation failed")
	f.metrics.RecordError(string(ClassOf(err)), status.Code(err).String())
	return &DeploymentError{Endpoint: e, Op: op, Err: err}
}

// poll waits for op, reporting each poll to onPoll.
func (f *Fabricator) poll(ctx context.Context, op gcp.Operation, onPoll func(*gcp.OperationStatus)) (*gcp.OperationStatus, error) {
	if op == nil {
		return nil, nil
	}
	return f.clients.Poller.Poll(ctx, op, gcp.PollOptions{
		MasterTimeout: f.opts.PollMasterTimeout,
		MaxBackoff:    f.opts.PollMaxBackoff,
		OnPoll:        onPoll,
	})
}

func preconditionError(e *backend.Endpoint, op string) error {
	return NewPermanentError(
		fmt.Sprintf("precondition failed: no %s source uploaded for codebase %q", e.Platform, e.CodebaseOrDefault()), nil).
		WithCode(ErrCodeValidation).
		WithResource(backend.Label(e)).
		WithOperation(op)
}

func (f *Fabricator) logOpStart(ctx context.Context, op string, e *backend.Endpoint) {
	f.log(ctx).WithEndpoint(backend.Label(e), e.Region).
		Debugf("%s %s (%s) function %s...", op, e.Runtime, e.Platform, backend.Label(e))
}

func (f *Fabricator) log(ctx context.Context) *telemetry.Logger {
	if f.logger != nil {
		return f.logger
	}
	return telemetry.FromContext(ctx)
}
