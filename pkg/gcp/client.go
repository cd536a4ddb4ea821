// Package gcp adapts the Google Cloud client libraries to the calls the
// release engine makes: function lifecycle (v1 and v2), invoker IAM policies,
// scheduler jobs, topics, event channels, task queues and the identity
// platform blocking trigger registry.
//
// Every failure carries a grpc status. REST-only APIs have their HTTP errors
// converted, so callers classify all of them with status.Code.
package gcp

import (
	"context"
	"errors"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	eventarc "cloud.google.com/go/eventarc/apiv1"
	functionsv1 "cloud.google.com/go/functions/apiv1"
	functionsv2 "cloud.google.com/go/functions/apiv2"
	pubsub "cloud.google.com/go/pubsub/apiv1"
	run "cloud.google.com/go/run/apiv2"
	scheduler "cloud.google.com/go/scheduler/apiv1"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Endpoints override the service address of each API, e.g. to target an
// emulator. Empty values use the production endpoints.
type Endpoints struct {
	Functions  string `yaml:"functions"`
	Run        string `yaml:"run"`
	Scheduler  string `yaml:"scheduler"`
	PubSub     string `yaml:"pubsub"`
	Eventarc   string `yaml:"eventarc"`
	CloudTasks string `yaml:"cloudtasks"`
	Identity   string `yaml:"identity" validate:"omitempty,url"`

	// Insecure dials the gRPC endpoints in plaintext without credentials.
	Insecure bool `yaml:"insecure"`
}

// StaticTokenSource wraps a pre-issued access token. An empty token yields
// nil, leaving the clients on application default credentials.
func StaticTokenSource(accessToken string) oauth2.TokenSource {
	if accessToken == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// clientOptions returns the options of one API client.
func clientOptions(endpoint string, ts oauth2.TokenSource) []option.ClientOption {
	opts := []option.ClientOption{option.WithUserAgent("fnrelease")}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if ts != nil {
		opts = append(opts, option.WithTokenSource(ts))
	}
	return opts
}

// dial creates one gRPC API client. Insecure endpoints get their own
// plaintext connection, closed with the client.
func dial[C any](
	ctx context.Context,
	endpoints Endpoints,
	endpoint string,
	ts oauth2.TokenSource,
	newClient func(context.Context, ...option.ClientOption) (C, error),
) (C, error) {
	if !endpoints.Insecure || endpoint == "" {
		return newClient(ctx, clientOptions(endpoint, ts)...)
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		var zero C
		return zero, err
	}
	return newClient(ctx, option.WithGRPCConn(conn))
}

// Services holds one adapter per remote API.
type Services struct {
	FunctionsV1 *FunctionsV1
	FunctionsV2 *FunctionsV2
	Run         *Run
	Scheduler   *Scheduler
	PubSub      *PubSub
	Eventarc    *Eventarc
	CloudTasks  *CloudTasks
	Identity    *IdentityPlatform

	closers []func() error
}

// Dial connects every API client. ts may be nil.
func Dial(ctx context.Context, endpoints Endpoints, ts oauth2.TokenSource) (*Services, error) {
	s := &Services{}
	fail := func(api string, err error) (*Services, error) {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create %s client: %w", api, err)
	}

	fv1, err := dial(ctx, endpoints, endpoints.Functions, ts, functionsv1.NewCloudFunctionsClient)
	if err != nil {
		return fail("functions v1", err)
	}
	s.closers = append(s.closers, fv1.Close)
	s.FunctionsV1 = NewFunctionsV1(fv1)

	fv2, err := dial(ctx, endpoints, endpoints.Functions, ts, functionsv2.NewFunctionClient)
	if err != nil {
		return fail("functions v2", err)
	}
	s.closers = append(s.closers, fv2.Close)
	s.FunctionsV2 = NewFunctionsV2(fv2)

	services, err := dial(ctx, endpoints, endpoints.Run, ts, run.NewServicesClient)
	if err != nil {
		return fail("run", err)
	}
	s.closers = append(s.closers, services.Close)
	s.Run = NewRun(services)

	jobs, err := dial(ctx, endpoints, endpoints.Scheduler, ts, scheduler.NewCloudSchedulerClient)
	if err != nil {
		return fail("scheduler", err)
	}
	s.closers = append(s.closers, jobs.Close)
	s.Scheduler = NewScheduler(jobs)

	publisher, err := dial(ctx, endpoints, endpoints.PubSub, ts, pubsub.NewPublisherClient)
	if err != nil {
		return fail("pubsub", err)
	}
	s.closers = append(s.closers, publisher.Close)
	s.PubSub = NewPubSub(publisher)

	channels, err := dial(ctx, endpoints, endpoints.Eventarc, ts, eventarc.NewClient)
	if err != nil {
		return fail("eventarc", err)
	}
	s.closers = append(s.closers, channels.Close)
	s.Eventarc = NewEventarc(channels)

	queues, err := dial(ctx, endpoints, endpoints.CloudTasks, ts, cloudtasks.NewClient)
	if err != nil {
		return fail("cloud tasks", err)
	}
	s.closers = append(s.closers, queues.Close)
	s.CloudTasks = NewCloudTasks(queues)

	restOpts := clientOptions(endpoints.Identity, ts)
	if endpoints.Insecure && ts == nil {
		restOpts = append(restOpts, option.WithoutAuthentication())
	}
	identity, err := identitytoolkit.NewService(ctx, restOpts...)
	if err != nil {
		return fail("identity toolkit", err)
	}
	s.Identity = NewIdentityPlatform(&projectsConfig{projects: identity.Projects})

	return s, nil
}

// Close closes every connected client.
func (s *Services) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// IsNotFound reports whether err is a missing resource.
func IsNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

// IsAlreadyExists reports whether err is a create of an existing resource.
func IsAlreadyExists(err error) bool {
	return err != nil && status.Code(err) == codes.AlreadyExists
}

// restError gives a REST error the grpc status its HTTP code stands for.
type restError struct {
	err *googleapi.Error
}

func (e *restError) Error() string { return e.err.Error() }

func (e *restError) Unwrap() error { return e.err }

// GRPCStatus lets status.Code classify the error.
func (e *restError) GRPCStatus() *status.Status {
	return status.New(codeFromHTTP(e.err.Code), e.err.Message)
}

// fromREST converts REST client errors; other errors pass through.
func fromREST(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &restError{err: gerr}
	}
	return err
}

// codeFromHTTP maps an HTTP status to its canonical code.
func codeFromHTTP(code int) codes.Code {
	switch code {
	case 400:
		return codes.InvalidArgument
	case 401:
		return codes.Unauthenticated
	case 403:
		return codes.PermissionDenied
	case 404:
		return codes.NotFound
	case 409:
		return codes.Aborted
	case 412:
		return codes.FailedPrecondition
	case 429:
		return codes.ResourceExhausted
	case 499:
		return codes.Canceled
	case 500:
		return codes.Internal
	case 501:
		return codes.Unimplemented
	case 503:
		return codes.Unavailable
	case 504:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
