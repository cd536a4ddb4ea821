package gcp

import (
	"context"
	"fmt"
	"time"

	eventarc "cloud.google.com/go/eventarc/apiv1"
	"cloud.google.com/go/eventarc/apiv1/eventarcpb"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"cloud.google.com/go/scheduler/apiv1/schedulerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/openfroyo/fnrelease/pkg/backend"
)

// Job is a scheduler job that invokes a function.
type Job struct {
	Name         string
	Schedule     string
	TimeZone     string
	RetryConfig  *JobRetryConfig
	PubsubTarget *PubsubTarget
	HTTPTarget   *HTTPTarget
}

// JobRetryConfig mirrors backend.ScheduleRetryConfig.
type JobRetryConfig struct {
	RetryCount         int
	MaxRetryDuration   time.Duration
	MinBackoffDuration time.Duration
	MaxBackoffDuration time.Duration
	MaxDoublings       int
}

// PubsubTarget publishes to a topic (legacy scheduled functions).
type PubsubTarget struct {
	TopicName  string
	Attributes map[string]string
}

// HTTPTarget calls an URI with an OIDC token (current scheduled functions).
type HTTPTarget struct {
	URI                 string
	ServiceAccountEmail string
}

func seconds(s *int) time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(*s) * time.Second
}

func durationOrNil(d time.Duration) *durationpb.Duration {
	if d <= 0 {
		return nil
	}
	return durationpb.New(d)
}

// JobFromEndpoint builds the scheduler job for a scheduled endpoint.
// location is the app default region for v1 endpoints and the endpoint's own
// region for v2 endpoints.
func JobFromEndpoint(e *backend.Endpoint, location, projectNumber string) (*Job, error) {
	sched, ok := backend.IsScheduleTriggered(e)
	if !ok {
		return nil, fmt.Errorf("endpoint %s is not scheduled", backend.Label(e))
	}
	job := &Job{
		Name:     backend.JobName(e, location),
		Schedule: sched.Schedule,
		TimeZone: sched.TimeZone,
	}
	if job.TimeZone == "" {
		job.TimeZone = "America/Los_Angeles"
	}
	if rc := sched.RetryConfig; rc != nil {
		job.RetryConfig = &JobRetryConfig{
			MaxRetryDuration:   seconds(rc.MaxRetrySeconds),
			MinBackoffDuration: seconds(rc.MinBackoffSeconds),
			MaxBackoffDuration: seconds(rc.MaxBackoffSeconds),
		}
		if rc.RetryCount != nil {
			job.RetryConfig.RetryCount = *rc.RetryCount
		}
		if rc.MaxDoublings != nil {
			job.RetryConfig.MaxDoublings = *rc.MaxDoublings
		}
	}

	switch e.Platform {
	case backend.PlatformV1:
		job.PubsubTarget = &PubsubTarget{
			TopicName:  backend.ScheduleTopicName(e),
			Attributes: map[string]string{"scheduled": "true"},
		}
	case backend.PlatformV2:
		if e.URI == "" {
			return nil, fmt.Errorf("cannot schedule %s before its URI is known", backend.Label(e))
		}
		sa := e.ServiceAccount
		if sa == "" {
			sa = backend.DefaultComputeServiceAccount(projectNumber)
		}
		job.HTTPTarget = &HTTPTarget{URI: e.URI, ServiceAccountEmail: sa}
	default:
		return nil, e.Platform.Validate()
	}
	return job, nil
}

func (j *Job) toProto() *schedulerpb.Job {
	msg := &schedulerpb.Job{
		Name:     j.Name,
		Schedule: j.Schedule,
		TimeZone: j.TimeZone,
	}
	if rc := j.RetryConfig; rc != nil {
		msg.RetryConfig = &schedulerpb.RetryConfig{
			RetryCount:         int32(rc.RetryCount),
			MaxRetryDuration:   durationOrNil(rc.MaxRetryDuration),
			MinBackoffDuration: durationOrNil(rc.MinBackoffDuration),
			MaxBackoffDuration: durationOrNil(rc.MaxBackoffDuration),
			MaxDoublings:       int32(rc.MaxDoublings),
		}
	}
	switch {
	case j.PubsubTarget != nil:
		msg.Target = &schedulerpb.Job_PubsubTarget{PubsubTarget: &schedulerpb.PubsubTarget{
			TopicName:  j.PubsubTarget.TopicName,
			Attributes: j.PubsubTarget.Attributes,
		}}
	case j.HTTPTarget != nil:
		msg.Target = &schedulerpb.Job_HttpTarget{HttpTarget: &schedulerpb.HttpTarget{
			Uri:        j.HTTPTarget.URI,
			HttpMethod: schedulerpb.HttpMethod_POST,
			AuthorizationHeader: &schedulerpb.HttpTarget_OidcToken{OidcToken: &schedulerpb.OidcToken{
				ServiceAccountEmail: j.HTTPTarget.ServiceAccountEmail,
			}},
		}}
	}
	return msg
}

func (j *Job) updateMask() []string {
	mask := []string{"schedule", "time_zone"}
	if j.RetryConfig != nil {
		mask = append(mask, "retry_config")
	}
	if j.PubsubTarget != nil {
		mask = append(mask, "pubsub_target")
	}
	if j.HTTPTarget != nil {
		mask = append(mask, "http_target")
	}
	return mask
}

// JobsClient is the part of the scheduler client the release engine uses.
type JobsClient interface {
	CreateJob(ctx context.Context, req *schedulerpb.CreateJobRequest, opts ...gax.CallOption) (*schedulerpb.Job, error)
	UpdateJob(ctx context.Context, req *schedulerpb.UpdateJobRequest, opts ...gax.CallOption) (*schedulerpb.Job, error)
	DeleteJob(ctx context.Context, req *schedulerpb.DeleteJobRequest, opts ...gax.CallOption) error
}

// Scheduler manages scheduler jobs.
type Scheduler struct {
	client JobsClient
}

// NewScheduler wraps a scheduler client.
func NewScheduler(client JobsClient) *Scheduler {
	return &Scheduler{client: client}
}

// CreateOrReplaceJob creates the job, or updates it when it already exists.
func (s *Scheduler) CreateOrReplaceJob(ctx context.Context, job *Job) error {
	msg := job.toProto()
	_, err := s.client.CreateJob(ctx, &schedulerpb.CreateJobRequest{
		Parent: parentOf(job.Name, "jobs"),
		Job:    msg,
	})
	if !IsAlreadyExists(err) {
		return err
	}
	_, err = s.client.UpdateJob(ctx, &schedulerpb.UpdateJobRequest{
		Job:        msg,
		UpdateMask: &fieldmaskpb.FieldMask{Paths: job.updateMask()},
	})
	return err
}

// DeleteJob deletes the named job. A missing job is not an error.
func (s *Scheduler) DeleteJob(ctx context.Context, name string) error {
	err := s.client.DeleteJob(ctx, &schedulerpb.DeleteJobRequest{Name: name})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Topic is a pubsub topic.
type Topic struct {
	Name   string
	Labels map[string]string
}

// TopicsClient is the part of the pubsub publisher client the release
// engine uses.
type TopicsClient interface {
	CreateTopic(ctx context.Context, req *pubsubpb.Topic, opts ...gax.CallOption) (*pubsubpb.Topic, error)
	DeleteTopic(ctx context.Context, req *pubsubpb.DeleteTopicRequest, opts ...gax.CallOption) error
}

// PubSub manages topics.
type PubSub struct {
	client TopicsClient
}

// NewPubSub wraps a publisher client.
func NewPubSub(client TopicsClient) *PubSub {
	return &PubSub{client: client}
}

// CreateTopic creates a topic. An existing topic is returned to the caller as
// an AlreadyExists error.
func (p *PubSub) CreateTopic(ctx context.Context, topic *Topic) error {
	_, err := p.client.CreateTopic(ctx, &pubsubpb.Topic{Name: topic.Name, Labels: topic.Labels})
	return err
}

// DeleteTopic deletes the named topic. A missing topic is not an error.
func (p *PubSub) DeleteTopic(ctx context.Context, name string) error {
	err := p.client.DeleteTopic(ctx, &pubsubpb.DeleteTopicRequest{Topic: name})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Channel is an event channel for third-party event sources.
type Channel struct {
	Name  string
	State string
}

// ChannelsClient is the part of the eventarc client the release engine uses.
type ChannelsClient interface {
	GetChannel(ctx context.Context, req *eventarcpb.GetChannelRequest, opts ...gax.CallOption) (*eventarcpb.Channel, error)
	CreateChannel(ctx context.Context, req *eventarcpb.CreateChannelRequest, opts ...gax.CallOption) (*eventarc.CreateChannelOperation, error)
}

// Eventarc manages event channels.
type Eventarc struct {
	client ChannelsClient
}

// NewEventarc wraps an eventarc client.
func NewEventarc(client ChannelsClient) *Eventarc {
	return &Eventarc{client: client}
}

// GetChannel returns the named channel, or nil when it does not exist.
func (e *Eventarc) GetChannel(ctx context.Context, name string) (*Channel, error) {
	ch, err := e.client.GetChannel(ctx, &eventarcpb.GetChannelRequest{Name: name})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Channel{Name: ch.GetName(), State: ch.GetState().String()}, nil
}

// CreateChannel starts creation of ch.
func (e *Eventarc) CreateChannel(ctx context.Context, ch *Channel) (Operation, error) {
	parent := parentOf(ch.Name, "channels")
	if parent == "" {
		return nil, fmt.Errorf("invalid channel name %q", ch.Name)
	}
	op, err := e.client.CreateChannel(ctx, &eventarcpb.CreateChannelRequest{
		Parent:    parent,
		Channel:   &eventarcpb.Channel{Name: ch.Name},
		ChannelId: backend.LastSegment(ch.Name),
	})
	if err != nil {
		return nil, err
	}
	return &handle{name: op.Name(), done: op.Done, poll: func(ctx context.Context) (*OperationStatus, error) {
		if _, err := op.Poll(ctx); err != nil {
			return nil, err
		}
		return &OperationStatus{Done: op.Done()}, nil
	}}, nil
}
