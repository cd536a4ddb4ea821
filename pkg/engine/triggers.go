package engine

import (
	"context"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
)

// setTrigger provisions the resources that deliver invocations to a
// scheduled, task queue or blocking function. Other triggers are part of the
// function resource itself. op is the create or update being completed.
func (f *Fabricator) setTrigger(ctx context.Context, e *backend.Endpoint, op string) error {
	switch t := e.Trigger.(type) {
	case *backend.ScheduleTrigger:
		return f.upsertSchedule(ctx, e, f.scheduleLocation(e))
	case *backend.TaskQueueTrigger:
		return f.upsertTaskQueue(ctx, e, t)
	case *backend.BlockingTrigger:
		return f.registerBlockingTrigger(ctx, e)
	case *backend.HTTPSTrigger, *backend.CallableTrigger, *backend.EventTrigger:
		return nil
	default:
		return f.rethrow(ctx, e, op, &backend.UnknownTriggerError{Trigger: e.Trigger})
	}
}

// deleteTrigger tears down what setTrigger provisioned. Task queues are
// disabled rather than deleted; a deleted queue name cannot be reused for days.
func (f *Fabricator) deleteTrigger(ctx context.Context, e *backend.Endpoint) error {
	switch e.Trigger.(type) {
	case *backend.ScheduleTrigger:
		if err := f.deleteSchedule(ctx, e, f.scheduleLocation(e)); err != nil {
			return err
		}
		if e.Platform == backend.PlatformV1 {
			return f.deleteScheduleTopic(ctx, e)
		}
		return nil
	case *backend.TaskQueueTrigger:
		return f.disableTaskQueue(ctx, e)
	case *backend.BlockingTrigger:
		return f.unregisterBlockingTrigger(ctx, e)
	default:
		return nil
	}
}

// scheduleLocation is where the scheduler job of e lives. Legacy jobs live
// in the app engine location, v2 jobs next to their function.
func (f *Fabricator) scheduleLocation(e *backend.Endpoint) string {
	if e.Platform == backend.PlatformV1 {
		return f.opts.AppEngineLocation
	}
	return e.Region
}

func (f *Fabricator) upsertSchedule(ctx context.Context, e *backend.Endpoint, location string) error {
	job, err := gcp.JobFromEndpoint(e, location, f.opts.ProjectNumber)
	if err != nil {
		return f.rethrow(ctx, e, OpUpsertSchedule, err)
	}
	err = f.call(ctx, f.opts.Executor, e, OpUpsertSchedule, func(ctx context.Context) error {
		return f.clients.Scheduler.CreateOrReplaceJob(ctx, job)
	})
	if err != nil {
		return f.rethrow(ctx, e, OpUpsertSchedule, err)
	}
	return nil
}

func (f *Fabricator) deleteSchedule(ctx context.Context, e *backend.Endpoint, location string) error {
	err := f.call(ctx, f.opts.Executor, e, OpDeleteSchedule, func(ctx context.Context) error {
		return f.clients.Scheduler.DeleteJob(ctx, backend.JobName(e, location))
	})
	if err != nil {
		return f.rethrow(ctx, e, OpDeleteSchedule, err)
	}
	return nil
}

func (f *Fabricator) deleteScheduleTopic(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.Executor, e, OpDeleteTopic, func(ctx context.Context) error {
		return f.clients.PubSub.DeleteTopic(ctx, backend.ScheduleTopicName(e))
	})
	if err != nil {
		return f.rethrow(ctx, e, OpDeleteTopic, err)
	}
	return nil
}

func (f *Fabricator) upsertTaskQueue(ctx context.Context, e *backend.Endpoint, t *backend.TaskQueueTrigger) error {
	queue, err := gcp.QueueFromEndpoint(e)
	if err != nil {
		return f.rethrow(ctx, e, OpUpsertTaskQueue, err)
	}
	err = f.call(ctx, f.opts.Executor, e, OpUpsertTaskQueue, func(ctx context.Context) error {
		_, err := f.clients.CloudTasks.UpsertQueue(ctx, queue)
		return err
	})
	if err != nil {
		return f.rethrow(ctx, e, OpUpsertTaskQueue, err)
	}

	if len(t.Invoker) == 0 {
		return nil
	}
	err = f.call(ctx, f.opts.Executor, e, OpSetInvoker, func(ctx context.Context) error {
		return f.clients.CloudTasks.SetEnqueuer(ctx, queue.Name, t.Invoker)
	})
	if err != nil {
		return f.rethrow(ctx, e, OpSetInvoker, err)
	}
	return nil
}

func (f *Fabricator) disableTaskQueue(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.Executor, e, OpDisableTaskQueue, func(ctx context.Context) error {
		return f.clients.CloudTasks.UpdateQueue(ctx, &gcp.Queue{
			Name:  backend.QueueName(e),
			State: gcp.QueueStateDisabled,
		})
	})
	if err != nil {
		return f.rethrow(ctx, e, OpDisableTaskQueue, err)
	}
	return nil
}

func (f *Fabricator) registerBlockingTrigger(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.Executor, e, OpRegisterBlockingTrigger, func(ctx context.Context) error {
		return f.clients.Blocking.RegisterTrigger(ctx, e)
	})
	if err != nil {
		return f.rethrow(ctx, e, OpRegisterBlockingTrigger, err)
	}
	return nil
}

func (f *Fabricator) unregisterBlockingTrigger(ctx context.Context, e *backend.Endpoint) error {
	err := f.call(ctx, f.opts.Executor, e, OpUnregisterBlockingTrigger, func(ctx context.Context) error {
		return f.clients.Blocking.UnregisterTrigger(ctx, e)
	})
	if err != nil {
		return f.rethrow(ctx, e, OpUnregisterBlockingTrigger, err)
	}
	return nil
}
