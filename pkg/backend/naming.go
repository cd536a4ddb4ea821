package backend

import (
	"fmt"
	"strings"
)

// Label renders an endpoint for humans: "id(region)", prefixed with
// "codebase:" outside the default codebase.
func Label(e *Endpoint) string {
	label := fmt.Sprintf("%s(%s)", e.ID, e.Region)
	if e.Codebase != "" && e.Codebase != DefaultCodebase {
		label = e.Codebase + ":" + label
	}
	return label
}

// FunctionName is the fully qualified function resource name.
func FunctionName(e *Endpoint) string {
	return fmt.Sprintf("projects/%s/locations/%s/functions/%s", e.Project, e.Region, e.ID)
}

// ScheduleID is the scheduler job id (and, for legacy functions, the topic id)
// owned by a scheduled endpoint.
func ScheduleID(e *Endpoint) string {
	return fmt.Sprintf("fnrelease-schedule-%s-%s", e.ID, e.Region)
}

// JobName is the scheduler job resource name in location.
func JobName(e *Endpoint, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", e.Project, location, ScheduleID(e))
}

// ScheduleTopicName is the topic a legacy scheduled function listens on.
func ScheduleTopicName(e *Endpoint) string {
	return fmt.Sprintf("projects/%s/topics/%s", e.Project, ScheduleID(e))
}

// QueueName is the task queue resource name for a task queue endpoint.
func QueueName(e *Endpoint) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", e.Project, e.Region, e.ID)
}

// ServiceName is the run service name backing a v2 endpoint, once known.
func ServiceName(e *Endpoint) string {
	if e.RunServiceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", e.Project, e.Region, e.RunServiceID)
}

// TopicName expands a short topic id into a resource name. Already-qualified
// names are returned unchanged.
func TopicName(project, topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", project, topic)
}

// LastSegment returns the final path segment of a resource name.
func LastSegment(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// DefaultComputeServiceAccount is the project's default compute identity.
func DefaultComputeServiceAccount(projectNumber string) string {
	return fmt.Sprintf("%s-compute@developer.gserviceaccount.com", projectNumber)
}
