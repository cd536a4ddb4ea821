package backend

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML form of a backend.
type Manifest struct {
	Project   string      `yaml:"project,omitempty"`
	Endpoints []*Endpoint `yaml:"endpoints"`
}

type endpointFields Endpoint

type endpointManifest struct {
	endpointFields `yaml:",inline"`

	HTTPSTrigger     *HTTPSTrigger     `yaml:"httpsTrigger,omitempty"`
	CallableTrigger  *CallableTrigger  `yaml:"callableTrigger,omitempty"`
	ScheduleTrigger  *ScheduleTrigger  `yaml:"scheduleTrigger,omitempty"`
	EventTrigger     *EventTrigger     `yaml:"eventTrigger,omitempty"`
	TaskQueueTrigger *TaskQueueTrigger `yaml:"taskQueueTrigger,omitempty"`
	BlockingTrigger  *BlockingTrigger  `yaml:"blockingTrigger,omitempty"`
}

// UnmarshalYAML decodes an endpoint whose trigger is given as exactly one of
// the *Trigger keys.
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	var m endpointManifest
	if err := value.Decode(&m); err != nil {
		return err
	}

	*e = Endpoint(m.endpointFields)

	var triggers []Trigger
	if m.HTTPSTrigger != nil {
		triggers = append(triggers, m.HTTPSTrigger)
	}
	if m.CallableTrigger != nil {
		triggers = append(triggers, m.CallableTrigger)
	}
	if m.ScheduleTrigger != nil {
		triggers = append(triggers, m.ScheduleTrigger)
	}
	if m.EventTrigger != nil {
		triggers = append(triggers, m.EventTrigger)
	}
	if m.TaskQueueTrigger != nil {
		triggers = append(triggers, m.TaskQueueTrigger)
	}
	if m.BlockingTrigger != nil {
		triggers = append(triggers, m.BlockingTrigger)
	}

	if len(triggers) != 1 {
		return fmt.Errorf("line %d: endpoint %q must declare exactly one trigger, found %d",
			value.Line, e.ID, len(triggers))
	}
	e.Trigger = triggers[0]
	return nil
}

// MarshalYAML encodes the endpoint with its trigger under the matching key.
func (e *Endpoint) MarshalYAML() (interface{}, error) {
	m := endpointManifest{endpointFields: endpointFields(*e)}
	switch t := e.Trigger.(type) {
	case *HTTPSTrigger:
		m.HTTPSTrigger = t
	case *CallableTrigger:
		m.CallableTrigger = t
	case *ScheduleTrigger:
		m.ScheduleTrigger = t
	case *EventTrigger:
		m.EventTrigger = t
	case *TaskQueueTrigger:
		m.TaskQueueTrigger = t
	case *BlockingTrigger:
		m.BlockingTrigger = t
	default:
		return nil, &UnknownTriggerError{Trigger: e.Trigger}
	}
	return m, nil
}

// Decode parses a YAML manifest into a validated backend. project fills in
// endpoints that do not name one; the manifest's own project wins over it.
func Decode(data []byte, project string) (*Backend, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse backend manifest: %w", err)
	}

	if m.Project != "" {
		project = m.Project
	}
	for _, ep := range m.Endpoints {
		if ep.Project == "" {
			ep.Project = project
		}
	}

	b, err := Of(m.Endpoints...)
	if err != nil {
		return nil, err
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadFile reads and decodes a manifest file. A missing path yields an empty backend.
func LoadFile(path, project string) (*Backend, error) {
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend manifest: %w", err)
	}
	return Decode(data, project)
}

// Encode renders the backend as a YAML manifest.
func Encode(b *Backend) ([]byte, error) {
	return yaml.Marshal(Manifest{Endpoints: b.AllEndpoints()})
}
