package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// Metadata key naming the component that emitted the event.
	MetadataSource = "source"

	LogFieldEventID   = "event_id"
	LogFieldEventType = "event_type"
)

// Event is the envelope of every message on the bus. Events are immutable once published.
type Event struct {
	ID        string            `json:"id"`
	Type      Topic             `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New wraps payload in an envelope with a fresh id and the current time.
func New(topic Topic, payload interface{}) (*Event, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("unknown topic '%s'", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// WithMetadata sets a metadata key and returns the event for chaining.
// Only use this before the event is published.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e *Event) Source() string {
	return e.Metadata[MetadataSource]
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event %s has no data", e.Type, e.ID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DeploymentID returns the deployment id carried by the payload, if any.
func (e *Event) DeploymentID() string {
	var ref Ref
	_ = json.Unmarshal(e.Data, &ref)
	return ref.DeploymentID
}

func (e *Event) LogFields() log.Fields {
	return log.Fields{
		LogFieldEventID:   e.ID,
		LogFieldEventType: e.Type,
	}
}

func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope and validates that it belongs to the known taxonomy.
func Unmarshal(data []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if len(e.ID) == 0 {
		return nil, fmt.Errorf("event envelope has no id")
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("event %s has unknown type '%s'", e.ID, e.Type)
	}
	return e, nil
}
