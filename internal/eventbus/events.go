package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamBridgeEvents is the durable stream capturing bridge lifecycle
	// and status-change events.
	StreamBridgeEvents = "OT_EDGE_BRIDGE_EVENTS"
	// SubjectBridgeEvents captures every event this connector emits.
	SubjectBridgeEvents = "ot_edge.bridge.>"
)

var streamSubjects = []string{SubjectBridgeEvents}

// ProvisionStream idempotently ensures the bridge events JetStream stream
// exists. It is a no-op if the stream already exists.
func (c *Client) ProvisionStream() error {
	_, err := c.JS.StreamInfo(StreamBridgeEvents)
	if err == nil {
		c.Log.Info("NATS stream already exists", zap.String("stream", StreamBridgeEvents))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamBridgeEvents,
		Subjects:  streamSubjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned",
		zap.String("stream", StreamBridgeEvents),
		zap.Strings("subjects", streamSubjects),
	)
	return nil
}

// EventType enumerates the bridge lifecycle and status-change events
// published to the stream.
type EventType string

const (
	EventSourceAdded          EventType = "source_added"
	EventSourceRemoved        EventType = "source_removed"
	EventDestinationStarted   EventType = "destination_started"
	EventDestinationStopped   EventType = "destination_stopped"
	EventCircuitBreakerOpened EventType = "circuit_breaker_opened"
	EventCircuitBreakerClosed EventType = "circuit_breaker_closed"
	EventSpoolDisabled        EventType = "spool_disabled"
)

// Event is the envelope published for every bridge lifecycle transition.
type Event struct {
	Type          EventType         `json:"type"`
	EventTimeMs   int64             `json:"event_time_ms"`
	SourceName    string            `json:"source_name,omitempty"`
	DestinationID string            `json:"destination_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
}

// Publish emits ev onto "ot_edge.bridge." + string(ev.Type), a subject
// matched by SubjectBridgeEvents.
func (c *Client) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := "ot_edge.bridge." + string(ev.Type)
	if _, err := c.JS.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
