// Package protocol defines the shared Protocol Client interface (C1) and
// its reconnect/backoff lifecycle. Each OT protocol (OPC-UA, MQTT,
// Modbus-TCP) implements Client; the reconnect loop in reconnect.go is
// shared across all three so the backoff, jitter, and cancellation
// semantics only live in one place.
package protocol

import (
	"context"
	"time"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// Type identifies which OT protocol a Client speaks.
type Type = record.Protocol

// Status is the point-in-time connection status of a Client, surfaced via
// Bridge.GetStatus / GetPipelineDiagnostics.
type Status struct {
	Connected         bool
	LastConnectMs     int64
	LastDisconnectMs  int64
	ReconnectAttempts int
	LastError         string
}

// TestResult is returned by Client.Test: a bounded connect-describe-
// disconnect probe that has no side effect on a running client.
type TestResult struct {
	OK         bool
	DurationMs int64
	ServerInfo map[string]any
	Error      string
}

// OnRecord is invoked once per protocol notification or poll read. It must
// not block for long — the normalizer and queue enqueue happen on this
// call path.
type OnRecord func(record.Raw)

// OnStats is an optional callback for lightweight statistics deltas
// (connected/disconnected transitions, reconnect attempts) separate from
// the heavier Status snapshot.
type OnStats func(map[string]any)

// Client is the uniform interface every protocol variant conforms to:
// connect, subscribe or poll, disconnect, test.
type Client interface {
	// ProtocolType reports which OT protocol this client implements.
	ProtocolType() Type
	// SourceName is the unique, process-wide name of the source this
	// client was configured for.
	SourceName() string
	// Endpoint is the connection string/URI for this source.
	Endpoint() string
	// Connect establishes the underlying connection. Configuration/schema
	// errors reported by the remote should be wrapped with FatalConfigError
	// so the reconnect loop does not retry them forever.
	Connect(ctx context.Context) error
	// SubscribeOrPoll starts emitting records via the configured OnRecord
	// callback. It blocks until ctx is cancelled or an unrecoverable error
	// occurs, and must return promptly after ctx is cancelled.
	SubscribeOrPoll(ctx context.Context) error
	// Disconnect releases the underlying connection. Always safe to call
	// even if Connect failed or was never called.
	Disconnect(ctx context.Context) error
	// Test performs a bounded connect-describe-disconnect probe without
	// touching the client's live connection state.
	Test(ctx context.Context) TestResult
}

// ConnectTimeout returns the default per-protocol connect timeout.
func ConnectTimeout(t Type) time.Duration {
	switch t {
	case record.ProtocolOPCUA:
		return 5 * time.Second
	case record.ProtocolMQTT:
		return 3 * time.Second
	case record.ProtocolModbus:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}
