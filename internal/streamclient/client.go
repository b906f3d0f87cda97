// Package streamclient is the Stream Client (C6): an authenticated gRPC
// streaming client that delivers normalized tag batches to a destination
// table service, guarded by a circuit breaker and exponential backoff with
// jitter, and able to tell a non-retriable schema error from a transient
// one.
package streamclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arc-self/apps/ot-edge-connector/internal/credstore"
	"github.com/arc-self/apps/ot-edge-connector/internal/destination"
	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
	"github.com/arc-self/apps/ot-edge-connector/internal/streamclient/ingestpb"
)

// RetryConfig parametrizes SendBatch's retry loop.
type RetryConfig struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig matches the defaults used absent an explicit override.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        300 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Config holds everything needed to dial and authenticate a destination
// stream. Credentials are never stored here directly: CredentialStore is
// consulted for the client id/secret pair on every dial, so a long-lived
// secret is never held in process memory longer than one connect attempt.
type Config struct {
	Destination     destination.Destination
	TokenURL        string
	CredentialStore credstore.Store
	Insecure        bool // skip TLS (development/local test endpoints only)
	Retry           RetryConfig
	CircuitBreaker  CircuitBreakerConfig
}

// SchemaError is returned by SendBatch when the destination rejects a
// batch for a reason that will never succeed on retry: the batch's
// shape does not match the table schema.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "non-retriable schema error: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error { return e.Err }

// Client is the Stream Client for a single destination.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	breaker *CircuitBreaker

	mu     sync.Mutex
	conn   *grpc.ClientConn
	rpc    ingestpb.IngestServiceClient
	stream ingestpb.IngestService_IngestStreamClient

	metricsMu sync.Mutex
	metrics   Metrics
}

// Metrics mirrors the destination-level counters surfaced through
// Bridge.GetMetrics.
type Metrics struct {
	RecordsSent         int64
	BatchesSent         int64
	Failures            int64
	Retries             int64
	CircuitBreakerTrips int64
}

// New constructs a Client for one destination. Dialing is lazy: the first
// SendBatch call establishes the connection.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
	}
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	clientID, clientSecret, err := c.resolveCredentials()
	if err != nil {
		return fmt.Errorf("resolve credentials for destination %s: %w", c.cfg.Destination.ID, err)
	}

	tokenSource := (&clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     c.cfg.TokenURL,
	}).TokenSource(ctx)

	var transportCreds credentials.TransportCredentials
	if c.cfg.Insecure {
		transportCreds = insecure.NewCredentials()
	} else {
		transportCreds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(c.cfg.Destination.EndpointHost,
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: tokenSource}),
	)
	if err != nil {
		return fmt.Errorf("dial destination %s: %w", c.cfg.Destination.ID, err)
	}

	c.conn = conn
	c.rpc = ingestpb.NewIngestServiceClient(conn)
	return nil
}

// resolveCredentials pulls the OAuth2 client id/secret pair for this
// destination's auth_ref out of the credential store. Called once per
// dial, never cached beyond the resulting connection's lifetime.
func (c *Client) resolveCredentials() (clientID, clientSecret string, err error) {
	authRef := c.cfg.Destination.AuthRef
	clientID, err = c.cfg.CredentialStore.Resolve(authRef + "#client_id")
	if err != nil {
		return "", "", err
	}
	clientSecret, err = c.cfg.CredentialStore.Resolve(authRef + "#client_secret")
	if err != nil {
		return "", "", err
	}
	return clientID, clientSecret, nil
}

func (c *Client) openStream(ctx context.Context) (ingestpb.IngestService_IngestStreamClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream, nil
	}
	if c.rpc == nil {
		return nil, fmt.Errorf("stream client for %s not dialed", c.cfg.Destination.ID)
	}
	stream, err := c.rpc.IngestStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ingest stream: %w", err)
	}
	c.stream = stream
	return stream, nil
}

func (c *Client) dropStream() {
	c.mu.Lock()
	c.stream = nil
	c.mu.Unlock()
}

// forceReauth tears down the current stream and connection so the next
// dial re-resolves credentials from the store and re-authenticates from
// scratch, rather than reusing a token the server just rejected.
func (c *Client) forceReauth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		_ = c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// SendBatch delivers tags to the destination, retrying transient failures
// with exponential backoff and jitter up to Retry.MaxAttempts. A SchemaError
// is never retried. When the circuit breaker is open, SendBatch returns
// immediately without attempting the network call.
func (c *Client) SendBatch(ctx context.Context, tags []normalize.Tag) error {
	if len(tags) == 0 {
		return nil
	}

	if !c.breaker.Allow() {
		c.bumpCircuitTrip()
		return fmt.Errorf("circuit breaker open for destination %s", c.cfg.Destination.ID)
	}

	bo := newBatchBackOff(c.cfg.Retry)
	var lastErr error
	reauthed := false

	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if err := c.dial(ctx); err != nil {
			lastErr = err
		} else if err := c.sendOnce(ctx, tags); err != nil {
			lastErr = err
		} else {
			c.breaker.RecordSuccess()
			c.bumpSuccess(len(tags))
			return nil
		}

		if isSchemaError(lastErr) {
			c.breaker.RecordFailure()
			c.bumpFailure()
			return &SchemaError{Err: lastErr}
		}

		// One automatic token refresh on an auth rejection: tear down the
		// connection so the next dial re-resolves credentials from the
		// store and retry immediately, without spending a backoff delay or
		// counting against the circuit breaker. A second unauthenticated
		// rejection after the refresh falls through to ordinary transient
		// handling below.
		if isUnauthenticated(lastErr) && !reauthed {
			reauthed = true
			c.logger.Warn("stream unauthenticated, forcing credential refresh and retrying once",
				zap.String("destination", c.cfg.Destination.ID), zap.Error(lastErr))
			c.forceReauth()
			attempt--
			continue
		}

		c.breaker.RecordFailure()
		c.bumpFailure()

		if attempt == c.cfg.Retry.MaxAttempts-1 {
			break
		}

		c.bumpRetry()
		delay := bo.NextBackOff()
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return fmt.Errorf("send batch to %s failed after %d attempts: %w", c.cfg.Destination.ID, c.cfg.Retry.MaxAttempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, tags []normalize.Tag) error {
	stream, err := c.openStream(ctx)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		msg, err := tagToStruct(tag)
		if err != nil {
			return &SchemaError{Err: err}
		}
		if err := stream.Send(msg); err != nil {
			if isStreamClosedByServer(err) {
				c.dropStream()
			}
			return classifySendError(err)
		}
	}
	return nil
}

// tagToStruct converts a normalized Tag into the wire envelope sent over
// the stream.
func tagToStruct(tag normalize.Tag) (*structpb.Struct, error) {
	fields := map[string]any{
		"tag_path":     tag.TagPath,
		"tag_id":       tag.TagID,
		"data_type":    string(tag.DataType),
		"quality":      string(tag.Quality),
		"event_time_ms": tag.EventTimeMs,
		"source_name":  tag.SourceName,
		"protocol":     string(tag.Protocol),
	}
	if tag.Value != nil {
		fields["value"] = tag.Value
	}
	for k, v := range tag.Metadata {
		fields["metadata_"+k] = v
	}
	return structpb.NewStruct(fields)
}

// classifySendError tells a non-retriable schema rejection from a
// transient one, preferring the gRPC status code the backend actually sent
// (InvalidArgument, FailedPrecondition "schema", PermissionDenied are all
// schema-class per the destination's ingest contract) and falling back to
// substring matching only for errors that never reach us as a real status
// (e.g. local marshal failures).
func classifySendError(err error) error {
	switch grpcCode(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied:
		return &SchemaError{Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "InvalidArgument") || strings.Contains(msg, "unrecognized field name") ||
		strings.Contains(msg, "decoder/encoder error") {
		return &SchemaError{Err: err}
	}
	return err
}

// grpcCode extracts the gRPC status code from err, or codes.Unknown if err
// did not carry one.
func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}
	return st.Code()
}

// isUnauthenticated reports whether err is a gRPC Unauthenticated
// rejection, the trigger for the one-shot credential refresh in SendBatch.
func isUnauthenticated(err error) bool {
	return grpcCode(err) == codes.Unauthenticated
}

func isSchemaError(err error) bool {
	if err == nil {
		return false
	}
	var se *SchemaError
	return asSchemaError(err, &se)
}

func asSchemaError(err error, target **SchemaError) bool {
	for err != nil {
		if se, ok := err.(*SchemaError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isStreamClosedByServer(err error) bool {
	return strings.Contains(err.Error(), "stream is closed") || strings.Contains(err.Error(), "EOF")
}

func newBatchBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return b
}

// Metrics returns a snapshot of send counters.
func (c *Client) Metrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

func (c *Client) bumpSuccess(n int) {
	c.metricsMu.Lock()
	c.metrics.RecordsSent += int64(n)
	c.metrics.BatchesSent++
	c.metricsMu.Unlock()
}

func (c *Client) bumpFailure() {
	c.metricsMu.Lock()
	c.metrics.Failures++
	c.metricsMu.Unlock()
}

func (c *Client) bumpRetry() {
	c.metricsMu.Lock()
	c.metrics.Retries++
	c.metricsMu.Unlock()
}

func (c *Client) bumpCircuitTrip() {
	c.metricsMu.Lock()
	c.metrics.CircuitBreakerTrips++
	c.metricsMu.Unlock()
}

// Status reports the connection and circuit-breaker state for diagnostics.
func (c *Client) Status() (connected bool, circuitState CircuitState) {
	c.mu.Lock()
	connected = c.stream != nil
	c.mu.Unlock()
	circuitState, _ = c.breaker.State()
	return connected, circuitState
}

// Close tears down the stream and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		_ = c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
