// Package mqtt implements the MQTT Protocol Client variant (C1): subscribes
// to configured topic patterns at configured QoS and turns each message
// into a record.Raw.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/protocol"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// Topic is one subscription pattern (supporting + and # wildcards) at a
// given QoS level.
type Topic struct {
	Pattern string
	QoS     byte
}

// Config holds the per-source MQTT parameters.
type Config struct {
	ClientID string
	Username string
	Password string
	Topics   []Topic
}

// Client is the MQTT Protocol Client.
type Client struct {
	sourceName string
	endpoint   string
	cfg        Config
	onRecord   protocol.OnRecord
	onStats    protocol.OnStats
	logger     *zap.Logger

	mu     sync.Mutex
	client paho.Client
}

// New constructs an MQTT Client.
func New(sourceName, endpoint string, cfg Config, onRecord protocol.OnRecord, onStats protocol.OnStats, logger *zap.Logger) *Client {
	return &Client{
		sourceName: sourceName,
		endpoint:   endpoint,
		cfg:        cfg,
		onRecord:   onRecord,
		onStats:    onStats,
		logger:     logger,
	}
}

func (c *Client) ProtocolType() record.Protocol { return record.ProtocolMQTT }
func (c *Client) SourceName() string            { return c.sourceName }
func (c *Client) Endpoint() string              { return c.endpoint }

func (c *Client) opts() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.endpoint)
	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "ot-edge-" + c.sourceName
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false) // the shared protocol.RunWithReconnect loop owns reconnection
	opts.SetConnectTimeout(protocol.ConnectTimeout(record.ProtocolMQTT))
	opts.SetCleanSession(true)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("mqtt connection lost", zap.String("source", c.sourceName), zap.Error(err))
	})
	return opts
}

// Connect opens the MQTT connection. Subscriptions happen in
// SubscribeOrPoll.
func (c *Client) Connect(ctx context.Context) error {
	client := paho.NewClient(c.opts())
	token := client.Connect()
	if !token.WaitTimeout(protocol.ConnectTimeout(record.ProtocolMQTT)) {
		return fmt.Errorf("mqtt connect %s: timed out", c.endpoint)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

// SubscribeOrPoll subscribes to the configured topics and blocks until ctx
// is cancelled.
func (c *Client) SubscribeOrPoll(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt subscribe: not connected")
	}

	for _, t := range c.cfg.Topics {
		topic := t
		token := client.Subscribe(topic.Pattern, topic.QoS, func(_ paho.Client, msg paho.Message) {
			c.handleMessage(topic.Pattern, msg)
		})
		if !token.WaitTimeout(protocol.ConnectTimeout(record.ProtocolMQTT)) {
			return fmt.Errorf("mqtt subscribe %s: timed out", topic.Pattern)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic.Pattern, err)
		}
	}

	<-ctx.Done()
	return nil
}

func (c *Client) handleMessage(pattern string, msg paho.Message) {
	payload := msg.Payload()
	raw := record.Raw{
		EventTimeMs: time.Now().UnixMilli(),
		SourceName:  c.sourceName,
		Endpoint:    c.endpoint,
		Protocol:    record.ProtocolMQTT,
		TopicOrPath: msg.Topic(),
		Value:       decodePayload(payload),
		Metadata: map[string]any{
			"retained":      msg.Retained(),
			"qos":           msg.Qos(),
			"topic_pattern": pattern,
			"stale":         msg.Retained(),
		},
		StatusCode: 0,
		StatusText: "Good",
	}
	raw.ValueTypeName = fmt.Sprintf("%T", raw.Value)
	c.onRecord(raw)
}

// decodePayload converts an MQTT payload into a scalar value: numeric and
// boolean literals are parsed, everything else is kept as a string.
func decodePayload(payload []byte) any {
	s := string(payload)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// Test performs a bounded connect-disconnect probe.
func (c *Client) Test(ctx context.Context) protocol.TestResult {
	start := time.Now()
	client := paho.NewClient(c.opts())
	token := client.Connect()
	if !token.WaitTimeout(protocol.ConnectTimeout(record.ProtocolMQTT)) {
		return protocol.TestResult{OK: false, Error: "connect timed out", DurationMs: time.Since(start).Milliseconds()}
	}
	if err := token.Error(); err != nil {
		return protocol.TestResult{OK: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	client.Disconnect(250)
	return protocol.TestResult{
		OK:         true,
		DurationMs: time.Since(start).Milliseconds(),
		ServerInfo: map[string]any{"broker": c.endpoint},
	}
}
