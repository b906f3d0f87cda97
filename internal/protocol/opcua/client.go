// Package opcua implements the OPC-UA Protocol Client variant (C1):
// address-space discovery from the Objects root, and either polling or
// subscription-based data acquisition, guarded by the configurable
// security policy/mode in security.go.
package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/protocol"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// Mode selects between polling and subscription acquisition.
type Mode string

const (
	ModePolling      Mode = "polling"
	ModeSubscription Mode = "subscription"
)

// Config holds the per-source OPC-UA parameters.
type Config struct {
	Mode                Mode
	PollingIntervalMs    int
	PollBatchSize        int
	PublishingIntervalMs int
	MaxVariables         int
	MaxBrowseDepth       int
	Security             SecurityConfig
}

// DefaultConfig returns sensible defaults: polling mode, 500 variable
// cap, batches of 25 concurrent reads.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModePolling,
		PollingIntervalMs:    1000,
		PollBatchSize:        25,
		PublishingIntervalMs: 1000,
		MaxVariables:         500,
		MaxBrowseDepth:       10,
	}
}

// tag is a cached (node, node id, tag name) triple discovered during
// address-space browse.
type tag struct {
	nodeID  *ua.NodeID
	tagName string
}

// Client is the OPC-UA Protocol Client.
type Client struct {
	sourceName string
	endpoint   string
	cfg        Config
	onRecord   protocol.OnRecord
	onStats    protocol.OnStats
	logger     *zap.Logger

	mu        sync.Mutex
	uaClient  *opcua.Client
	tags      []tag
	errCount  int
}

// New constructs an OPC-UA Client.
func New(sourceName, endpoint string, cfg Config, onRecord protocol.OnRecord, onStats protocol.OnStats, logger *zap.Logger) *Client {
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 25
	}
	if cfg.MaxVariables <= 0 {
		cfg.MaxVariables = 500
	}
	if cfg.MaxBrowseDepth <= 0 {
		cfg.MaxBrowseDepth = 10
	}
	if cfg.PollingIntervalMs <= 0 {
		cfg.PollingIntervalMs = 1000
	}
	if cfg.PublishingIntervalMs <= 0 {
		cfg.PublishingIntervalMs = 1000
	}
	return &Client{
		sourceName: sourceName,
		endpoint:   endpoint,
		cfg:        cfg,
		onRecord:   onRecord,
		onStats:    onStats,
		logger:     logger,
	}
}

func (c *Client) ProtocolType() record.Protocol { return record.ProtocolOPCUA }
func (c *Client) SourceName() string            { return c.sourceName }
func (c *Client) Endpoint() string              { return c.endpoint }

// Connect opens the OPC-UA session and walks the address space from the
// Objects root, caching up to cfg.MaxVariables (node, node id, tag name)
// triples.
func (c *Client) Connect(ctx context.Context) error {
	opts, err := c.cfg.Security.clientOptions()
	if err != nil {
		return &protocol.FatalConfigError{Err: fmt.Errorf("opcua security config: %w", err)}
	}

	uaClient, err := opcua.NewClient(c.endpoint, opts...)
	if err != nil {
		return &protocol.FatalConfigError{Err: fmt.Errorf("opcua client construction: %w", err)}
	}

	if err := uaClient.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect %s: %w", c.endpoint, err)
	}

	tags, err := browseAddressSpace(ctx, uaClient, c.cfg.MaxBrowseDepth, c.cfg.MaxVariables)
	if err != nil {
		_ = uaClient.Close(ctx)
		return fmt.Errorf("opcua browse: %w", err)
	}

	c.mu.Lock()
	c.uaClient = uaClient
	c.tags = tags
	c.errCount = 0
	c.mu.Unlock()

	c.logger.Info("opcua address space browsed",
		zap.String("source", c.sourceName), zap.Int("variables", len(tags)))
	return nil
}

// Disconnect closes the session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	uaClient := c.uaClient
	c.uaClient = nil
	c.mu.Unlock()

	if uaClient == nil {
		return nil
	}
	return uaClient.Close(ctx)
}

// SubscribeOrPoll dispatches to polling or subscription acquisition
// depending on cfg.Mode, and blocks until ctx is cancelled.
func (c *Client) SubscribeOrPoll(ctx context.Context) error {
	switch c.cfg.Mode {
	case ModeSubscription:
		return c.runSubscription(ctx)
	default:
		return c.runPolling(ctx)
	}
}

func (c *Client) runPolling(ctx context.Context) error {
	interval := time.Duration(c.cfg.PollingIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	uaClient := c.uaClient
	tags := c.tags
	c.mu.Unlock()
	if uaClient == nil {
		return
	}

	batchSize := c.cfg.PollBatchSize
	var wg sync.WaitGroup
	for start := 0; start < len(tags); start += batchSize {
		end := start + batchSize
		if end > len(tags) {
			end = len(tags)
		}
		chunk := tags[start:end]
		wg.Add(1)
		go func(chunk []tag) {
			defer wg.Done()
			c.readChunk(ctx, uaClient, chunk)
		}(chunk)
	}
	wg.Wait()
}

func (c *Client) readChunk(ctx context.Context, uaClient *opcua.Client, chunk []tag) {
	ids := make([]*ua.ReadValueID, len(chunk))
	for i, t := range chunk {
		ids[i] = &ua.ReadValueID{NodeID: t.nodeID}
	}

	resp, err := uaClient.Read(ctx, &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        ids,
	})
	if err != nil {
		c.mu.Lock()
		c.errCount += len(chunk)
		c.mu.Unlock()
		c.logger.Debug("opcua batch read failed", zap.String("source", c.sourceName), zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	for i, dv := range resp.Results {
		if dv.Status != ua.StatusOK && dv.Value == nil {
			// Unreadable node: skip silently, count the error.
			c.mu.Lock()
			c.errCount++
			c.mu.Unlock()
			continue
		}
		raw := record.Raw{
			EventTimeMs:   now,
			SourceName:    c.sourceName,
			Endpoint:      c.endpoint,
			Protocol:      record.ProtocolOPCUA,
			TopicOrPath:   chunk[i].tagName,
			StatusCode:    int(dv.Status),
			StatusText:    dv.Status.Error(),
		}
		if dv.Value != nil {
			raw.Value = dv.Value.Value()
			raw.ValueTypeName = fmt.Sprintf("%T", raw.Value)
		}
		c.onRecord(raw)
	}
}

func (c *Client) runSubscription(ctx context.Context) error {
	c.mu.Lock()
	uaClient := c.uaClient
	tags := c.tags
	c.mu.Unlock()
	if uaClient == nil {
		return fmt.Errorf("opcua subscription: not connected")
	}

	notifyCh := make(chan *opcua.PublishNotificationData)
	sub, err := uaClient.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: time.Duration(c.cfg.PublishingIntervalMs) * time.Millisecond,
	}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua create subscription: %w", err)
	}
	defer sub.Cancel(ctx)

	handles := make(map[uint32]string, len(tags))
	var reqs []*ua.MonitoredItemCreateRequest
	for i, t := range tags {
		handle := uint32(i + 1)
		handles[handle] = t.tagName
		reqs = append(reqs, opcua.NewMonitoredItemCreateRequestWithDefaults(t.nodeID, ua.AttributeIDValue, handle))
	}
	if len(reqs) > 0 {
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...); err != nil {
			return fmt.Errorf("opcua monitor items: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-notifyCh:
			if res == nil || res.Error != nil {
				continue
			}
			event, ok := res.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range event.MonitoredItems {
				tagName := handles[item.ClientHandle]
				if tagName == "" {
					continue
				}
				c.emitFromMonitoredItem(tagName, item)
			}
		}
	}
}

func (c *Client) emitFromMonitoredItem(tagName string, item *ua.MonitoredItemNotification) {
	raw := record.Raw{
		EventTimeMs: time.Now().UnixMilli(),
		SourceName:  c.sourceName,
		Endpoint:    c.endpoint,
		Protocol:    record.ProtocolOPCUA,
		TopicOrPath: tagName,
	}
	if item.Value != nil {
		raw.StatusCode = int(item.Value.Status)
		raw.StatusText = item.Value.Status.Error()
		if item.Value.Value != nil {
			raw.Value = item.Value.Value.Value()
			raw.ValueTypeName = fmt.Sprintf("%T", raw.Value)
		}
		if !item.Value.SourceTimestamp.IsZero() {
			raw.EventTimeMs = item.Value.SourceTimestamp.UnixMilli()
		}
	}
	c.onRecord(raw)
}

// Test performs a bounded connect-browse-disconnect probe without
// affecting a running client's state.
func (c *Client) Test(ctx context.Context) protocol.TestResult {
	start := time.Now()
	opts, err := c.cfg.Security.clientOptions()
	if err != nil {
		return protocol.TestResult{OK: false, Error: err.Error()}
	}

	uaClient, err := opcua.NewClient(c.endpoint, opts...)
	if err != nil {
		return protocol.TestResult{OK: false, Error: err.Error()}
	}

	if err := uaClient.Connect(ctx); err != nil {
		return protocol.TestResult{OK: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	defer uaClient.Close(ctx)

	info := map[string]any{"endpoint": c.endpoint}
	return protocol.TestResult{
		OK:         true,
		DurationMs: time.Since(start).Milliseconds(),
		ServerInfo: info,
	}
}
