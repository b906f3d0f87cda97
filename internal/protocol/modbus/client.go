// Package modbus implements the Modbus-TCP Protocol Client variant (C1):
// on a configured poll cadence, reads specified register ranges and emits
// one record.Raw per scalar.
package modbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goburrow "github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/protocol"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// RegisterType selects which Modbus function code a RegisterRange reads
// with.
type RegisterType string

const (
	RegisterHolding  RegisterType = "holding"
	RegisterInput    RegisterType = "input"
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
)

// RegisterRange is one contiguous block of registers to poll each cycle.
type RegisterRange struct {
	Type     RegisterType
	Address  uint16
	Quantity uint16
}

// Config holds the per-source Modbus-TCP parameters.
type Config struct {
	UnitID      byte
	PollMs      int
	Ranges      []RegisterRange
}

// Client is the Modbus-TCP Protocol Client.
type Client struct {
	sourceName string
	endpoint   string
	cfg        Config
	onRecord   protocol.OnRecord
	onStats    protocol.OnStats
	logger     *zap.Logger

	mu      sync.Mutex
	handler *goburrow.TCPClientHandler
	client  goburrow.Client
}

// New constructs a Modbus-TCP Client.
func New(sourceName, endpoint string, cfg Config, onRecord protocol.OnRecord, onStats protocol.OnStats, logger *zap.Logger) *Client {
	if cfg.PollMs <= 0 {
		cfg.PollMs = 1000
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

func (c *Client) ProtocolType() record.Protocol { return record.ProtocolModbus }
func (c *Client) SourceName() string            { return c.sourceName }
func (c *Client) Endpoint() string              { return c.endpoint }

// Connect opens the TCP session to the Modbus slave.
func (c *Client) Connect(ctx context.Context) error {
	handler := goburrow.NewTCPClientHandler(c.endpoint)
	handler.Timeout = protocol.ConnectTimeout(record.ProtocolModbus)
	handler.SlaveId = c.cfg.UnitID

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbus connect %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.handler = handler
	c.client = goburrow.NewClient(handler)
	c.mu.Unlock()
	return nil
}

// Disconnect closes the TCP session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	handler := c.handler
	c.handler = nil
	c.client = nil
	c.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler.Close()
}

// SubscribeOrPoll reads the configured register ranges on the configured
// cadence until ctx is cancelled.
func (c *Client) SubscribeOrPoll(ctx context.Context) error {
	interval := time.Duration(c.cfg.PollMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Client) pollOnce() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	for _, rng := range c.cfg.Ranges {
		c.readRange(client, rng)
	}
}

func (c *Client) readRange(client goburrow.Client, rng RegisterRange) {
	now := time.Now().UnixMilli()
	path := registerPath(rng)

	var values []uint16
	var bools []bool
	var err error

	switch rng.Type {
	case RegisterInput:
		var raw []byte
		raw, err = client.ReadInputRegisters(rng.Address, rng.Quantity)
		values = bytesToRegisters(raw)
	case RegisterCoil:
		var raw []byte
		raw, err = client.ReadCoils(rng.Address, rng.Quantity)
		bools = bytesToBits(raw, int(rng.Quantity))
	case RegisterDiscrete:
		var raw []byte
		raw, err = client.ReadDiscreteInputs(rng.Address, rng.Quantity)
		bools = bytesToBits(raw, int(rng.Quantity))
	default: // holding
		var raw []byte
		raw, err = client.ReadHoldingRegisters(rng.Address, rng.Quantity)
		values = bytesToRegisters(raw)
	}

	if err != nil {
		// An exception response maps to bad quality downstream; it is
		// emitted as a single record carrying the exception, not dropped.
		c.onRecord(record.Raw{
			EventTimeMs:   now,
			SourceName:    c.sourceName,
			Endpoint:      c.endpoint,
			Protocol:      record.ProtocolModbus,
			TopicOrPath:   path,
			Value:         nil,
			ValueTypeName: "error",
			StatusText:    err.Error(),
			Metadata:      map[string]any{"exception": true},
		})
		c.logger.Debug("modbus read failed", zap.String("source", c.sourceName),
			zap.String("range", path), zap.Error(err))
		return
	}

	if bools != nil {
		for i, b := range bools {
			c.emitScalar(fmt.Sprintf("%s:%d", path, int(rng.Address)+i), b, now)
		}
		return
	}
	for i, v := range values {
		c.emitScalar(fmt.Sprintf("%s:%d", path, int(rng.Address)+i), int64(v), now)
	}
}

func (c *Client) emitScalar(path string, value any, nowMs int64) {
	c.onRecord(record.Raw{
		EventTimeMs:   nowMs,
		SourceName:    c.sourceName,
		Endpoint:      c.endpoint,
		Protocol:      record.ProtocolModbus,
		TopicOrPath:   path,
		Value:         value,
		ValueTypeName: fmt.Sprintf("%T", value),
		StatusCode:    0,
		StatusText:    "Good",
	})
}

func registerPath(rng RegisterRange) string {
	return "register:" + strconv.Itoa(int(rng.Address))
}

func bytesToRegisters(raw []byte) []uint16 {
	out := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		out = append(out, uint16(raw[i])<<8|uint16(raw[i+1]))
	}
	return out
}

func bytesToBits(raw []byte, quantity int) []bool {
	out := make([]bool, 0, quantity)
	for i := 0; i < quantity; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(raw) {
			out = append(out, false)
			continue
		}
		out = append(out, raw[byteIdx]&(1<<bitIdx) != 0)
	}
	return out
}

// Test performs a bounded connect-disconnect probe.
func (c *Client) Test(ctx context.Context) protocol.TestResult {
	start := time.Now()
	handler := goburrow.NewTCPClientHandler(c.endpoint)
	handler.Timeout = protocol.ConnectTimeout(record.ProtocolModbus)
	handler.SlaveId = c.cfg.UnitID

	if err := handler.Connect(); err != nil {
		return protocol.TestResult{OK: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	defer handler.Close()

	return protocol.TestResult{
		OK:         true,
		DurationMs: time.Since(start).Milliseconds(),
		ServerInfo: map[string]any{"endpoint": c.endpoint, "unit_id": c.cfg.UnitID},
	}
}
