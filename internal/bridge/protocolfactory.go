package bridge

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/protocol"
	"github.com/arc-self/apps/ot-edge-connector/internal/protocol/modbus"
	"github.com/arc-self/apps/ot-edge-connector/internal/protocol/mqtt"
	"github.com/arc-self/apps/ot-edge-connector/internal/protocol/opcua"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
	"github.com/arc-self/apps/ot-edge-connector/internal/source"
)

// newProtocolClient builds the protocol.Client variant for src, wiring its
// ProtocolParams into the variant's own Config type. Each source owns its
// own client instance; nothing here is shared across sources.
func newProtocolClient(src source.Source, onRecord protocol.OnRecord, onStats protocol.OnStats, logger *zap.Logger) (protocol.Client, error) {
	params := src.ProtocolParams
	if params == nil {
		params = map[string]any{}
	}

	switch src.Protocol {
	case record.ProtocolMQTT:
		return mqtt.New(src.Name, src.Endpoint, buildMQTTConfig(params), onRecord, onStats, logger), nil
	case record.ProtocolModbus:
		return modbus.New(src.Name, src.Endpoint, buildModbusConfig(params), onRecord, onStats, logger), nil
	case record.ProtocolOPCUA:
		return opcua.New(src.Name, src.Endpoint, buildOPCUAConfig(params), onRecord, onStats, logger), nil
	default:
		return nil, fmt.Errorf("source %q: unsupported protocol %q", src.Name, src.Protocol)
	}
}

func buildMQTTConfig(params map[string]any) mqtt.Config {
	cfg := mqtt.Config{
		ClientID: getString(params, "client_id"),
		Username: getString(params, "username"),
		Password: getString(params, "password"),
	}
	for _, raw := range getSlice(params, "topics") {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cfg.Topics = append(cfg.Topics, mqtt.Topic{
			Pattern: getString(t, "pattern"),
			QoS:     byte(getInt(t, "qos", 0)),
		})
	}
	return cfg
}

func buildModbusConfig(params map[string]any) modbus.Config {
	cfg := modbus.Config{
		UnitID: byte(getInt(params, "unit_id", 1)),
		PollMs: getInt(params, "poll_ms", 1000),
	}
	for _, raw := range getSlice(params, "ranges") {
		r, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cfg.Ranges = append(cfg.Ranges, modbus.RegisterRange{
			Type:     modbus.RegisterType(getString(r, "type")),
			Address:  uint16(getInt(r, "address", 0)),
			Quantity: uint16(getInt(r, "quantity", 1)),
		})
	}
	return cfg
}

func buildOPCUAConfig(params map[string]any) opcua.Config {
	cfg := opcua.DefaultConfig()
	if mode := getString(params, "mode"); mode != "" {
		cfg.Mode = opcua.Mode(mode)
	}
	if v := getInt(params, "polling_interval_ms", 0); v > 0 {
		cfg.PollingIntervalMs = v
	}
	if v := getInt(params, "poll_batch_size", 0); v > 0 {
		cfg.PollBatchSize = v
	}
	if v := getInt(params, "publishing_interval_ms", 0); v > 0 {
		cfg.PublishingIntervalMs = v
	}
	if v := getInt(params, "max_variables", 0); v > 0 {
		cfg.MaxVariables = v
	}
	if v := getInt(params, "max_browse_depth", 0); v > 0 {
		cfg.MaxBrowseDepth = v
	}

	if sec, ok := params["security"].(map[string]any); ok {
		cfg.Security = opcua.SecurityConfig{
			Policy:        opcua.SecurityPolicy(getString(sec, "policy")),
			Mode:          opcua.SecurityMode(getString(sec, "mode")),
			CertFile:      getString(sec, "cert_file"),
			KeyFile:       getString(sec, "key_file"),
			Username:      getString(sec, "username"),
			Password:      getString(sec, "password"),
			TrustAllCerts: getBool(sec, "trust_all_certs"),
		}
		if cfg.Security.Policy == "" {
			cfg.Security.Policy = opcua.SecurityPolicyNone
		}
		if cfg.Security.Mode == "" {
			cfg.Security.Mode = opcua.SecurityModeNone
		}
	} else {
		cfg.Security = opcua.SecurityConfig{Policy: opcua.SecurityPolicyNone, Mode: opcua.SecurityModeNone}
	}

	return cfg
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func getInt(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func getSlice(m map[string]any, key string) []any {
	if v, ok := m[key]; ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}
