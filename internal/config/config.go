// Package config loads and validates the connector's YAML configuration:
// sources, destinations, routing, backpressure, batching, retry, circuit
// breaker, normalization defaults, and outbound proxy settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arc-self/apps/ot-edge-connector/internal/batch"
	"github.com/arc-self/apps/ot-edge-connector/internal/credstore"
	"github.com/arc-self/apps/ot-edge-connector/internal/destination"
	"github.com/arc-self/apps/ot-edge-connector/internal/queue"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
	"github.com/arc-self/apps/ot-edge-connector/internal/source"
	"github.com/arc-self/apps/ot-edge-connector/internal/streamclient"
)

// NormalizationDefaults carries the site/area/line/equipment fallback
// values applied to tags whose source data gives no hierarchy hints.
type NormalizationDefaults struct {
	Enabled   bool   `yaml:"enabled"`
	Site      string `yaml:"site"`
	Area      string `yaml:"area"`
	Line      string `yaml:"line"`
	Equipment string `yaml:"equipment"`
}

// ProxyConfig holds the proxy section of the configuration. It is parsed
// and checked by validateProxyBypass only: the stream client and the
// protocol clients do not read it, and no PROXY_* environment variable is
// consulted.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	HTTP     string `yaml:"http"`
	HTTPS    string `yaml:"https"`
	NoProxy  string `yaml:"no_proxy"`
	UseEnv   bool   `yaml:"use_env"`
}

// rawSource/rawDestination mirror the YAML shape before credential
// placeholders are resolved and defaults applied.
type rawSource struct {
	Name           string         `yaml:"name"`
	Protocol       string         `yaml:"protocol"`
	Endpoint       string         `yaml:"endpoint"`
	Enabled        *bool          `yaml:"enabled"`
	RoutingHint    string         `yaml:"routing_hint"`
	ProtocolParams map[string]any `yaml:"protocol_params"`
}

type rawDestination struct {
	WorkspaceHost string `yaml:"workspace_host"`
	EndpointHost  string `yaml:"endpoint_host"`
	Catalog       string `yaml:"catalog"`
	Schema        string `yaml:"schema"`
	Table         string `yaml:"table"`
	AuthRef       string `yaml:"auth_ref"`
}

type rawFile struct {
	Sources      []rawSource               `yaml:"sources"`
	Destinations map[string]rawDestination `yaml:"destinations"`
	Routing      struct {
		DefaultDestination string `yaml:"default_destination"`
	} `yaml:"routing"`
	Backpressure struct {
		MaxInMemory   int    `yaml:"max_in_memory"`
		DropPolicy    string `yaml:"drop_policy"`
		SpoolEnabled  bool   `yaml:"spool_enabled"`
		SpoolDir      string `yaml:"spool_dir"`
		SpoolMaxBytes int64  `yaml:"spool_max_bytes"`
	} `yaml:"backpressure"`
	Batch struct {
		MaxRecords int `yaml:"max_records"`
		MaxAgeMs   int `yaml:"max_age_ms"`
	} `yaml:"batch"`
	Retry struct {
		InitialBackoffMs int     `yaml:"initial_backoff_ms"`
		MaxBackoffMs     int     `yaml:"max_backoff_ms"`
		Multiplier       float64 `yaml:"multiplier"`
		MaxAttempts      int     `yaml:"max_attempts"`
	} `yaml:"retry"`
	CircuitBreaker struct {
		FailureThreshold     int `yaml:"failure_threshold"`
		CooldownMs           int `yaml:"cooldown_ms"`
		HalfOpenMaxProbes    int `yaml:"half_open_max_probes"`
		HalfOpenRequiredSucc int `yaml:"half_open_required_successes"`
	} `yaml:"circuit_breaker"`
	Normalization NormalizationDefaults `yaml:"normalization"`
	Proxy         ProxyConfig           `yaml:"proxy"`
}

// Config is the fully resolved, validated connector configuration.
type Config struct {
	Sources              []source.Source
	Destinations         map[string]destination.Destination
	DestinationAuthRef    map[string]string
	DefaultDestinationID string
	Queue                queue.Config
	Batch                batch.Config
	Retry                streamclient.RetryConfig
	CircuitBreaker       streamclient.CircuitBreakerConfig
	Normalization        NormalizationDefaults
	Proxy                ProxyConfig
}

var credentialPlaceholder = regexp.MustCompile(`\$\{credential:([^}]+)\}`)

// Load reads and parses the YAML file at path, resolves every
// ${credential:<key>} placeholder via store, applies component defaults,
// and validates the result. Operationally risky but syntactically valid
// settings (e.g. an enabled proxy with no no_proxy bypass list) are
// logged as warnings through logger rather than failing the load.
func Load(path string, store credstore.Store, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	resolved, err := resolveCredentials(string(data), store)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	var raw rawFile
	if err := yaml.Unmarshal([]byte(resolved), &raw); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg, err := build(raw)
	if err != nil {
		return nil, err
	}
	if warning := cfg.validateProxyBypass(); warning != nil && logger != nil {
		logger.Warn(warning.Error())
	}
	return cfg, nil
}

// resolveCredentials substitutes every ${credential:<key>} occurrence in
// raw with the value store.Resolve(key) returns, failing closed if any
// referenced credential cannot be resolved.
func resolveCredentials(raw string, store credstore.Store) (string, error) {
	var resolveErr error
	out := credentialPlaceholder.ReplaceAllStringFunc(raw, func(match string) string {
		sub := credentialPlaceholder.FindStringSubmatch(match)
		key := sub[1]
		val, err := store.Resolve(key)
		if err != nil {
			resolveErr = fmt.Errorf("credential %q: %w", key, err)
			return match
		}
		return val
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

func build(raw rawFile) (*Config, error) {
	cfg := &Config{
		Destinations:       make(map[string]destination.Destination),
		DestinationAuthRef: make(map[string]string),
	}

	for _, rs := range raw.Sources {
		enabled := true
		if rs.Enabled != nil {
			enabled = *rs.Enabled
		}
		s := source.Source{
			Name:           rs.Name,
			Protocol:       record.Protocol(strings.ToLower(rs.Protocol)),
			Endpoint:       rs.Endpoint,
			Enabled:        enabled,
			RoutingHint:    rs.RoutingHint,
			ProtocolParams: rs.ProtocolParams,
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", rs.Name, err)
		}
		cfg.Sources = append(cfg.Sources, s)
	}

	for id, rd := range raw.Destinations {
		dest := destination.New(destination.Config{
			WorkspaceHost: rd.WorkspaceHost,
			EndpointHost:  rd.EndpointHost,
			Catalog:       rd.Catalog,
			Schema:        rd.Schema,
			Table:         rd.Table,
			AuthRef:       rd.AuthRef,
		})
		cfg.Destinations[id] = dest
		cfg.DestinationAuthRef[id] = rd.AuthRef
	}

	cfg.DefaultDestinationID = raw.Routing.DefaultDestination

	cfg.Queue = queue.DefaultConfig()
	if raw.Backpressure.MaxInMemory > 0 {
		cfg.Queue.MaxInMemory = raw.Backpressure.MaxInMemory
	}
	if raw.Backpressure.DropPolicy == "drop_newest" {
		cfg.Queue.DropPolicy = queue.DropNewest
	}
	cfg.Queue.SpoolEnabled = raw.Backpressure.SpoolEnabled
	if raw.Backpressure.SpoolDir != "" {
		cfg.Queue.SpoolDir = raw.Backpressure.SpoolDir
	}
	if raw.Backpressure.SpoolMaxBytes > 0 {
		cfg.Queue.SpoolMaxBytes = raw.Backpressure.SpoolMaxBytes
	}

	cfg.Batch = batch.DefaultConfig()
	if raw.Batch.MaxRecords > 0 {
		cfg.Batch.MaxRecords = raw.Batch.MaxRecords
	}
	if raw.Batch.MaxAgeMs > 0 {
		cfg.Batch.MaxAge = time.Duration(raw.Batch.MaxAgeMs) * time.Millisecond
	}

	cfg.Retry = streamclient.DefaultRetryConfig()
	if raw.Retry.InitialBackoffMs > 0 {
		cfg.Retry.InitialBackoff = time.Duration(raw.Retry.InitialBackoffMs) * time.Millisecond
	}
	if raw.Retry.MaxBackoffMs > 0 {
		cfg.Retry.MaxBackoff = time.Duration(raw.Retry.MaxBackoffMs) * time.Millisecond
	}
	if raw.Retry.Multiplier > 0 {
		cfg.Retry.BackoffMultiplier = raw.Retry.Multiplier
	}
	if raw.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}

	cfg.CircuitBreaker = streamclient.DefaultCircuitBreakerConfig()
	if raw.CircuitBreaker.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = raw.CircuitBreaker.FailureThreshold
	}
	if raw.CircuitBreaker.CooldownMs > 0 {
		cfg.CircuitBreaker.Timeout = time.Duration(raw.CircuitBreaker.CooldownMs) * time.Millisecond
	}
	if raw.CircuitBreaker.HalfOpenMaxProbes > 0 {
		cfg.CircuitBreaker.HalfOpenMaxCalls = raw.CircuitBreaker.HalfOpenMaxProbes
	}
	if raw.CircuitBreaker.HalfOpenRequiredSucc > 0 {
		cfg.CircuitBreaker.HalfOpenRequiredSuccesses = raw.CircuitBreaker.HalfOpenRequiredSucc
	}

	cfg.Normalization = raw.Normalization
	cfg.Proxy = raw.Proxy

	return cfg, nil
}

// validateProxyBypass returns an advisory *ProxyBypassWarning when a proxy
// is enabled with an empty no_proxy list, since every OT device endpoint
// would otherwise route through the corporate proxy meant only for the
// remote table service connection. Load logs it and continues.
func (c *Config) validateProxyBypass() error {
	if !c.Proxy.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Proxy.NoProxy) == "" {
		return &ProxyBypassWarning{Message: "proxy enabled but no_proxy is empty: OT device connections may be routed through the proxy"}
	}
	return nil
}

// ProxyBypassWarning signals a configuration that is syntactically valid
// but operationally risky. Callers may log and continue rather than
// treating it as fatal.
type ProxyBypassWarning struct {
	Message string
}

func (w *ProxyBypassWarning) Error() string { return w.Message }
