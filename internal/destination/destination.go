// Package destination models a streaming ingest target: a Unity Catalog
// table reachable through a destination endpoint, identified by a
// deterministic id derived from its workspace host and table coordinates.
package destination

import "strings"

// Destination is one streaming RPC target table. Two Destinations with the
// same ID share a single stream client.
type Destination struct {
	ID            string
	WorkspaceHost string
	EndpointHost  string
	Catalog       string
	Schema        string
	Table         string
	AuthRef       string // credential-store key for client_id/client_secret
}

// TableFQN returns the catalog.schema.table fully qualified name.
func (d Destination) TableFQN() string {
	return strings.Join([]string{d.Catalog, d.Schema, d.Table}, ".")
}

// Config is the raw per-destination configuration before ID derivation.
type Config struct {
	WorkspaceHost string
	EndpointHost  string
	Catalog       string
	Schema        string
	Table         string
	AuthRef       string
}

// New derives a Destination from a Config, defaulting catalog/schema/table
// the same way the default target does, and computing the deterministic
// destination id workspace_id.catalog.schema.table.
func New(cfg Config) Destination {
	catalog := orDefault(cfg.Catalog, "main")
	schema := orDefault(cfg.Schema, "iot_data")
	table := orDefault(cfg.Table, "sensor_readings")

	return Destination{
		ID:            ID(cfg.WorkspaceHost, catalog, schema, table),
		WorkspaceHost: cfg.WorkspaceHost,
		EndpointHost:  cfg.EndpointHost,
		Catalog:       catalog,
		Schema:        schema,
		Table:         table,
		AuthRef:       cfg.AuthRef,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ID derives the deterministic destination id from a workspace host URL
// (e.g. "https://acme.cloud.databricks.com") and table coordinates: the
// workspace subdomain is extracted ahead of the first dot, so distinct
// tables on the same workspace and distinct workspaces both resolve to
// distinct ids, while the same (workspace, catalog, schema, table) always
// resolves to the same one.
func ID(workspaceHost, catalog, schema, table string) string {
	workspaceID := workspaceHost
	if idx := strings.Index(workspaceHost, "//"); idx >= 0 {
		rest := workspaceHost[idx+2:]
		if dot := strings.Index(rest, "."); dot >= 0 {
			workspaceID = rest[:dot]
		} else {
			workspaceID = rest
		}
	}
	return strings.Join([]string{workspaceID, catalog, schema, table}, ".")
}

// Merge overlays override fields onto a base config, matching the
// default-target-plus-per-source-override merge a multi-destination bridge
// applies before deriving an ID.
func Merge(base, override Config) Config {
	merged := base
	if override.WorkspaceHost != "" {
		merged.WorkspaceHost = override.WorkspaceHost
	}
	if override.EndpointHost != "" {
		merged.EndpointHost = override.EndpointHost
	}
	if override.Catalog != "" {
		merged.Catalog = override.Catalog
	}
	if override.Schema != "" {
		merged.Schema = override.Schema
	}
	if override.Table != "" {
		merged.Table = override.Table
	}
	if override.AuthRef != "" {
		merged.AuthRef = override.AuthRef
	}
	return merged
}
