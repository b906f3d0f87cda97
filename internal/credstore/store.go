// Package credstore resolves the credential placeholders that appear in
// the connector's YAML configuration against a Vault-backed secret store.
package credstore

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// Store resolves a credential key to its secret value.
type Store interface {
	Resolve(key string) (string, error)
}

// VaultStore wraps the Vault API client for reading secrets used as
// connector credentials (OAuth2 client secrets, Modbus/MQTT passwords,
// OPC-UA certificate passphrases).
type VaultStore struct {
	client     *api.Client
	mountPath  string // e.g. "secret/data/arc/ot-edge-connector"
}

// NewVaultStore creates a Vault client pointed at address and
// authenticated with token, scoped under mountPath for key lookups.
func NewVaultStore(address, token, mountPath string) (*VaultStore, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{client: client, mountPath: mountPath}, nil
}

// Resolve reads key from the configured KV v2 mount and returns its string
// value. key may be a simple name ("pg_password") or a "path#field" pair
// ("tls/opcua#passphrase") to address a field inside a nested secret.
func (s *VaultStore) Resolve(key string) (string, error) {
	path, field := splitKey(key)
	fullPath := s.mountPath
	if path != "" {
		fullPath = strings.TrimRight(s.mountPath, "/") + "/" + path
	}

	secret, err := s.client.Logical().Read(fullPath)
	if err != nil {
		return "", fmt.Errorf("read secret at %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no data found at %s", fullPath)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Not a KV v2 envelope; treat Data itself as the field map.
		data = secret.Data
	}

	value, ok := data[field]
	if !ok {
		return "", fmt.Errorf("field %q not found at %s", field, fullPath)
	}
	s2, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %q at %s is not a string", field, fullPath)
	}
	return s2, nil
}

// splitKey separates "path#field" into its parts, defaulting field to
// "value" when the key carries no explicit field.
func splitKey(key string) (path, field string) {
	if idx := strings.LastIndex(key, "#"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, "value"
}

// StaticStore is a Store backed by an in-process map, used in tests and
// for credentials already resolved by the deployment environment.
type StaticStore map[string]string

func (s StaticStore) Resolve(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("credential %q not found", key)
	}
	return v, nil
}
