// Package source models a configured protocol source: a unique, path-safe
// name bound to a protocol endpoint and its protocol-specific parameters.
package source

import (
	"fmt"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// Source is one configured OT data source.
type Source struct {
	Name         string
	Protocol     record.Protocol
	Endpoint     string
	Enabled      bool
	RoutingHint  string // optional destination id override
	ProtocolParams map[string]any
}

// Validate checks the invariants a Source must satisfy before it can be
// started: a non-empty, path-safe name, a known protocol and a non-empty
// endpoint. Name uniqueness is not checked here; Registry.Add checks it.
func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !isPathSafe(s.Name) {
		return fmt.Errorf("source name %q is not path-safe: only letters, digits, '-', '_', '.' are allowed", s.Name)
	}
	switch s.Protocol {
	case record.ProtocolOPCUA, record.ProtocolMQTT, record.ProtocolModbus:
	default:
		return fmt.Errorf("source %q: unsupported protocol %q", s.Name, s.Protocol)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("source %q: endpoint is required", s.Name)
	}
	return nil
}

func isPathSafe(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Registry tracks configured sources and rejects a duplicate source name.
// It is not synchronized: callers serialize Add and Remove themselves.
type Registry struct {
	sources map[string]Source
}

// NewRegistry constructs an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Add validates and registers a Source, rejecting a duplicate name.
func (r *Registry) Add(s Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, exists := r.sources[s.Name]; exists {
		return fmt.Errorf("source %q already exists", s.Name)
	}
	r.sources[s.Name] = s
	return nil
}

// Remove deregisters a Source by name. It is a no-op if the name is
// unknown; the caller is responsible for having already stopped that
// source's supervisor.
func (r *Registry) Remove(name string) {
	delete(r.sources, name)
}

// Get returns the Source registered under name, if any.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// All returns a snapshot of every registered Source.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}
