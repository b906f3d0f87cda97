// Package router implements the Router (C4): a pure function from a
// dequeued tag and its source's routing hint to a destination id.
package router

import "github.com/arc-self/apps/ot-edge-connector/internal/normalize"

// Router computes a destination id for each tag dequeued from the
// backpressure queue.
type Router struct {
	// RoutingHints maps source_name to an explicit destination id
	// override.
	RoutingHints map[string]string
	// DefaultDestinationID is used when a source has no routing hint.
	DefaultDestinationID string
}

// New constructs a Router from the given hints and default destination.
func New(hints map[string]string, defaultDestinationID string) *Router {
	if hints == nil {
		hints = map[string]string{}
	}
	return &Router{RoutingHints: hints, DefaultDestinationID: defaultDestinationID}
}

// Route returns the destination id for tag, and ok=false if neither a
// routing hint nor a default destination is configured — in which case the
// caller must count the tag under unroutable and drop it. Route is pure:
// the same (tag.SourceName, RoutingHints, DefaultDestinationID) always
// yields the same result.
func (r *Router) Route(tag normalize.Tag) (destinationID string, ok bool) {
	if hint, exists := r.RoutingHints[tag.SourceName]; exists && hint != "" {
		return hint, true
	}
	if r.DefaultDestinationID != "" {
		return r.DefaultDestinationID, true
	}
	return "", false
}
