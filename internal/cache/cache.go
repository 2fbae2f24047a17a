// Package cache provides the shared read-through cache for query
// responses. Entries are keyed by the normalized query plus a generation
// epoch; invalidation replaces the epoch, making every cached body
// unreachable at once. Every write path invalidates after commit, which
// is what makes a shared cache admissible at all.
package cache

import "context"

// Service is the query response cache contract.
type Service interface {
	// Get returns the cached response body for a query key, if present.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a response body under a query key.
	Set(ctx context.Context, key string, body []byte)
	// Invalidate starts a new generation; previously cached bodies are
	// no longer served.
	Invalidate(ctx context.Context) error
	// Close releases cache resources.
	Close() error
}

// Disabled is the no-op cache used when caching is turned off.
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Disabled) Set(context.Context, string, []byte)        {}
func (Disabled) Invalidate(context.Context) error           { return nil }
func (Disabled) Close() error                               { return nil }
