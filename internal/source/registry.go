package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"protocol-metrics/internal/breaker"
	"protocol-metrics/internal/cache"
)

// Health is the read-side view of one source.
type Health struct {
	Source               ID            `json:"source"`
	State                breaker.State `json:"state"`
	ConsecutiveFailures  uint32        `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32        `json:"consecutive_successes"`
	LastTransition       time.Time     `json:"last_transition"`
	LastLatencyMS        *int64        `json:"last_latency_ms"`
}

// Registry owns one guard per source ID and the cache they share.
type Registry struct {
	mu      sync.RWMutex
	guards  map[ID]*Guard
	order   []ID
	results *cache.ResultCache[Response]
	logger  zerolog.Logger
}

// NewRegistry constructs an empty registry over results.
func NewRegistry(results *cache.ResultCache[Response], logger zerolog.Logger) *Registry {
	return &Registry{
		guards:  make(map[ID]*Guard),
		results: results,
		logger:  logger,
	}
}

// Register guards adapter. Registering the same ID twice is an error.
func (r *Registry) Register(adapter Adapter, opts GuardOptions) (*Guard, error) {
	id := adapter.ID()
	if id == "" {
		return nil, fmt.Errorf("register source: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[id]; exists {
		return nil, fmt.Errorf("register source %s: already registered", id)
	}

	g := NewGuard(adapter, r.results, opts, r.logger)
	r.guards[id] = g
	r.order = append(r.order, id)
	return g, nil
}

// Guard returns the guard for id.
func (r *Registry) Guard(id ID) (*Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[id]
	return g, ok
}

// Fetch routes q to the guard for id.
func (r *Registry) Fetch(ctx context.Context, id ID, q Query, ttl time.Duration) (Response, error) {
	g, ok := r.Guard(id)
	if !ok {
		return Response{}, &SourceError{Source: id, Err: ErrUnknownSource}
	}
	return g.Fetch(ctx, q, ttl)
}

// Peek returns a fresh cached response for q without fetching. Unknown ids miss.
func (r *Registry) Peek(id ID, q Query) (Response, bool) {
	g, ok := r.Guard(id)
	if !ok {
		return Response{}, false
	}
	return g.Peek(q)
}

// Health lists every source in registration order.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	guards := make([]*Guard, 0, len(r.order))
	for _, id := range r.order {
		guards = append(guards, r.guards[id])
	}
	r.mu.RUnlock()

	out := make([]Health, 0, len(guards))
	for _, g := range guards {
		out = append(out, g.Health())
	}
	return out
}
