// Package translator holds the dialect adapters (openai, anthropic) and the
// registry the router/ingress layer uses to look one up by domain.Dialect,
// plus the gjson-based shadow extractor (ExtractShadowChunk) that passthrough
// streams use for metric capture.
package translator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// Registry manages registered dialect adapters, keyed by domain.Dialect, so
// new wire formats (Gemini, Bedrock, ...) can be added without touching the
// ingress handler's wiring.
type Registry struct {
	adapters map[domain.Dialect]ports.DialectAdapter
	logger   *logger.StyledLogger
	mu       sync.RWMutex
}

func NewRegistry(log *logger.StyledLogger) *Registry {
	return &Registry{
		adapters: make(map[domain.Dialect]ports.DialectAdapter),
		logger:   log,
	}
}

// Register adds an adapter to the registry, keyed by its own Dialect().
func (r *Registry) Register(adapter ports.DialectAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dialect := adapter.Dialect()
	if existing, exists := r.adapters[dialect]; exists {
		r.logger.Warn("Overwriting existing dialect adapter",
			"dialect", dialect,
			"old", fmt.Sprintf("%T", existing),
			"new", fmt.Sprintf("%T", adapter))
	}

	r.adapters[dialect] = adapter
	r.logger.Debug("Registered dialect adapter", "dialect", dialect, "type", fmt.Sprintf("%T", adapter))
}

// Get retrieves the adapter for a dialect.
func (r *Registry) Get(dialect domain.Dialect) (ports.DialectAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[dialect]
	if !exists {
		return nil, fmt.Errorf("no dialect adapter registered for %q (available: %v)", dialect, r.getAvailableDialects())
	}

	return adapter, nil
}

// GetAvailableDialects returns the sorted list of registered dialects.
func (r *Registry) GetAvailableDialects() []domain.Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.getAvailableDialects()
}

func (r *Registry) getAvailableDialects() []domain.Dialect {
	dialects := make([]domain.Dialect, 0, len(r.adapters))
	for d := range r.adapters {
		dialects = append(dialects, d)
	}
	sort.Slice(dialects, func(i, j int) bool { return dialects[i] < dialects[j] })
	return dialects
}
