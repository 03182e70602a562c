package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Group hands out one breaker per name, all built from the same config.
// The research dispatcher keeps one per external step so a failing step
// cannot trip the others.
type Group struct {
	service string
	config  Config
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates an empty breaker group registered under service for metrics
func NewGroup(service string, config Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		service:  service,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := newBreaker(name, g.service, g.config, g.logger)
	g.breakers[name] = cb
	return cb
}

// States snapshots the state of every breaker created so far
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]State, len(g.breakers))
	for name, cb := range g.breakers {
		out[name] = cb.State()
	}
	return out
}
