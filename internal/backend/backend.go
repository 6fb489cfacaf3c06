// Package backend defines the contract every model backend (Ollama,
// Anthropic, Gemini, ...) implements, and a process-wide registry
// drivers add themselves to at init time.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Chunk is one piece of streamed model output. Err is set on the
// final value sent before the channel is closed if the backend failed
// mid-stream; Text is empty in that case.
type Chunk struct {
	Text string
	Err  error
}

// Backend is the contract a model backend driver implements. Query
// returns a receive-only channel of Chunk — a finite, non-restartable
// lazy sequence of text chunks that the caller drains to completion or
// abandons by letting it go out of scope.
type Backend interface {
	Name() string
	DisplayName() string
	SupportedModels() []string
	IsAvailable(ctx context.Context) bool
	Query(ctx context.Context, messages []models.ConversationMessage, config models.BackendConfig) (<-chan Chunk, error)
}

// Registry is a thread-safe, process-wide map of registered backends.
// Each entry is wrapped in a circuit breaker so a backend that keeps
// failing is reported unavailable without re-probing it on every
// request.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	breakers map[string]*gobreaker.CircuitBreaker
}

func newRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NewRegistryForTest returns an isolated Registry, independent of the
// process-wide default, for use by package tests that exercise
// Register/Get/IsAvailable/Query without touching driver init() state.
func NewRegistryForTest() *Registry {
	return newRegistry()
}

// DefaultRegistry returns the process-wide Registry that driver
// packages register themselves with from init(). Application wiring
// code (pkg/server) uses this to hand the same instance to both the
// HTTP handlers and the orchestrator.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// defaultRegistry is the process-wide instance driver packages
// register themselves with from an init() function, mirroring the
// teacher's ModelRouter.RegisterDriver convention.
var defaultRegistry = newRegistry()

// Register adds b to the process-wide registry. Called from a driver
// subpackage's init(), never from application code directly.
func Register(b Backend) {
	defaultRegistry.Register(b)
}

// Get returns the registered backend named name, if any.
func Get(name string) (Backend, bool) {
	return defaultRegistry.Get(name)
}

// All returns every registered backend, in no particular order.
func All() []Backend {
	return defaultRegistry.All()
}

// IsAvailable probes name through its circuit breaker, applying a
// short bounded retry to smooth over cold starts (e.g. a local Ollama
// daemon still booting) without masking a backend that is genuinely
// down.
func IsAvailable(ctx context.Context, name string) bool {
	return defaultRegistry.IsAvailable(ctx, name)
}

// Query routes to the named backend through its circuit breaker.
func Query(ctx context.Context, name string, messages []models.ConversationMessage, config models.BackendConfig) (<-chan Chunk, error) {
	return defaultRegistry.Query(ctx, name, messages, config)
}

func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
	r.breakers[b.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.Name(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	log.Info().Str("backend", b.Name()).Msg("backend registered")
}

func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Registry) IsAvailable(ctx context.Context, name string) bool {
	b, ok := r.Get(name)
	if !ok {
		return false
	}
	cb := r.breaker(name)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	var available bool
	operation := func() error {
		result, err := cb.Execute(func() (interface{}, error) {
			if !b.IsAvailable(ctx) {
				return nil, fmt.Errorf("backend %q reported unavailable", name)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		available, _ = result.(bool)
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		log.Warn().Err(err).Str("backend", name).Msg("backend availability probe failed")
		return false
	}
	return available
}

func (r *Registry) Query(ctx context.Context, name string, messages []models.ConversationMessage, config models.BackendConfig) (<-chan Chunk, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q", name)
	}
	cb := r.breaker(name)

	result, err := cb.Execute(func() (interface{}, error) {
		return b.Query(ctx, messages, config)
	})
	if err != nil {
		return nil, fmt.Errorf("backend: %q: %w", name, err)
	}
	return result.(<-chan Chunk), nil
}
