// Package server provides the public entry point for initializing the
// comfy-pilot control plane server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/comfy-pilot/control-plane/internal/api"
	"github.com/comfy-pilot/control-plane/internal/api/handlers"
	"github.com/comfy-pilot/control-plane/internal/backend"
	_ "github.com/comfy-pilot/control-plane/internal/backend/anthropic"
	_ "github.com/comfy-pilot/control-plane/internal/backend/gemini"
	_ "github.com/comfy-pilot/control-plane/internal/backend/ollama"
	"github.com/comfy-pilot/control-plane/internal/config"
	"github.com/comfy-pilot/control-plane/internal/host"
	"github.com/comfy-pilot/control-plane/internal/knowledge"
	"github.com/comfy-pilot/control-plane/internal/orchestrator"
	"github.com/comfy-pilot/control-plane/internal/registry"
	"github.com/comfy-pilot/control-plane/internal/sessions"
	"github.com/comfy-pilot/control-plane/internal/telemetry"
	"github.com/comfy-pilot/control-plane/internal/validator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized comfy-pilot control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Backends is the process-wide model backend registry. The three
	// driver subpackages self-register against it from init().
	Backends *backend.Registry

	// Registry is the execution host's operator catalog cache.
	Registry *registry.Registry

	// Sessions is the in-memory multi-turn session store.
	Sessions *sessions.MemorySessionStore

	// Metrics holds the Prometheus collectors registered against the
	// default registerer, scraped by GET /metrics.
	Metrics *telemetry.Metrics

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := registry.New(cfg.Host.BaseURL, time.Duration(cfg.Host.RegistryTTL)*time.Second)
	if ok := reg.Fetch(ctx); !ok {
		log.Warn().Msg("⚠️  initial operator registry fetch failed, will retry before the next validation")
	} else {
		log.Info().Msg("✅ operator registry loaded from execution host")
	}

	v := validator.New(reg)

	know := knowledge.New(cfg.Knowledge.Dir)
	if err := know.LoadAll(); err != nil {
		log.Warn().Err(err).Msg("⚠️  knowledge base failed to load, continuing with none")
	} else {
		log.Info().Msg("✅ knowledge base loaded")
	}

	sessStore := sessions.NewMemorySessionStore()
	log.Info().Msg("✅ session store initialized (in-memory)")

	hostClient := host.New(cfg.Host.BaseURL)

	for _, b := range backend.All() {
		log.Info().Str("backend", b.Name()).Msg("✅ model backend registered")
	}

	orch := orchestrator.New(backend.DefaultRegistry(), know, reg, v, validator.FormatForAgent, hostClient, sessStore, cfg.Chat.MaxCorrectionRetries)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	h := handlers.New(backend.DefaultRegistry(), hostClient, know, reg, v, orch)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Backends:     backend.DefaultRegistry(),
		Registry:     reg,
		Sessions:     sessStore,
		Metrics:      metrics,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Shutdown flushes telemetry. Should be called on graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
