package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/comfy-pilot/control-plane/internal/api/handlers"
	"github.com/comfy-pilot/control-plane/internal/api/middleware"
	"github.com/comfy-pilot/control-plane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all comfy-pilot routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	// CORS — configurable via COMFY_PILOT_CORS_ORIGINS env var.
	// Wildcard origins never set AllowCredentials, per the Fetch
	// specification, to prevent credential-leak attacks.
	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/comfy-pilot", func(r chi.Router) {
		r.Get("/agents", h.ListAgents)
		r.Get("/system", h.GetSystem)
		r.Get("/models", h.GetModels)
		r.Get("/custom-nodes", h.GetCustomNodes)
		r.Get("/knowledge-categories", h.GetKnowledgeCategories)
		r.Get("/node-info", h.GetNodeInfo)
		r.Post("/validate-workflow", h.ValidateWorkflow)
		r.Post("/apply-workflow", h.ApplyWorkflow)
		r.Post("/chat", h.Chat)
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("COMFY_PILOT_CORS_ORIGINS")
	if originsEnv == "" {
		// Default: wildcard (safe with AllowCredentials=false)
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "comfy-pilot-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "comfy-pilot-control-plane",
		})
	}
}
