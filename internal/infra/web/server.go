// Package web is the operational HTTP surface: job inspection and
// cancellation, admission stats and limit overrides, and the Prometheus
// scrape endpoint. It is an operator API, not a product API.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/admission"
	"planforge/internal/infra/redis"
)

type Server struct {
	store  repository.JobStore
	cache  *redis.JobCache // nil disables read-through caching
	adm    *admission.Controller
	auth   *AuthManager
	apiKey string
	log    *zerolog.Logger

	srv *http.Server
}

func NewServer(store repository.JobStore, cache *redis.JobCache, adm *admission.Controller,
	auth *AuthManager, apiKey string, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "OpsServer").Logger()
	return &Server{
		store:  store,
		cache:  cache,
		adm:    adm,
		auth:   auth,
		apiKey: apiKey,
		log:    &l,
	}
}

// Router builds the route tree. Split out from Start so tests can drive it
// through httptest without a listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(traceID, requestLog(s.log), recoverer(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/api/v1/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/v1/stats", s.handleStats)
		r.Put("/api/v1/limits", s.handleUpdateLimits)
		r.Post("/api/v1/jobs", s.handleCreateJob)
		r.Get("/api/v1/jobs/{id}", s.handleGetJob)
		r.Post("/api/v1/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/api/v1/jobs/{id}/cleared", s.handleSetCleared)
		r.Post("/api/v1/sessions/{id}/cancel", s.handleCancelSession)
	})
	return r
}

func (s *Server) Start(port int) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
