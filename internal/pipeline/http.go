package pipeline

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(middleware.RealIP)
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/api/v1/kv", s.handleKV)
	})
}

// requireReady rejects requests until the consumers are attached.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not ready"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth answers as soon as the process listens, so restarts
// show up before the consumers are attached.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus reports the queue depths and the store health in one
// payload, which is what the operators page for.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueStats, err := s.broker.Stats()
	if err != nil {
		log.Warn().Err(err).Msg("queue stats unavailable")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"queue":   queueStats,
		"store":   s.store.Store().HealthCheck(r.Context()),
	})
}

// handleKV dumps the storage table: the pipeline checkpoints plus
// whatever operators parked there.
func (s *Service) handleKV(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListKV(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}
