// Package server exposes the read-only operations HTTP surface: health,
// metrics and crawl observation endpoints. Crawl control stays with the
// engine's owning process.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/checkpoint"
	"github.com/gencrawl/gencrawl/internal/events"
	"github.com/gencrawl/gencrawl/internal/iteration"
	"github.com/gencrawl/gencrawl/internal/manager"
	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// Server wires HTTP handlers to the crawl manager and its read models.
type Server struct {
	router      chi.Router
	manager     *manager.Manager
	bus         *events.Bus
	checkpoints *checkpoint.Manager
	iterations  *iteration.Manager
	logger      *zap.Logger
}

// New constructs a Server with middleware and routes.
func New(mgr *manager.Manager, bus *events.Bus, checkpoints *checkpoint.Manager, iterations *iteration.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:     mgr,
		bus:         bus,
		checkpoints: checkpoints,
		iterations:  iterations,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Get("/", s.listCrawls)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/status", s.getStatus)
				r.Get("/state", s.getState)
				r.Get("/metrics", s.getMetrics)
				r.Get("/results", s.getResults)
				r.Get("/events", s.getEvents)
				r.Get("/checkpoints", s.getCheckpoints)
				r.Get("/iterations", s.getIterations)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	var filter manager.ListFilter
	filter.Status = state.State(r.URL.Query().Get("status"))
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawls": s.manager.List(filter)})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	status, err := s.manager.Status(crawlID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	detail, err := s.manager.State(crawlID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	metrics, err := s.manager.Metrics(crawlID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_id": crawlID, "metrics": metrics})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	result, err := s.manager.Results(crawlID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if result == nil {
		writeError(w, http.StatusConflict, "crawl has no results yet")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getEvents returns retained event history. Supports ?type= to filter
// by event type, ?since= (RFC 3339) to return only newer events and
// ?limit= to keep only the newest N.
func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	if _, err := s.manager.Status(crawlID); err != nil {
		s.writeManagerError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var history []events.Event
	switch {
	case r.URL.Query().Get("type") != "":
		history = s.bus.HistoryByType(crawlID, events.Type(r.URL.Query().Get("type")), limit)
	case r.URL.Query().Get("since") != "":
		since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		history = s.bus.Since(crawlID, since)
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	default:
		history = s.bus.History(crawlID, limit)
	}
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_id": crawlID, "events": history})
}

func (s *Server) getCheckpoints(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	if _, err := s.manager.Status(crawlID); err != nil {
		s.writeManagerError(w, err)
		return
	}
	metas, err := s.checkpoints.List(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if metas == nil {
		metas = []checkpoint.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_id": crawlID, "checkpoints": metas})
}

func (s *Server) getIterations(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	if _, err := s.manager.Status(crawlID); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawl_id":   crawlID,
		"iterations": s.iterations.ListByCrawl(crawlID),
		"statistics": s.iterations.Statistics(crawlID),
	})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	s.logger.Error("handler failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
