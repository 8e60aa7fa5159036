package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/answer"
	"github.com/avrora-labs/opskb/internal/commit"
	"github.com/avrora-labs/opskb/internal/extract"
	"github.com/avrora-labs/opskb/internal/monitoring"
	"github.com/avrora-labs/opskb/internal/store"
)

// Server exposes the knowledge base over HTTP.
type Server struct {
	store        store.Store
	orchestrator *extract.Orchestrator
	committer    *commit.Committer
	answerer     *answer.Answerer
	collector    *monitoring.Collector
}

// New creates a Server.
func New(st store.Store, orchestrator *extract.Orchestrator, committer *commit.Committer, answerer *answer.Answerer, collector *monitoring.Collector) *Server {
	return &Server{
		store:        st,
		orchestrator: orchestrator,
		committer:    committer,
		answerer:     answerer,
		collector:    collector,
	}
}

// Router builds the chi router with CORS and request logging.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleCreateDocument)
		r.Get("/documents", s.handleListDocuments)
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Post("/extract", s.handleExtract)
			r.Post("/revive", s.handleRevive)
			r.Post("/cancel", s.handleCancel)
			r.Get("/staged", s.handleListStaged)
			r.Post("/verify", s.handleVerify)
			r.Post("/reject", s.handleReject)
			r.Post("/commit", s.handleCommit)
		})
		r.Post("/answer", s.handleAnswer)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// requestLogger logs each request with method, path, status, and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps a storage error onto an HTTP status by its shape.
func respondStoreError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		respondError(w, http.StatusNotFound, msg)
	case strings.Contains(msg, "already has a running"),
		strings.Contains(msg, "not ready"),
		strings.Contains(msg, "not DEAD"):
		respondError(w, http.StatusConflict, msg)
	default:
		respondError(w, http.StatusInternalServerError, msg)
	}
}
