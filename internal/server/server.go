// Package server exposes the engine over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
)

// Engine is the subset of engine.Service the API needs.
type Engine interface {
	Decide(ctx context.Context, experimentID string) (domain.Arm, error)
	DecideFlag(ctx context.Context, flag string) (*engine.Decision, error)
	RecordView(ctx context.Context, experimentID string, arm domain.Arm) error
	RecordConversion(ctx context.Context, experimentID string, arm domain.Arm) error
	MaybeFinalize(ctx context.Context, experimentID string) (*domain.Arm, error)
	List(ctx context.Context) ([]*domain.Experiment, error)
	Summarize(ctx context.Context, experimentID string) (*engine.Summary, error)
}

// Config holds server-specific configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	engine Engine
	logger *slog.Logger
	router chi.Router
}

func New(cfg Config, eng Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, engine: eng, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Post("/flags/{flag}/decide", s.handleDecideFlag)

		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleSummary)
				r.Post("/decide", s.handleDecide)
				r.Post("/views", s.handleRecordView)
				r.Post("/conversions", s.handleRecordConversion)
				r.Post("/finalize", s.handleFinalize)
			})
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelDebug, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
