package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walletscope/wallet-reporter/cache"
	"github.com/walletscope/wallet-reporter/reporter"
)

// Server exposes the report engine over HTTP.
type Server struct {
	log    *slog.Logger
	engine *reporter.Engine
	cache  *cache.Tiered
	port   int
}

func NewServer(log *slog.Logger, engine *reporter.Engine, tiered *cache.Tiered, port int) *Server {
	return &Server{
		log:    log.With("module", "api"),
		engine: engine,
		cache:  tiered,
		port:   port,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", s.handleSubmitReport)
		r.Get("/{id}", s.handleGetReport)
		r.Delete("/{id}", s.handleCancelReport)
		r.Get("/{id}/download", s.handleDownloadReport)
	})

	r.Route("/transactions/{address}", func(r chi.Router) {
		r.Get("/", s.handleQuery)
		r.Get("/summary", s.handleSummary)
		r.Get("/export", s.handleExport)
	})

	r.Post("/cache/clear", s.handleClearCache)

	return r
}

// Run serves until the context is canceled, then drains with a short grace
// period. Intended to run on its own errgroup goroutine.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
