package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/internal/handlers"
	"github.com/userdir/apiserver/internal/logger"
	"github.com/userdir/apiserver/internal/metrics"
	"github.com/userdir/apiserver/internal/mq"
	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/internal/store"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	backend    *Backend
	mq         *mq.MQ
	logger     *zap.Logger
}

// New constructs a Server from configuration: it connects the store and
// the optional message broker and mounts every route.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := OpenBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	opts := services.Options{Logger: log, Metrics: m}
	if broker != nil {
		opts.Events = mq.NewEventPublisher(broker, cfg.MQ.EventsChannel)
		log.Info("publishing user events",
			zap.String("backend", cfg.MQ.Backend),
			zap.String("channel", cfg.MQ.EventsChannel),
		)
	}

	policy := store.ParseDeletePolicy(cfg.Graph.DeletePolicy)
	graph := services.NewGraphService(backend.Repo, opts)
	users := services.NewUserService(backend.Repo, graph, policy, opts)
	proximity := services.NewProximityService(backend.Repo, opts)

	router := NewRouter(users, graph, proximity, m, registry, log)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		backend:    backend,
		mq:         broker,
		logger:     log,
	}, nil
}

// NewRouter mounts the API on a fresh chi router.
func NewRouter(
	users *services.UserService,
	graph *services.GraphService,
	proximity *services.ProximityService,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	log *zap.Logger,
) *chi.Mux {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		logger.Middleware(log),
		m.Middleware,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	router.Route("/users", func(r chi.Router) {
		handlers.UserRouter(r, users, graph, proximity)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the broker and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.mq != nil {
		if cerr := s.mq.Close(); cerr != nil {
			s.logger.Warn("close message broker failed", zap.Error(cerr))
		}
	}
	if cerr := s.backend.Close(); cerr != nil {
		s.logger.Warn("close store failed", zap.Error(cerr))
	}
	return err
}
