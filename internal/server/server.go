package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elskow/license-portal/internal/admin"
	"github.com/elskow/license-portal/internal/api"
	"github.com/elskow/license-portal/internal/auth"
	"github.com/elskow/license-portal/internal/config"
)

// RouteRegistrar mounts a group of routes that may use the auth middleware.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router, mw *auth.AuthMiddleware)
}

type Server struct {
	config     *config.AppConfig
	log        *zap.Logger
	httpServer *http.Server
	health     *HealthServer
}

type Params struct {
	fx.In

	Config         *config.AppConfig
	Logger         *zap.Logger
	Gatherer       prometheus.Gatherer
	Health         *HealthServer
	AuthHandler    *auth.Handler
	AuthMiddleware *auth.AuthMiddleware
	AdminHandler   *admin.Handler
}

func NewServer(p Params) *Server {
	router := NewRouter(RouterParams{
		Logger:     p.Logger,
		Metrics:    p.Config.Metrics,
		Gatherer:   p.Gatherer,
		Ready:      p.Health.Check,
		Middleware: p.AuthMiddleware,
		Routes:     []RouteRegistrar{p.AuthHandler, p.AdminHandler},
	})

	addr := fmt.Sprintf("%s:%s", p.Config.Server.Host, p.Config.Server.Port)
	return &Server{
		config: p.Config,
		log:    p.Logger,
		health: p.Health,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  p.Config.Server.ReadTimeout,
			WriteTimeout: p.Config.Server.WriteTimeout,
		},
	}
}

type RouterParams struct {
	Logger     *zap.Logger
	Metrics    config.MetricsConfig
	Gatherer   prometheus.Gatherer
	Ready      func(ctx context.Context) error
	Middleware *auth.AuthMiddleware
	Routes     []RouteRegistrar
}

func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(p.Logger))
	r.Use(loggingMiddleware(p.Logger))

	r.Get(api.Healthz, func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMessage(w, http.StatusOK, "ok")
	})
	r.Get(api.Readyz, func(w http.ResponseWriter, r *http.Request) {
		if err := p.Ready(r.Context()); err != nil {
			p.Logger.Warn("readiness check failed", zap.Error(err))
			api.WriteError(w, http.StatusServiceUnavailable, "NOT_READY", "store unavailable")
			return
		}
		api.WriteMessage(w, http.StatusOK, "ready")
	})
	if p.Metrics.Enabled {
		r.Handle(p.Metrics.Path, promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	for _, routes := range p.Routes {
		routes.RegisterRoutes(r, p.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "route not found")
	})
	return r
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		zap.String("address", s.httpServer.Addr),
		zap.Object("config", serverConfigToField(s.config)),
	)

	go func() {
		if err := s.health.Start(); err != nil {
			s.log.Error("failed to start health server", zap.Error(err))
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func serverConfigToField(config *config.AppConfig) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("environment", os.Getenv("APP_ENV"))
		enc.AddString("grpc_health_port", config.GRPC.Port)
		enc.AddBool("metrics_enabled", config.Metrics.Enabled)
		enc.AddDuration("token_expiration", config.Auth.TokenExpiration)
		enc.AddDuration("active_window", config.Policy.ActiveWindow)
		return nil
	})
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	s.health.Stop()
	return s.httpServer.Shutdown(ctx)
}
