package app

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/admin"
	"github.com/elskow/license-portal/internal/auth"
	"github.com/elskow/license-portal/internal/config"
	"github.com/elskow/license-portal/internal/database"
	"github.com/elskow/license-portal/internal/migration"
	"github.com/elskow/license-portal/internal/server"
)

// Module combines all application modules
func Module() fx.Option {
	return fx.Options(
		// Logger
		fx.Provide(newLogger),

		// Configuration
		fx.Provide(server.LoadConfig),

		// Metrics registry, shared by the auth core and the /metrics handler
		fx.Provide(
			fx.Annotate(
				server.NewRegistry,
				fx.As(new(prometheus.Registerer)),
				fx.As(new(prometheus.Gatherer)),
			),
		),

		// Store
		database.Module(),
		migration.Module(),

		auth.NewModule(),
		admin.NewModule(),

		// Server
		fx.Provide(
			func(cfg *config.AppConfig, log *zap.Logger, db *database.Manager) *server.HealthServer {
				return server.NewHealthServer(cfg, log.Named("health"), db)
			},
			server.NewServer,
		),

		// Start the server
		fx.Invoke(registerHooks),
	)
}

func newLogger() (*zap.Logger, error) {
	env := os.Getenv("APP_ENV")
	return server.NewLogger(env)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	srv *server.Server,
	health *server.HealthServer,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := health.Check(ctx); err != nil {
				log.Warn("store not ready at startup", zap.Error(err))
			}
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			return srv.Stop(ctx)
		},
	})
}
