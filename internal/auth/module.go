package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/elskow/license-portal/internal/config"
)

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(db *gorm.DB) Repository {
					return NewRepository(db)
				},
			),
			fx.Annotate(
				func(reg prometheus.Registerer) *Metrics {
					return NewMetrics(reg)
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger, repo Repository, metrics *Metrics) *Service {
					return NewService(&config.Auth, config.Policy, log.Named("auth"), repo, metrics)
				},
			),
			fx.Annotate(
				func(svc *Service, config *config.AppConfig, log *zap.Logger) *Handler {
					return NewHandler(svc, &config.Auth, log.Named("auth"))
				},
			),
			fx.Annotate(
				func(svc *Service, config *config.AppConfig, log *zap.Logger) *AuthMiddleware {
					return NewAuthMiddleware(&config.Auth, svc, log.Named("auth"))
				},
			),
		),
	)
}
