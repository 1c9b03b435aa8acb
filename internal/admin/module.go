package admin

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/auth"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(repo auth.Repository, svc *auth.Service, log *zap.Logger) *Service {
					return NewService(repo, svc, log.Named("admin"))
				},
			),
			fx.Annotate(
				func(svc *Service, log *zap.Logger) *Handler {
					return NewHandler(svc, log.Named("admin"))
				},
			),
		),
	)
}
