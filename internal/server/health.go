package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/elskow/license-portal/internal/config"
)

// AuthServiceName is the health service name reported for the auth core.
const AuthServiceName = "portal.auth"

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes the standard gRPC health protocol for orchestrators
// that check over gRPC. Status follows store reachability, re-checked every
// grpc.health_check_interval while the server runs.
type HealthServer struct {
	config     *config.AppConfig
	log        *zap.Logger
	grpcServer *grpc.Server
	health     *health.Server
	store      pinger
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewHealthServer(cfg *config.AppConfig, log *zap.Logger, store pinger) *HealthServer {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.GRPC.MaxReceiveMessageSize),
		grpc.MaxSendMsgSize(cfg.GRPC.MaxSendMessageSize),
	}
	grpcServer := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(AuthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.GRPC.EnableReflection {
		reflection.Register(grpcServer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthServer{
		config:     cfg,
		log:        log,
		grpcServer: grpcServer,
		health:     hs,
		store:      store,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Check pings the store and publishes the result as the serving status.
func (h *HealthServer) Check(ctx context.Context) error {
	err := h.store.Ping(ctx)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(AuthServiceName, status)
	return err
}

// watch re-runs Check every interval until ctx is done. Only status
// transitions are logged.
func (h *HealthServer) watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, interval)
		err := h.Check(checkCtx)
		cancel()

		switch {
		case err != nil && serving:
			h.log.Warn("store unreachable, health set to NOT_SERVING", zap.Error(err))
		case err == nil && !serving:
			h.log.Info("store reachable, health set to SERVING")
		}
		serving = err == nil
	}
}

func (h *HealthServer) Start() error {
	addr := fmt.Sprintf("%s:%s", h.config.Server.Host, h.config.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	h.log.Info("Starting gRPC health server",
		zap.String("address", addr),
		zap.Bool("reflection_enabled", h.config.GRPC.EnableReflection),
		zap.Duration("check_interval", h.config.GRPC.HealthCheckInterval))

	go h.watch(h.ctx, h.config.GRPC.HealthCheckInterval)

	if err := h.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (h *HealthServer) Stop() {
	h.cancel()
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
