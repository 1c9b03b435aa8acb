package main

import (
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elskow/license-portal/internal/app"
	"github.com/elskow/license-portal/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	env := pflag.String("env", os.Getenv("APP_ENV"), "runtime environment: development, production or testing")
	pflag.Parse()
	if *env == "" {
		*env = server.EnvDevelopment
	}
	// Config and logger construction inside the fx graph read APP_ENV.
	os.Setenv("APP_ENV", *env)

	logger, err := server.NewLogger(*env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting license portal",
		zap.String("env", *env),
		zap.String("version", version))

	portal := fx.New(
		app.Module(),
		// Covers the HTTP drain (server.shutdown_timeout) and the gRPC stop.
		fx.StopTimeout(30*time.Second),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			fxLogger := &fxevent.ZapLogger{Logger: log.Named("fx")}
			fxLogger.UseLogLevel(zapcore.DebugLevel)
			return fxLogger
		}),
	)

	portal.Run()
}
