package server

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/elskow/license-portal/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

func LoadConfig() (*config.AppConfig, error) {
	return LoadConfigFrom("./config/server")
}

// LoadConfigFrom reads config.toml from dir, applies the [section.<env>] overrides
// and finally PORTAL_* environment variables.
func LoadConfigFrom(dir string) (*config.AppConfig, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	setDefaults(v)

	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Load environment-specific configurations
	for section, target := range map[string]any{
		"server":   &cfg.Server,
		"grpc":     &cfg.GRPC,
		"database": &cfg.Database,
	} {
		key := fmt.Sprintf("%s.%s", section, env)
		if envSettings := v.GetStringMap(key); len(envSettings) > 0 {
			if err := v.UnmarshalKey(key, target); err != nil {
				return nil, fmt.Errorf("error unmarshaling %s env config: %w", section, err)
			}
		}
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret must be set")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := config.DefaultPolicy()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("grpc.port", "9090")
	v.SetDefault("grpc.max_receive_message_size", 4<<20)
	v.SetDefault("grpc.max_send_message_size", 4<<20)
	v.SetDefault("grpc.health_check_interval", "10s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiration", "10m")
	v.SetDefault("auth.cookie_name", "portal_session")
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("policy.max_failed_attempts", policy.MaxFailedAttempts)
	v.SetDefault("policy.attempt_window", policy.AttemptWindow)
	v.SetDefault("policy.lockout_duration", policy.LockoutDuration)
	v.SetDefault("policy.active_window", policy.ActiveWindow)
	v.SetDefault("policy.heartbeat_interval", policy.HeartbeatInterval)
	v.SetDefault("policy.password_max_age", policy.PasswordMaxAge)
	v.SetDefault("policy.min_password_length", policy.MinPasswordLength)
	v.SetDefault("policy.default_license_days", policy.DefaultLicenseDays)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
