package config

import "time"

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Port                  string        `mapstructure:"port"`
	EnableReflection      bool          `mapstructure:"enable_reflection"`
	MaxReceiveMessageSize int           `mapstructure:"max_receive_message_size"`
	MaxSendMessageSize    int           `mapstructure:"max_send_message_size"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	SSLMode     string `mapstructure:"sslmode"`
	LogLevel    string `mapstructure:"log_level"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
	CookieName      string        `mapstructure:"cookie_name"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
}

// PolicyConfig carries the lockout, license and session-lock parameters.
type PolicyConfig struct {
	MaxFailedAttempts  int           `mapstructure:"max_failed_attempts"`
	AttemptWindow      time.Duration `mapstructure:"attempt_window"`
	LockoutDuration    time.Duration `mapstructure:"lockout_duration"`
	ActiveWindow       time.Duration `mapstructure:"active_window"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	PasswordMaxAge     time.Duration `mapstructure:"password_max_age"`
	MinPasswordLength  int           `mapstructure:"min_password_length"`
	DefaultLicenseDays int           `mapstructure:"default_license_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DefaultPolicy returns the production policy constants.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		MaxFailedAttempts:  20,
		AttemptWindow:      15 * time.Minute,
		LockoutDuration:    15 * time.Minute,
		ActiveWindow:       2 * time.Minute,
		HeartbeatInterval:  15 * time.Second,
		PasswordMaxAge:     365 * 24 * time.Hour,
		MinPasswordLength:  6,
		DefaultLicenseDays: 365,
	}
}
