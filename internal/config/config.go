package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Controller ControllerConfig `mapstructure:"controller"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Profiles   ProfilesConfig   `mapstructure:"profiles"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ControllerConfig selects the machine. Profile names a controller profile;
// Dialect, Port and Baud override the profile when set.
type ControllerConfig struct {
	Profile          string        `mapstructure:"profile"`
	Dialect          string        `mapstructure:"dialect"`
	Port             string        `mapstructure:"port"`
	Baud             int           `mapstructure:"baud"`
	AutoConnect      bool          `mapstructure:"auto_connect"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	HistorySize      int           `mapstructure:"history_size"`
	TransitionDwell  int           `mapstructure:"transition_dwell"`
}

type RecoveryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AutoRecover     bool          `mapstructure:"auto_recover"`
	ResetOnCritical bool          `mapstructure:"reset_on_critical"`
}

type ConsoleConfig struct {
	Capacity  int  `mapstructure:"capacity"`
	ShowDebug bool `mapstructure:"show_debug"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	// JournalBuffer bounds messages waiting to be written.
	JournalBuffer int `mapstructure:"journal_buffer"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	JWTSecretEnv   string           `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration    `mapstructure:"access_token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
}

// OperatorConfig is one operator token. TokenHash is the argon2id hash
// printed by `lasercore token`.
type OperatorConfig struct {
	Name      string `mapstructure:"name"`
	Role      string `mapstructure:"role"`
	TokenHash string `mapstructure:"token_hash"`
}

type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("controller.profile", "")
	v.SetDefault("controller.dialect", "grbl")
	v.SetDefault("controller.port", "")
	v.SetDefault("controller.baud", 0)
	v.SetDefault("controller.auto_connect", false)
	v.SetDefault("controller.handshake_timeout", "5s")
	v.SetDefault("controller.write_timeout", "2s")
	v.SetDefault("controller.poll_interval", "250ms")
	v.SetDefault("controller.poll_timeout", "1s")
	v.SetDefault("controller.history_size", 300)
	v.SetDefault("controller.transition_dwell", 2)

	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.retry_delay", "1s")
	v.SetDefault("recovery.auto_recover", true)
	v.SetDefault("recovery.reset_on_critical", true)

	v.SetDefault("console.capacity", 5000)
	v.SetDefault("console.show_debug", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "lasercore")
	v.SetDefault("database.user", "lasercore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.journal_buffer", 1024)

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "OLC_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("profiles.search_paths", []string{"./profiles"})
}

// Load reads the YAML file at path. Environment variables with prefix OLC_
// override file values, e.g. OLC_CONTROLLER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables automatisch binden
	v.SetEnvPrefix("OLC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration used without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func (c *Config) Validate() error {
	if c.Controller.PollInterval <= 0 {
		return fmt.Errorf("controller.poll_interval must be positive")
	}
	if c.Controller.HistorySize <= 0 {
		return fmt.Errorf("controller.history_size must be positive")
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must not be negative")
	}
	if c.Console.Capacity <= 0 {
		return fmt.Errorf("console.capacity must be positive")
	}
	for i, op := range c.Auth.Operators {
		if op.Name == "" || op.TokenHash == "" {
			return fmt.Errorf("auth.operators[%d]: name and token_hash are required", i)
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "OLC_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return devSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
