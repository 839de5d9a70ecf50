// Package config loads service configuration from the environment.
// A local .env file is honoured in development; real deployments set the
// variables directly.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Engine   EngineConfig
}

// ServiceConfig identifies the running service instance.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-spend-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD" envDefault:"postgres"`
	Database    string        `env:"DB_NAME" envDefault:"spend_approvals"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE" envDefault:"30m"`
}

// NATSConfig holds settings for the notification and audit sinks.
// An empty URL disables publishing; the engine never depends on it.
type NATSConfig struct {
	URL           string        `env:"NATS_URL" envDefault:""`
	ConnectWait   time.Duration `env:"NATS_CONNECT_WAIT" envDefault:"5s"`
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"notifications.spend"`
}

// EngineConfig tunes the approval engine's concurrency behaviour.
type EngineConfig struct {
	LockWait       time.Duration `env:"ENGINE_LOCK_WAIT" envDefault:"2s"`
	LockRetries    uint64        `env:"ENGINE_LOCK_RETRIES" envDefault:"3"`
	MasterDataURL  string        `env:"MASTERDATA_URL" envDefault:"http://localhost:8081"`
	MasterDataWait time.Duration `env:"MASTERDATA_TIMEOUT" envDefault:"5s"`
}

// Load reads configuration from the environment, honouring a .env file
// when one exists in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
