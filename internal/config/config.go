package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all chatd settings. Defaults mirror the values the server
// has always shipped with; everything is overridable via environment.
type Config struct {
	// Network
	ListenAddr string `env:"CHATD_LISTEN_ADDR" envDefault:":5555"`
	// HTTPAddr serves the browser gateway; empty disables it.
	HTTPAddr string `env:"CHATD_HTTP_ADDR" envDefault:":8080"`

	// Database. Empty selects the in-memory credential store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Connection pool
	MaxConnections    int           `env:"CHATD_MAX_CONNECTIONS" envDefault:"200"`
	ConnectionTimeout time.Duration `env:"CHATD_CONNECTION_TIMEOUT" envDefault:"30s"`

	// Messages
	MaxMessageSize int `env:"CHATD_MAX_MESSAGE_SIZE" envDefault:"4096"`
	QueueSize      int `env:"CHATD_QUEUE_SIZE" envDefault:"2000"`
	HistorySize    int `env:"CHATD_HISTORY_SIZE" envDefault:"1000"`

	// Workers and delivery
	WorkerThreads  int           `env:"CHATD_WORKER_THREADS" envDefault:"4"`
	RetryAttempts  int           `env:"CHATD_RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelay     time.Duration `env:"CHATD_RETRY_DELAY" envDefault:"50ms"`
	WriteTimeout   time.Duration `env:"CHATD_WRITE_TIMEOUT" envDefault:"5s"`
	ReadTimeout    time.Duration `env:"CHATD_READ_TIMEOUT" envDefault:"5m"`
	LatencySamples int           `env:"CHATD_LATENCY_SAMPLES" envDefault:"1000"`

	// Per-connection inbound rate limit
	RatePerSecond float64 `env:"CHATD_RATE_PER_SECOND" envDefault:"20"`
	RateBurst     int     `env:"CHATD_RATE_BURST" envDefault:"40"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	// CORS origins for the browser gateway
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
