// Package config loads runtime configuration from the environment,
// with optional .env overrides for development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/lobx/lobx/pkg/lob"
)

// Config is the full runtime configuration of the trading node.
type Config struct {
	// HTTPAddr is the listen address of the REST and websocket
	// gateway.
	HTTPAddr string `validate:"required,hostname_port"`
	// MetricsAddr serves /metrics; empty disables the endpoint.
	MetricsAddr string `validate:"omitempty,hostname_port"`

	// DatabaseURL enables the Postgres store; empty runs in-memory.
	DatabaseURL string `validate:"omitempty,uri"`

	// NATSURL enables the event bridge; empty disables it.
	NATSURL string `validate:"omitempty,uri"`

	// FanoutBuffer is the per-subscriber message buffer.
	FanoutBuffer int `validate:"gt=0"`

	// WSWriteTimeout bounds a single websocket write.
	WSWriteTimeout time.Duration `validate:"gt=0"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:       getenv("LOBX_HTTP_ADDR", ":8080"),
		MetricsAddr:    getenv("LOBX_METRICS_ADDR", ":9090"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		NATSURL:        os.Getenv("NATS_URL"),
		FanoutBuffer:   getenvInt("LOBX_FANOUT_BUFFER", 256),
		WSWriteTimeout: getenvDuration("LOBX_WS_WRITE_TIMEOUT", 10*time.Second),
		LogLevel:       getenv("LOBX_LOG_LEVEL", "info"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, lob.Wrap(lob.InvalidOrder, err, "invalid configuration")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
