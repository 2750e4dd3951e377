package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		// WorkerCount bounds the number of solves running at once. Every
		// solve owns its own native optimizer.
		WorkerCount int `env:"OPT_WORKER_COUNT" envDefault:"10"`
		// DefaultAlgorithm is used when a request names none.
		DefaultAlgorithm string `env:"OPT_DEFAULT_ALGORITHM" envDefault:"LD_SLSQP"`
		// MaxEval and MaxTime cap requests that set no limit of their own.
		MaxEval int           `env:"OPT_MAX_EVAL" envDefault:"10000"`
		MaxTime time.Duration `env:"OPT_MAX_TIME" envDefault:"60s"`
		XtolRel float64       `env:"OPT_XTOL_REL" envDefault:"1e-8"`
		// Seed fixes NLopt's global generator at startup; 0 seeds from the clock.
		Seed int64 `env:"OPT_SEED" envDefault:"0"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if c.Optimization.WorkerCount < 1 {
		return fmt.Errorf("config: OPT_WORKER_COUNT must be at least 1, got %d", c.Optimization.WorkerCount)
	}
	if c.Optimization.MaxEval < 0 {
		return fmt.Errorf("config: OPT_MAX_EVAL must not be negative, got %d", c.Optimization.MaxEval)
	}
	if c.Optimization.MaxTime < 0 {
		return fmt.Errorf("config: OPT_MAX_TIME must not be negative, got %s", c.Optimization.MaxTime)
	}
	if c.Optimization.DefaultAlgorithm == "" {
		return fmt.Errorf("config: OPT_DEFAULT_ALGORITHM must not be empty")
	}
	return nil
}
