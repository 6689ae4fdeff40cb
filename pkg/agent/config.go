package agent

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/breaker"
	"github.com/visionworks/inferd/pkg/concurrency"
)

// BackendConfig holds the capability-push client settings. An empty URL
// disables the publisher entirely.
type BackendConfig struct {
	URL          string        `mapstructure:"url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key"`
	ServiceToken string        `mapstructure:"service_token"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
}

// Config is the full runtime configuration.
type Config struct {
	AnotherLogger *zap.SugaredLogger

	NodeID         string `mapstructure:"node_id"`
	ModelsRoot     string `mapstructure:"models_root" validate:"required"`
	HTTPAddr       string `mapstructure:"http_addr" validate:"required"`
	EnableGPU      bool   `mapstructure:"enable_gpu"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`

	WatchModels      bool          `mapstructure:"watch_models"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	LoadBudget              time.Duration `mapstructure:"load_budget" validate:"gt=0"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" validate:"gt=0"`
	RecoveryInterval        time.Duration `mapstructure:"recovery_interval" validate:"gt=0"`

	Concurrency concurrency.Limits `mapstructure:"concurrency"`
	Breaker     breaker.Policy     `mapstructure:"breaker"`
	Backend     BackendConfig      `mapstructure:"backend"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// WithViper unmarshals the whole viper tree over the defaults and then
// applies the flat environment-style keys that override nested config.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		if err := v.Unmarshal(c); err != nil {
			return err
		}
		if v.IsSet("max_concurrent_inferences") {
			c.Concurrency.Global = v.GetInt("max_concurrent_inferences")
		}
		if v.IsSet("backend_url") {
			c.Backend.URL = v.GetString("backend_url")
		}
		if v.IsSet("backend_api_key") {
			c.Backend.APIKey = v.GetString("backend_api_key")
		}
		if v.IsSet("backend_service_token") {
			c.Backend.ServiceToken = v.GetString("backend_service_token")
		}
		if v.IsSet("graceful_shutdown_timeout_seconds") {
			c.GracefulShutdownTimeout = time.Duration(v.GetInt("graceful_shutdown_timeout_seconds")) * time.Second
		}
		if v.IsSet("model_load_timeout_ms") {
			c.LoadBudget = time.Duration(v.GetInt("model_load_timeout_ms")) * time.Millisecond
		}
		return nil
	}
}

// WithAnotherLog attaches the process logger to the config.
func WithAnotherLog(logger *zap.SugaredLogger) Option {
	return func(c *Config) error {
		c.AnotherLogger = logger
		return nil
	}
}

func defaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "inferd"
	}
	return Config{
		NodeID:                  hostname,
		HTTPAddr:                ":8080",
		MetricsEnabled:          true,
		WatchModels:             true,
		DebounceInterval:        2 * time.Second,
		LoadBudget:              60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		RecoveryInterval:        5 * time.Second,
		Concurrency:             concurrency.DefaultLimits(),
		Breaker:                 breaker.DefaultPolicy(),
		Backend:                 BackendConfig{Heartbeat: 30 * time.Second},
	}
}

// NewConfig applies the options over the defaults.
func NewConfig(opts ...Option) (Config, error) {
	c := defaultConfig()
	for _, o := range opts {
		if err := o(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// Validate checks the assembled config.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}
