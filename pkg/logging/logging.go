// Package logging builds the process-wide zap logger from viper-driven
// configuration, with optional file rotation.
package logging

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Keys shared by the HTTP request-logging middleware.
const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// Config controls logger construction.
type Config struct {
	// Debug switches to the development encoder and debug level.
	Debug bool `mapstructure:"debug"`
	// Level overrides the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	// File, when set, writes rotated logs there instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// WithViper extracts the config from the "logging" subtree.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		return v.UnmarshalKey("logging", c)
	}
}

// DefaultConfig returns the stock logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// NewConfig applies the options over the defaults.
func NewConfig(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, o := range opts {
		if err := o(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// Validate checks the config.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// Build constructs the sugared logger described by the config.
func (c Config) Build() (*zap.SugaredLogger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, err
		}
	}
	if c.Debug {
		level = zapcore.DebugLevel
	}

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if c.Debug {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if c.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
