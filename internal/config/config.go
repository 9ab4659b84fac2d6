// Package config loads the extractor's runtime configuration from the
// environment, with secrets optionally read from files instead of
// passed in plaintext.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/spf13/viper"
)

// Config holds every environment-driven setting the extractor needs.
type Config struct {
	AMQPConnection string `mapstructure:"AMQP_CONNECTION"`

	RabbitMQUser     string `mapstructure:"RABBITMQ_USER"`
	RabbitMQPassword string `mapstructure:"RABBITMQ_PASSWORD"`
	RabbitMQHost     string `mapstructure:"RABBITMQ_HOST"`
	RabbitMQPort     int    `mapstructure:"RABBITMQ_PORT"`

	DiscogsRoot string `mapstructure:"DISCOGS_ROOT"`

	PeriodicCheckDays int `mapstructure:"PERIODIC_CHECK_DAYS"`
	BatchSize         int `mapstructure:"BATCH_SIZE"`
	MaxWorkers        int `mapstructure:"MAX_WORKERS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	ForceReprocess bool `mapstructure:"FORCE_REPROCESS"`

	HealthPort int `mapstructure:"HEALTH_PORT"`
}

var instance Config

// Load reads environment variables (and `_FILE`-suffixed secret
// indirections), validates the result, and caches it for GetConfig.
func Load() (Config, error) {
	log := logger.New("config").Function("Load")

	viper.AutomaticEnv()

	envVars := []string{
		"AMQP_CONNECTION",
		"RABBITMQ_USER", "RABBITMQ_PASSWORD", "RABBITMQ_HOST", "RABBITMQ_PORT",
		"DISCOGS_ROOT",
		"PERIODIC_CHECK_DAYS", "BATCH_SIZE", "MAX_WORKERS",
		"LOG_LEVEL", "FORCE_REPROCESS", "HEALTH_PORT",
	}
	for _, env := range envVars {
		if err := viper.BindEnv(env); err != nil {
			log.Warn("failed to bind environment variable", "env", env, "error", err)
		}
	}

	viper.SetDefault("DISCOGS_ROOT", "/discogs-data")
	viper.SetDefault("PERIODIC_CHECK_DAYS", 15)
	viper.SetDefault("BATCH_SIZE", 100)
	viper.SetDefault("MAX_WORKERS", runtime.NumCPU())
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("HEALTH_PORT", 8080)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, log.Err("could not unmarshal config", err)
	}

	if err := resolveSecretFiles(&cfg, log); err != nil {
		return Config{}, err
	}
	if err := resolveAMQPConnection(&cfg); err != nil {
		return Config{}, log.Err("could not build AMQP connection string", err)
	}
	if err := validate(cfg, log); err != nil {
		return Config{}, err
	}

	instance = cfg
	log.Info("configuration loaded",
		"discogsRoot", cfg.DiscogsRoot,
		"periodicCheckDays", cfg.PeriodicCheckDays,
		"batchSize", cfg.BatchSize,
		"maxWorkers", cfg.MaxWorkers,
	)
	return instance, nil
}

// GetConfig returns the last configuration successfully loaded by Load.
func GetConfig() Config {
	return instance
}

// resolveSecretFiles reads `<VAR>_FILE` indirections for any broker
// credential that was not set directly in the environment.
func resolveSecretFiles(cfg *Config, log logger.Logger) error {
	replacements := []struct {
		env    string
		target *string
	}{
		{"RABBITMQ_USER", &cfg.RabbitMQUser},
		{"RABBITMQ_PASSWORD", &cfg.RabbitMQPassword},
		{"RABBITMQ_HOST", &cfg.RabbitMQHost},
	}

	for _, r := range replacements {
		if *r.target != "" {
			continue
		}
		path := os.Getenv(r.env + "_FILE")
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return log.Err("failed to read secret file", err, "env", r.env, "path", path)
		}
		*r.target = strings.TrimSpace(string(data))
	}
	return nil
}

// resolveAMQPConnection builds AMQP_CONNECTION from the discrete
// RABBITMQ_* fields when it was not supplied directly.
func resolveAMQPConnection(cfg *Config) error {
	if cfg.AMQPConnection != "" {
		return nil
	}
	if cfg.RabbitMQUser == "" || cfg.RabbitMQHost == "" {
		return fmt.Errorf("AMQP_CONNECTION or RABBITMQ_USER/RABBITMQ_HOST must be set")
	}
	port := cfg.RabbitMQPort
	if port == 0 {
		port = 5672
	}
	cfg.AMQPConnection = fmt.Sprintf(
		"amqp://%s:%s@%s:%d/",
		cfg.RabbitMQUser, cfg.RabbitMQPassword, cfg.RabbitMQHost, port,
	)
	return nil
}

func validate(cfg Config, log logger.Logger) error {
	if cfg.AMQPConnection == "" {
		return log.Err("missing broker connection", fmt.Errorf("AMQP_CONNECTION is required"))
	}
	if cfg.BatchSize <= 0 {
		return log.Err("invalid batch size", fmt.Errorf("BATCH_SIZE must be positive: %d", cfg.BatchSize))
	}
	if cfg.PeriodicCheckDays <= 0 {
		return log.Err(
			"invalid periodic check interval",
			fmt.Errorf("PERIODIC_CHECK_DAYS must be positive: %d", cfg.PeriodicCheckDays),
		)
	}
	return nil
}
