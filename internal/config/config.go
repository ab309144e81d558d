// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`

	// ScheduleTimezone is the IANA zone intake times are computed in.
	ScheduleTimezone string `mapstructure:"SCHEDULE_TIMEZONE"`

	ImportBatchSize    int           `mapstructure:"IMPORT_BATCH_SIZE"`
	ImportBatchTimeout time.Duration `mapstructure:"IMPORT_BATCH_TIMEOUT"`
	ImportWorkers      int           `mapstructure:"IMPORT_WORKERS"`

	OTLPEndpoint   string `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "CONSUMER_GROUP", "JWT_SIGNING_KEY", "JWT_ISSUER",
	"SCHEDULE_TIMEZONE", "IMPORT_BATCH_SIZE", "IMPORT_BATCH_TIMEOUT", "IMPORT_WORKERS",
	"OTLP_ENDPOINT", "TRACING_ENABLED", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "intake-scheduler")
	v.SetDefault("JWT_ISSUER", "medintake")
	v.SetDefault("SCHEDULE_TIMEZONE", "Local")
	v.SetDefault("IMPORT_BATCH_SIZE", 100)
	v.SetDefault("IMPORT_BATCH_TIMEOUT", "30s")
	v.SetDefault("IMPORT_WORKERS", 4)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("METRICS_ENABLED", true)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma-separated string, possibly with spaces.
	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves ScheduleTimezone.
func (c *Config) Location() (*time.Location, error) {
	if c.ScheduleTimezone == "" || c.ScheduleTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULE_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks the settings every binary depends on. Outside development a
// JWT signing key is mandatory.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.JWTSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ImportBatchSize <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", c.ImportBatchSize)
	}
	if c.ImportBatchTimeout <= 0 {
		return fmt.Errorf("IMPORT_BATCH_TIMEOUT must be positive, got %s", c.ImportBatchTimeout)
	}
	if c.ImportWorkers <= 0 {
		return fmt.Errorf("IMPORT_WORKERS must be positive, got %d", c.ImportWorkers)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}
