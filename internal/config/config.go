package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

type Config struct {
	Port           string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	KafkaTopic     string
	NATSURL        string
	NATSPrefix     string
	JaegerEndpoint string
	LogLevel       string

	MercadoPago MercadoPagoConfig
	Settlement  SettlementConfig
	Outbox      OutboxConfig
}

type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	Sandbox     bool
	// AppURL is where the gateway sends buyers and notifications back.
	AppURL string
}

type SettlementConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	GrowthFactor float64
	LeaseTTL     time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// UseSandbox reports whether the local gateway stand-in should be used.
func (c MercadoPagoConfig) UseSandbox() bool {
	return c.Sandbox || c.AccessToken == ""
}

// Load reads .env when present, then the optional YAML file named by
// CONFIG_FILE. Environment variables win over both.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		DatabaseDriver: v.GetString("DATABASE_DRIVER"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		RedisURL:       v.GetString("REDIS_URL"),
		KafkaBrokers:   v.GetString("KAFKA_BROKERS"),
		KafkaTopic:     v.GetString("KAFKA_TOPIC"),
		NATSURL:        v.GetString("NATS_URL"),
		NATSPrefix:     v.GetString("NATS_SUBJECT_PREFIX"),
		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		MercadoPago: MercadoPagoConfig{
			BaseURL:     v.GetString("MERCADO_PAGO_BASE_URL"),
			AccessToken: v.GetString("MERCADO_PAGO_ACCESS_TOKEN"),
			Sandbox:     v.GetBool("MERCADO_PAGO_SANDBOX"),
			AppURL:      v.GetString("APP_URL"),
		},
		Settlement: SettlementConfig{
			MaxAttempts:  v.GetInt("SETTLEMENT_MAX_ATTEMPTS"),
			InitialDelay: v.GetDuration("SETTLEMENT_INITIAL_DELAY"),
			GrowthFactor: v.GetFloat64("SETTLEMENT_GROWTH_FACTOR"),
			LeaseTTL:     v.GetDuration("SETTLEMENT_LEASE_TTL"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
			BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
		},
	}
	if cfg.JaegerEndpoint == "" {
		cfg.JaegerEndpoint = v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8081")
	v.SetDefault("DATABASE_DRIVER", string(repository.Postgres))
	v.SetDefault("KAFKA_TOPIC", "payment.state.changed")
	v.SetDefault("NATS_SUBJECT_PREFIX", "payments")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MERCADO_PAGO_BASE_URL", "https://api.mercadopago.com")
	v.SetDefault("APP_URL", "http://localhost:3000")
	v.SetDefault("SETTLEMENT_MAX_ATTEMPTS", 20)
	v.SetDefault("SETTLEMENT_INITIAL_DELAY", "5s")
	v.SetDefault("SETTLEMENT_GROWTH_FACTOR", 1.5)
	v.SetDefault("SETTLEMENT_LEASE_TTL", "10m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
}

func (c *Config) Validate() error {
	var errs []error

	dialect, err := repository.ParseDialect(c.DatabaseDriver)
	if err != nil {
		errs = append(errs, err)
	}
	if c.DatabaseURL == "" && dialect != repository.Memory {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Settlement.MaxAttempts <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_ATTEMPTS must be positive"))
	}
	if c.Settlement.InitialDelay <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_INITIAL_DELAY must be positive"))
	}
	if c.Settlement.GrowthFactor < 1 {
		errs = append(errs, errors.New("SETTLEMENT_GROWTH_FACTOR must be at least 1"))
	}
	if c.Settlement.LeaseTTL <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_LEASE_TTL must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}

	return errors.Join(errs...)
}
