package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/events"
	"github.com/akylbek/payment-system/payment-service/internal/gateway"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
	"github.com/akylbek/payment-system/payment-service/internal/settlement"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
	"github.com/akylbek/payment-system/payment-service/internal/webhook"
)

// app holds every long-lived dependency of a process.
type app struct {
	cfg         *config.Config
	redisClient *redis.Client

	payments   *payment.Service
	reconciler *webhook.Reconciler
	runner     *settlement.Runner
	dispatcher *events.Dispatcher

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	logger := telemetry.Logger
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	dialect, err := repository.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := repository.OpenStore(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)
	if dialect == repository.Memory {
		logger.Warn("Using in-memory store, payments are lost on restart")
	}

	var locker interfaces.Locker = settlement.NewLocalLocker()
	if cfg.RedisURL != "" {
		a.redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, a.redisClient.Close)
		locker = settlement.NewRedisLocker(a.redisClient)
	} else {
		logger.Warn("REDIS_URL not set, settlement leases are process-local and idempotency keys are ignored")
	}

	var gw interfaces.GatewayClient
	if cfg.MercadoPago.UseSandbox() {
		logger.Warn("Using sandbox Mercado Pago client")
		gw = gateway.NewSandboxClient(logger, nil)
	} else {
		gw = gateway.NewMercadoPagoClient(gateway.Config{
			BaseURL:     cfg.MercadoPago.BaseURL,
			AccessToken: cfg.MercadoPago.AccessToken,
		}, logger)
	}

	a.payments = payment.NewService(store, logger, payment.WithMetrics(metrics))
	a.reconciler = webhook.NewReconciler(a.payments, gw, logger, metrics)
	a.runner = settlement.NewRunner(a.payments, gw, store, locker, settlement.Config{
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		InitialDelay: cfg.Settlement.InitialDelay,
		GrowthFactor: cfg.Settlement.GrowthFactor,
		LeaseTTL:     cfg.Settlement.LeaseTTL,
		AppURL:       cfg.MercadoPago.AppURL,
	}, logger, metrics)

	publishers, err := a.publishers()
	if err != nil {
		a.close()
		return nil, err
	}
	if len(publishers) > 0 {
		a.dispatcher = events.NewDispatcher(store, publishers, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, logger, metrics)
	} else {
		logger.Warn("No event broker configured, outbox events stay undelivered")
	}

	return a, nil
}

func (a *app) publishers() ([]interfaces.EventPublisher, error) {
	var publishers []interfaces.EventPublisher

	if a.cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		a.closers = append(a.closers, kp.Close)
		publishers = append(publishers, kp)
	}

	if a.cfg.NATSURL != "" {
		nc, err := nats.Connect(a.cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		publishers = append(publishers, events.NewNATSPublisher(nc, a.cfg.NATSPrefix))
	}

	return publishers, nil
}

// start resumes unfinished settlement runs and starts the outbox dispatcher.
func (a *app) start(ctx context.Context) error {
	if _, err := a.runner.Resume(ctx); err != nil {
		return err
	}
	if a.dispatcher != nil {
		go a.dispatcher.Run(ctx)
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.runner != nil {
		a.runner.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			telemetry.Logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
}

// newRedisClient accepts both a redis:// URL and a bare host:port.
func newRedisClient(raw string) (*redis.Client, error) {
	if !strings.Contains(raw, "://") {
		return redis.NewClient(&redis.Options{Addr: raw}), nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
