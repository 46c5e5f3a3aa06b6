package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

// Dispatcher delivers outbox events to every publisher and marks them
// published once all of them accepted the event. Delivery is at-least-once.
type Dispatcher struct {
	store        interfaces.OutboxStore
	publishers   []interfaces.EventPublisher
	pollInterval time.Duration
	batchSize    int
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

func NewDispatcher(
	store interfaces.OutboxStore,
	publishers []interfaces.EventPublisher,
	pollInterval time.Duration,
	batchSize int,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:        store,
		publishers:   publishers,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
		metrics:      metrics,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("Outbox dispatcher started", zap.Duration("interval", d.pollInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("Outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce delivers one batch and returns how many events were marked
// published. It stops at the first failed delivery so later events of the
// same payment are not delivered ahead of it.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.FetchUnpublished(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox events: %w", err)
	}

	delivered := 0
	for _, evt := range events {
		for _, p := range d.publishers {
			if err := p.Publish(ctx, evt); err != nil {
				d.metrics.OutboxDelivered("error")
				return delivered, fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
			}
		}

		if err := d.store.MarkPublished(ctx, evt.ID); err != nil {
			return delivered, fmt.Errorf("failed to mark event %s published: %w", evt.ID, err)
		}
		d.metrics.OutboxDelivered("ok")
		delivered++

		d.logger.Debug("Outbox event delivered",
			zap.String("event_id", evt.ID),
			zap.String("payment_id", evt.PaymentID),
			zap.String("event_type", string(evt.Type)),
		)
	}
	return delivered, nil
}
