package worker

import (
	"context"
	"encoding/json"
	"time"

	"canteen-service/internal/broker"
	"canteen-service/internal/models"
	"canteen-service/internal/redisclient"
	"canteen-service/internal/service"
	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// FanoutWorker forwards domain events from Kafka to per-account Redis
// channels so subscribed UIs refresh. Delivery is best-effort; the durable
// rows were already committed by the operation that emitted the event.
type FanoutWorker struct {
	consumer *broker.Consumer
	redis    *redisclient.Client
	store    *store.Store
	logger   *zap.Logger
}

// NewFanoutWorker creates a new fanout worker
func NewFanoutWorker(consumer *broker.Consumer, redis *redisclient.Client, store *store.Store) *FanoutWorker {
	return &FanoutWorker{
		consumer: consumer,
		redis:    redis,
		store:    store,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *FanoutWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fanout worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *FanoutWorker) Stop() error {
	w.logger.Info("Stopping fanout worker")
	return w.consumer.Close()
}

func (w *FanoutWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		w.logger.Error("Failed to unmarshal event", zap.Error(err))
		return nil // malformed events are dropped, not redelivered
	}

	processed, err := w.store.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	for _, accountID := range base.Audience {
		if err := w.redis.PublishToAccount(ctx, accountID, msg.Value); err != nil {
			w.logger.Warn("Failed to fan out event",
				zap.String("event_id", base.EventID),
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}
	util.FanoutEventsTotal.Inc()

	return w.store.MarkEventProcessed(ctx, base.EventID, base.EventType)
}

// PreorderWorker promotes pre-orders to processing once their scheduled date
// arrives. A distributed lock keeps a single instance doing the sweep.
type PreorderWorker struct {
	orders   *service.OrderService
	redis    *redisclient.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewPreorderWorker creates a new pre-order promotion worker
func NewPreorderWorker(orders *service.OrderService, redis *redisclient.Client, interval time.Duration) *PreorderWorker {
	return &PreorderWorker{
		orders:   orders,
		redis:    redis,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the promotion loop until the context is cancelled
func (w *PreorderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting pre-order worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Pre-order worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *PreorderWorker) sweep(ctx context.Context) {
	if w.redis != nil {
		acquired, err := w.redis.AcquireLock(ctx, "preorder-promote", w.interval)
		if err != nil {
			w.logger.Warn("Pre-order lock check failed", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := w.redis.ReleaseLock(ctx, "preorder-promote"); err != nil {
				w.logger.Warn("Failed to release pre-order lock", zap.Error(err))
			}
		}()
	}

	promoted, err := w.orders.PromoteDuePreorders(ctx)
	if err != nil {
		w.logger.Error("Pre-order promotion sweep failed", zap.Error(err))
		return
	}
	if promoted > 0 {
		w.logger.Info("Promoted pre-orders", zap.Int("count", promoted))
	}
}
