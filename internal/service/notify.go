package service

import (
	"context"
	"encoding/json"
	"time"

	"canteen-service/internal/broker"
	"canteen-service/internal/models"
	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier writes advisory notification rows and publishes domain events.
// Everything here is best-effort: a notifier failure is logged and swallowed,
// it never fails the money or stock operation that triggered it.
type Notifier struct {
	store     *store.Store
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(store *store.Store, publisher *broker.EventPublisher) *Notifier {
	return &Notifier{
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Notify writes one notification row addressed to an account
func (n *Notifier) Notify(ctx context.Context, accountID, category, title, message string, meta map[string]interface{}) {
	notification := &models.Notification{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Category:  category,
		Title:     title,
		Message:   message,
	}

	if meta != nil {
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			n.logger.Warn("Failed to marshal notification meta", zap.Error(err))
		} else {
			notification.Meta = metaBytes
		}
	}

	if err := n.store.CreateNotification(ctx, notification); err != nil {
		n.logger.Error("Failed to create notification",
			zap.String("account_id", accountID),
			zap.String("category", category),
			zap.Error(err))
		return
	}
	util.NotificationsCreatedTotal.Inc()
}

// OrderEvent publishes an order lifecycle event for UI refresh
func (n *Notifier) OrderEvent(ctx context.Context, eventType string, order *models.Order, audience []string) {
	if n.publisher == nil {
		return
	}
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Audience:  audience,
			Timestamp: time.Now(),
		},
		OrderID:    order.ID,
		AccountID:  order.AccountID,
		Status:     order.Status,
		TotalPrice: order.TotalPrice,
	}
	if err := n.publisher.PublishOrderEvent(ctx, event); err != nil {
		n.logger.Error("Failed to publish order event",
			zap.String("order_id", order.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// WalletEvent publishes a balance-mutation event for UI refresh
func (n *Notifier) WalletEvent(ctx context.Context, eventType, accountID string, amount int64, txType, txID string) {
	if n.publisher == nil {
		return
	}
	event := &models.WalletEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Audience:  []string{accountID},
			Timestamp: time.Now(),
		},
		AccountID:     accountID,
		Amount:        amount,
		Type:          txType,
		TransactionID: txID,
	}
	if err := n.publisher.PublishWalletEvent(ctx, event); err != nil {
		n.logger.Error("Failed to publish wallet event",
			zap.String("account_id", accountID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// MoneyRequestEvent publishes an advisory payment request
func (n *Notifier) MoneyRequestEvent(ctx context.Context, fromID, toID string, amount int64) {
	if n.publisher == nil {
		return
	}
	event := &models.MoneyRequestEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeMoneyRequested,
			Audience:  []string{toID},
			Timestamp: time.Now(),
		},
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
	}
	if err := n.publisher.PublishMoneyRequest(ctx, event); err != nil {
		n.logger.Error("Failed to publish money request event",
			zap.String("to_account_id", toID),
			zap.Error(err))
	}
}
