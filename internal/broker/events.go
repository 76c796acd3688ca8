package broker

import (
	"context"
	"fmt"

	"canteen-service/internal/models"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderEvent publishes an order lifecycle event, keyed by order so
// events for the same order stay ordered
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	key := fmt.Sprintf("order-%s", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishWalletEvent publishes a balance-mutation event keyed by account
func (ep *EventPublisher) PublishWalletEvent(ctx context.Context, event *models.WalletEvent) error {
	key := fmt.Sprintf("account-%s", event.AccountID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishMoneyRequest publishes an advisory payment request event
func (ep *EventPublisher) PublishMoneyRequest(ctx context.Context, event *models.MoneyRequestEvent) error {
	key := fmt.Sprintf("account-%s", event.ToAccountID)
	return ep.producer.PublishEvent(ctx, key, event)
}
