package models

import "time"

// Event types
const (
	EventTypeOrderPlaced     = "ORDER_PLACED"
	EventTypeOrderReady      = "ORDER_READY"
	EventTypeOrderCompleted  = "ORDER_COMPLETED"
	EventTypeOrderCanceled   = "ORDER_CANCELED"
	EventTypePreorderDue     = "PREORDER_DUE"
	EventTypeWalletCredited  = "WALLET_CREDITED"
	EventTypeWalletDebited   = "WALLET_DEBITED"
	EventTypeMoneyRequested  = "MONEY_REQUESTED"
	EventTypePickupRequested = "PICKUP_REQUESTED"
)

// BaseEvent contains common fields for all events. Audience lists the
// accounts whose UIs should refresh when the event arrives.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Audience  []string  `json:"audience"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent covers the order lifecycle transitions
type OrderEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	AccountID  string `json:"account_id"`
	Status     string `json:"status"`
	TotalPrice int64  `json:"total_price"`
}

// WalletEvent covers balance mutations
type WalletEvent struct {
	BaseEvent
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id"`
}

// MoneyRequestEvent covers advisory payment requests between accounts
type MoneyRequestEvent struct {
	BaseEvent
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
}
