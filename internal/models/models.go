package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Account roles
const (
	RoleStudent = "student"
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
)

// Account represents a wallet-holding user
type Account struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Email         string    `db:"email" json:"email"`
	Role          string    `db:"role" json:"role"`
	Balance       int64     `db:"wallet_balance" json:"wallet_balance"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	PinHash       string    `db:"pin_hash" json:"-"`
	MonthlyBudget *int64    `db:"monthly_budget" json:"monthly_budget,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Menu item categories
const (
	CategoryFood  = "food"
	CategoryDrink = "drink"
)

// MenuItem represents an item sold by an owner
type MenuItem struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Stock     int       `db:"stock" json:"stock"`
	Category  string    `db:"category" json:"category"`
	Barcode   *string   `db:"barcode" json:"barcode,omitempty"`
	ImageURL  *string   `db:"image_url" json:"image_url,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusPreorder   = "preorder"
	OrderStatusProcessing = "processing"
	OrderStatusReady      = "ready"
	OrderStatusCompleted  = "completed"
	OrderStatusCanceled   = "canceled"
)

// LineItem is a price snapshot captured at order time. Prices do not follow
// later menu edits; owner_id is snapshotted so ownership checks survive item
// deletion.
type LineItem struct {
	ItemID    string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// LineItems is stored as a JSONB array embedded in the order row
type LineItems []LineItem

func (li LineItems) Value() (driver.Value, error) {
	return json.Marshal(li)
}

func (li *LineItems) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, li)
	case string:
		return json.Unmarshal([]byte(v), li)
	case nil:
		*li = nil
		return nil
	default:
		return fmt.Errorf("unsupported line items type %T", src)
	}
}

// Order represents a customer order
type Order struct {
	ID              string     `db:"id" json:"id"`
	AccountID       string     `db:"account_id" json:"account_id"`
	Items           LineItems  `db:"items" json:"items"`
	TotalPrice      int64      `db:"total_price" json:"total_price"`
	Status          string     `db:"status" json:"status"`
	ScheduledFor    *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	StudentPickedUp bool       `db:"student_picked_up" json:"student_picked_up"`
	OwnerPickedUp   bool       `db:"owner_picked_up" json:"owner_picked_up"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further mutation of the order is allowed
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCanceled
}

// OwnedEntirelyBy reports whether every line item belongs to the given owner.
// Mixed-ownership orders are not actionable by any single owner.
func (o *Order) OwnedEntirelyBy(ownerID string) bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, it := range o.Items {
		if it.OwnerID != ownerID {
			return false
		}
	}
	return true
}

// Transaction types
const (
	TransactionTopup    = "topup"
	TransactionTransfer = "transfer"
	TransactionOrder    = "order"
	TransactionRefund   = "refund"
)

// Transaction is an append-only ledger entry. A nil sender means an external
// funding source (top-up, refund); a nil receiver means an external sink
// (payment to the canteen).
type Transaction struct {
	ID         string    `db:"id" json:"id"`
	SenderID   *string   `db:"sender_id" json:"sender_id"`
	ReceiverID *string   `db:"receiver_id" json:"receiver_id"`
	Amount     int64     `db:"amount" json:"amount"`
	Type       string    `db:"type" json:"type"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Notification categories
const (
	NotifyOrder  = "order"
	NotifyWallet = "wallet"
)

// Notification is an advisory row addressed to an account. It is never
// required for money or stock correctness.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Category  string    `db:"category" json:"category"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Link      *string   `db:"link" json:"link,omitempty"`
	Meta      []byte    `db:"meta" json:"meta,omitempty"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for fanout idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
