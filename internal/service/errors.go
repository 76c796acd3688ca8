package service

import (
	"errors"
	"fmt"
)

// Business-rule failures are returned as typed values so callers can map
// them to user-facing messages; they are never retried automatically.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWrongPin           = errors.New("wrong pin")
	ErrSelfTransfer       = errors.New("cannot transfer to self")
	ErrNotOwner           = errors.New("actor does not own this order")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyTerminal    = errors.New("order is already completed or canceled")
	ErrAlreadyCompleted   = errors.New("order is already completed")
	ErrAlreadyRefunded    = errors.New("order has already been refunded")
	ErrEmptyOrder         = errors.New("order has no items")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidPin         = errors.New("pin must be 6 digits")
	ErrInvalidRole        = errors.New("unknown role")
	ErrInvalidSchedule    = errors.New("pre-order date must be a weekday within the allowed window")
	ErrUnknownCode        = errors.New("scanned code did not match any item or account")
)

// InsufficientStockError reports the specific item that blocked a
// reservation, with the quantity still available
type InsufficientStockError struct {
	ItemID    string
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available=%d, requested=%d",
		e.ItemID, e.Available, e.Requested)
}

// PriceChangedError rejects checkout when a client-asserted unit price no
// longer matches the current menu price
type PriceChangedError struct {
	ItemID       string
	Name         string
	CurrentPrice int64
	SentPrice    int64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed for %s: current=%d, sent=%d",
		e.ItemID, e.CurrentPrice, e.SentPrice)
}
