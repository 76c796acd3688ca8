package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ItemQuantity is one (item, requested quantity) pair of a reservation
type ItemQuantity struct {
	ItemID   string
	Quantity int
}

// Inventory owns all stock mutations. The primary design runs every
// multi-item reservation as one database transaction with conditional
// decrements, so concurrent reservations can never oversell.
type Inventory struct {
	store          *store.Store
	unsafeFallback bool
	logger         *zap.Logger
}

// NewInventory creates a new inventory service. unsafeFallback enables the
// non-transactional read-then-write path for stores without transactional
// support; it carries a race window and must stay off in production.
func NewInventory(store *store.Store, unsafeFallback bool) *Inventory {
	return &Inventory{
		store:          store,
		unsafeFallback: unsafeFallback,
		logger:         util.GetLogger(),
	}
}

// Reserve atomically decrements stock for every item, or decrements nothing.
// The failing item and its available quantity are reported via
// InsufficientStockError.
func (inv *Inventory) Reserve(ctx context.Context, items []ItemQuantity) error {
	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateQuantities(items); err != nil {
		return err
	}

	if inv.unsafeFallback {
		return inv.reserveUnsafe(ctx, items)
	}

	tx, err := inv.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	if err := inv.ReserveTx(ctx, tx, items); err != nil {
		return err
	}

	return tx.Commit()
}

// ReserveTx runs the reservation inside a caller-owned transaction so order
// placement can combine it with the wallet debit and order insert. Items are
// processed in a stable order to avoid lock cycles between concurrent
// reservations of overlapping item sets.
func (inv *Inventory) ReserveTx(ctx context.Context, tx *sqlx.Tx, items []ItemQuantity) error {
	ordered := make([]ItemQuantity, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ItemID < ordered[j].ItemID })

	for _, item := range ordered {
		applied, err := inv.store.DecrementStockTx(ctx, tx, item.ItemID, item.Quantity)
		if err != nil {
			util.StockReservationsFailed.WithLabelValues("error").Inc()
			return err
		}
		if !applied {
			available, err := inv.store.GetStockTx(ctx, tx, item.ItemID)
			if err != nil {
				util.StockReservationsFailed.WithLabelValues("error").Inc()
				return err
			}
			util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return &InsufficientStockError{
				ItemID:    item.ItemID,
				Available: available,
				Requested: item.Quantity,
			}
		}
	}

	return nil
}

// Restore adds quantities back to stock (order cancellation). Idempotency is
// tracked at the order level by the caller; restoring the same order twice is
// a caller error.
func (inv *Inventory) Restore(ctx context.Context, items []ItemQuantity) error {
	if err := validateQuantities(items); err != nil {
		return err
	}

	tx, err := inv.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	if err := inv.RestoreTx(ctx, tx, items); err != nil {
		return err
	}

	return tx.Commit()
}

// RestoreTx runs the restore inside a caller-owned transaction
func (inv *Inventory) RestoreTx(ctx context.Context, tx *sqlx.Tx, items []ItemQuantity) error {
	for _, item := range items {
		if err := inv.store.IncrementStockTx(ctx, tx, item.ItemID, item.Quantity); err != nil {
			return fmt.Errorf("failed to restore stock for item %s: %w", item.ItemID, err)
		}
	}
	return nil
}

// reserveUnsafe is the degraded two-step path: read all stocks, verify, then
// write unconditionally. Between the read and the write a concurrent buyer
// can take the same units, so this path can oversell under contention.
func (inv *Inventory) reserveUnsafe(ctx context.Context, items []ItemQuantity) error {
	inv.logger.Warn("Reserving stock via non-transactional fallback path")

	stocks := make(map[string]int, len(items))
	for _, item := range items {
		stock, err := inv.store.GetStock(ctx, item.ItemID)
		if err != nil {
			return err
		}
		stocks[item.ItemID] = stock
	}

	for _, item := range items {
		if stocks[item.ItemID] < item.Quantity {
			util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return &InsufficientStockError{
				ItemID:    item.ItemID,
				Available: stocks[item.ItemID],
				Requested: item.Quantity,
			}
		}
	}

	for _, item := range items {
		if err := inv.store.SetStock(ctx, item.ItemID, stocks[item.ItemID]-item.Quantity); err != nil {
			return fmt.Errorf("failed to write stock for item %s: %w", item.ItemID, err)
		}
	}

	return nil
}

func validateQuantities(items []ItemQuantity) error {
	if len(items) == 0 {
		return ErrEmptyOrder
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}
