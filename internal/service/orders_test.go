package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"canteen-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderColumns = []string{
	"id", "account_id", "items", "total_price", "status", "scheduled_for",
	"student_picked_up", "owner_picked_up", "created_at", "updated_at",
}

var menuColumns = []string{
	"id", "owner_id", "name", "price", "stock", "category",
	"barcode", "image_url", "created_at", "updated_at",
}

// One line of nasi goreng owned by own-1, price 1500, quantity 2.
var testItemsJSON = []byte(`[{"id":"item-a","owner_id":"own-1","name":"Nasi Goreng","price":1500,"quantity":2}]`)

func orderRow(id, accountID string, items []byte, total int64, status string, studentPU, ownerPU bool) *sqlmock.Rows {
	return sqlmock.NewRows(orderColumns).
		AddRow(id, accountID, items, total, status, nil, studentPU, ownerPU, time.Now(), time.Now())
}

func menuItemRow(id, ownerID, name string, price int64, stock int) *sqlmock.Rows {
	return sqlmock.NewRows(menuColumns).
		AddRow(id, ownerID, name, price, stock, models.CategoryFood, nil, nil, time.Now(), time.Now())
}

func newOrderService(t *testing.T) (*OrderService, sqlmock.Sqlmock) {
	st, mock := newMockStore(t)
	notifier := NewNotifier(st, nil)
	ledger := NewLedger(st, notifier)
	inventory := NewInventory(st, false)
	return NewOrderService(st, ledger, inventory, notifier, nil, 7), mock
}

// nextWeekday returns the first Monday-Friday date at least one day out
func nextWeekday(t *testing.T) time.Time {
	t.Helper()
	now := time.Now()
	date := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	for date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
		date = date.AddDate(0, 0, 1)
	}
	return date
}

// nextSaturday returns the first Saturday at least one day out
func nextSaturday(t *testing.T) time.Time {
	t.Helper()
	now := time.Now()
	date := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	for date.Weekday() != time.Saturday {
		date = date.AddDate(0, 0, 1)
	}
	return date
}

func TestOrderService_PlaceOrder(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	t.Run("checkout commits stock, debit and order as one unit", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE menu_items SET stock = stock -").
			WithArgs(2, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(2000), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "a1", nil, int64(3000), models.TransactionOrder).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery("INSERT INTO orders").
			WithArgs(sqlmock.AnyArg(), "a1", sqlmock.AnyArg(), int64(3000), models.OrderStatusProcessing, nil).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
		mock.ExpectCommit()

		result, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 2},
		}, nil, "")

		require.NoError(t, err)
		assert.Equal(t, int64(2000), result.NewBalance)
		assert.Equal(t, models.OrderStatusProcessing, result.Order.Status)
		assert.Equal(t, int64(3000), result.Order.TotalPrice)
		require.Len(t, result.Order.Items, 1)
		assert.Equal(t, "own-1", result.Order.Items[0].OwnerID)
		assert.Equal(t, int64(1500), result.Order.Items[0].UnitPrice)
		assert.False(t, result.BudgetExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls back the stock reservation", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 100, "x"))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE menu_items SET stock = stock -").
			WithArgs(2, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 100, "x"))
		mock.ExpectRollback()

		_, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 2},
		}, nil, "")

		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient stock fails before the wallet is touched", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE menu_items SET stock = stock -").
			WithArgs(2, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT stock FROM menu_items WHERE id = \\$1").
			WithArgs("item-a").
			WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(1))
		mock.ExpectRollback()

		_, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 2},
		}, nil, "")

		var stockErr *InsufficientStockError
		require.True(t, errors.As(err, &stockErr))
		assert.Equal(t, 1, stockErr.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale client price is rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))

		_, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", UnitPrice: 1200, Quantity: 2},
		}, nil, "")

		var priceErr *PriceChangedError
		require.True(t, errors.As(err, &priceErr))
		assert.Equal(t, int64(1500), priceErr.CurrentPrice)
		assert.Equal(t, int64(1200), priceErr.SentPrice)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("budget overrun warns but does not block", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(sqlmock.NewRows(accountColumns).
				AddRow("a1", "Account a1", "a1@example.com", models.RoleStudent, int64(5000),
					"x", "x", int64(2000), time.Now(), time.Now()))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total_price\\), 0\\) FROM orders").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(1500)))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE menu_items SET stock = stock -").
			WithArgs(2, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(2000), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery("INSERT INTO orders").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
		mock.ExpectCommit()

		result, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 2},
		}, nil, "")

		require.NoError(t, err)
		assert.True(t, result.BudgetExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("weekend pre-order date rejected", func(t *testing.T) {
		saturday := nextSaturday(t)
		_, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 1},
		}, &saturday, "")
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("pre-order date beyond the window rejected", func(t *testing.T) {
		now := time.Now()
		farOut := time.Date(now.Year(), now.Month(), now.Day()+30, 0, 0, 0, 0, now.Location())
		for farOut.Weekday() == time.Saturday || farOut.Weekday() == time.Sunday {
			farOut = farOut.AddDate(0, 0, 1)
		}
		_, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 1},
		}, &farOut, "")
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("valid pre-order is stored with its scheduled date", func(t *testing.T) {
		scheduled := nextWeekday(t)

		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id IN").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE menu_items SET stock = stock -").
			WithArgs(1, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, "x"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(3500), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery("INSERT INTO orders").
			WithArgs(sqlmock.AnyArg(), "a1", sqlmock.AnyArg(), int64(1500), models.OrderStatusPreorder, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
		mock.ExpectCommit()

		result, err := svc.PlaceOrder(ctx, "a1", []OrderItemRequest{
			{ItemID: "item-a", Quantity: 1},
		}, &scheduled, "")

		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPreorder, result.Order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty cart rejected", func(t *testing.T) {
		_, err := svc.PlaceOrder(ctx, "a1", nil, nil, "")
		assert.ErrorIs(t, err, ErrEmptyOrder)
	})
}

func TestOrderService_AdvanceStatus(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	t.Run("owner moves processing to ready", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectExec("UPDATE orders SET status =").
			WithArgs(models.OrderStatusReady, "o1", models.OrderStatusProcessing).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		order, err := svc.AdvanceStatus(ctx, "o1", "own-1", models.RoleOwner, models.OrderStatusReady)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusReady, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("owner of a different stall is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectRollback()

		_, err := svc.AdvanceStatus(ctx, "o1", "own-2", models.RoleOwner, models.OrderStatusReady)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("student cannot advance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectRollback()

		_, err := svc.AdvanceStatus(ctx, "o1", "a1", models.RoleStudent, models.OrderStatusReady)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skipping a state is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusPreorder, false, false))
		mock.ExpectRollback()

		_, err := svc.AdvanceStatus(ctx, "o1", "own-1", models.RoleOwner, models.OrderStatusReady)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal order is immutable", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusCompleted, true, true))
		mock.ExpectRollback()

		_, err := svc.AdvanceStatus(ctx, "o1", "own-1", models.RoleOwner, models.OrderStatusReady)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_ConfirmPickup(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	t.Run("first confirmation leaves the order ready", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))
		mock.ExpectExec("UPDATE orders").
			WithArgs(true, false, models.OrderStatusReady, "o1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		order, err := svc.ConfirmPickup(ctx, "o1", "a1", models.RoleStudent)
		require.NoError(t, err)
		assert.True(t, order.StudentPickedUp)
		assert.False(t, order.OwnerPickedUp)
		assert.Equal(t, models.OrderStatusReady, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second confirmation completes the order", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, true, false))
		mock.ExpectExec("UPDATE orders").
			WithArgs(true, true, models.OrderStatusCompleted, "o1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		order, err := svc.ConfirmPickup(ctx, "o1", "own-1", models.RoleOwner)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCompleted, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completion works in either confirmation order", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, true))
		mock.ExpectExec("UPDATE orders").
			WithArgs(true, true, models.OrderStatusCompleted, "o1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		order, err := svc.ConfirmPickup(ctx, "o1", "a1", models.RoleStudent)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCompleted, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated confirmation is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, true, false))
		mock.ExpectCommit()

		order, err := svc.ConfirmPickup(ctx, "o1", "a1", models.RoleStudent)
		require.NoError(t, err)
		assert.True(t, order.StudentPickedUp)
		assert.Equal(t, models.OrderStatusReady, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed order reports already completed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusCompleted, true, true))
		mock.ExpectRollback()

		_, err := svc.ConfirmPickup(ctx, "o1", "a1", models.RoleStudent)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("order not yet ready cannot be confirmed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectRollback()

		_, err := svc.ConfirmPickup(ctx, "o1", "a1", models.RoleStudent)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stranger cannot confirm", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))
		mock.ExpectRollback()

		_, err := svc.ConfirmPickup(ctx, "o1", "a2", models.RoleStudent)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_CancelOrder(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	t.Run("cancel restores stock and refunds atomically", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectExec("UPDATE orders SET status =").
			WithArgs(models.OrderStatusCanceled, "o1", models.OrderStatusProcessing, models.OrderStatusReady).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE menu_items SET stock = stock \\+").
			WithArgs(2, "item-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 500, "x"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(3500), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), nil, "a1", int64(3000), models.TransactionRefund).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		order, err := svc.CancelOrder(ctx, "o1", "own-1", models.RoleOwner)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCanceled, order.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retried cancel cannot refund twice", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusCanceled, false, false))
		mock.ExpectRollback()

		_, err := svc.CancelOrder(ctx, "o1", "own-1", models.RoleOwner)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race on the terminal write refunds nothing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectExec("UPDATE orders SET status =").
			WithArgs(models.OrderStatusCanceled, "o1", models.OrderStatusProcessing, models.OrderStatusReady).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := svc.CancelOrder(ctx, "o1", "own-1", models.RoleOwner)
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("student cannot cancel", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))
		mock.ExpectRollback()

		_, err := svc.CancelOrder(ctx, "o1", "a1", models.RoleStudent)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pre-order cannot be canceled before promotion", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusPreorder, false, false))
		mock.ExpectRollback()

		_, err := svc.CancelOrder(ctx, "o1", "own-1", models.RoleOwner)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_PromoteDuePreorders(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id FROM orders WHERE status = \\$1 AND scheduled_for <= \\$2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("o1"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status =").
		WithArgs(models.OrderStatusProcessing, "o1", models.OrderStatusPreorder).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1").
		WithArgs("o1").
		WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusProcessing, false, false))

	promoted, err := svc.PromoteDuePreorders(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderService_GetOrder(t *testing.T) {
	svc, mock := newOrderService(t)
	ctx := context.Background()

	t.Run("student sees own order", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))

		order, err := svc.GetOrder(ctx, "o1", "a1", models.RoleStudent)
		require.NoError(t, err)
		assert.Equal(t, "o1", order.ID)
	})

	t.Run("student cannot see another student's order", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))

		_, err := svc.GetOrder(ctx, "o1", "a2", models.RoleStudent)
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("owner with a line item sees the order", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))

		_, err := svc.GetOrder(ctx, "o1", "own-1", models.RoleOwner)
		assert.NoError(t, err)
	})

	t.Run("unrelated owner is rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM orders WHERE id = \\$1").
			WithArgs("o1").
			WillReturnRows(orderRow("o1", "a1", testItemsJSON, 3000, models.OrderStatusReady, false, false))

		_, err := svc.GetOrder(ctx, "o1", "own-2", models.RoleOwner)
		assert.ErrorIs(t, err, ErrNotOwner)
	})
}

func TestDistinctOwners(t *testing.T) {
	items := models.LineItems{
		{ItemID: "i1", OwnerID: "own-1"},
		{ItemID: "i2", OwnerID: "own-2"},
		{ItemID: "i3", OwnerID: "own-1"},
	}
	assert.Equal(t, []string{"own-1", "own-2"}, distinctOwners(items))
}

func TestOrder_OwnedEntirelyBy(t *testing.T) {
	mixed := &models.Order{Items: models.LineItems{
		{ItemID: "i1", OwnerID: "own-1"},
		{ItemID: "i2", OwnerID: "own-2"},
	}}
	assert.False(t, mixed.OwnedEntirelyBy("own-1"))

	single := &models.Order{Items: models.LineItems{
		{ItemID: "i1", OwnerID: "own-1"},
	}}
	assert.True(t, single.OwnedEntirelyBy("own-1"))

	empty := &models.Order{}
	assert.False(t, empty.OwnedEntirelyBy("own-1"))
}
