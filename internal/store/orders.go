package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"canteen-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOrderTx inserts an order row inside a transaction
func (s *Store) InsertOrderTx(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	query := `
		INSERT INTO orders (id, account_id, items, total_price, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return tx.QueryRowxContext(ctx, query,
		order.ID, order.AccountID, order.Items, order.TotalPrice, order.Status, order.ScheduledFor,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrderTx re-reads an order under a row lock so lifecycle transitions on
// the same order serialize
func (s *Store) LockOrderTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

// UpdateOrderStatusTx transitions status only when the order is still in one
// of the expected source states. The affected-row count is the idempotency
// guard for terminal transitions: a retried cancel finds zero rows.
func (s *Store) UpdateOrderStatusTx(ctx context.Context, tx *sqlx.Tx, orderID, status string, fromStatuses []string) (bool, error) {
	query, args, err := sqlx.In(
		"UPDATE orders SET status = ?, updated_at = NOW() WHERE id = ? AND status IN (?)",
		status, orderID, fromStatuses)
	if err != nil {
		return false, err
	}
	query = tx.Rebind(query)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdatePickupTx writes both pickup flags and the derived status in one
// statement so the flags and status can never drift apart
func (s *Store) UpdatePickupTx(ctx context.Context, tx *sqlx.Tx, orderID string, studentPickedUp, ownerPickedUp bool, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET student_picked_up = $1, owner_picked_up = $2, status = $3, updated_at = NOW()
		WHERE id = $4`,
		studentPickedUp, ownerPickedUp, status, orderID)
	return err
}

// GetOrdersByAccount retrieves orders placed by an account
func (s *Store) GetOrdersByAccount(ctx context.Context, accountID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE account_id = $1 ORDER BY created_at DESC", accountID)
	return orders, err
}

// GetOrdersForOwner retrieves orders that contain at least one of the owner's
// items. The filter runs server-side so an owner never receives another
// owner's order data.
func (s *Store) GetOrdersForOwner(ctx context.Context, ownerID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(o.items) e
			WHERE e->>'owner_id' = $1
		)
		ORDER BY o.created_at DESC`, ownerID)
	return orders, err
}

// GetDuePreorderIDs returns pre-orders whose scheduled date has arrived
func (s *Store) GetDuePreorderIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE status = $1 AND scheduled_for <= $2",
		models.OrderStatusPreorder, now)
	return ids, err
}

// SumOrderTotals sums committed order totals for an account in a time window
// (month-to-date budget checks, spend reports)
func (s *Store) SumOrderTotals(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(total_price), 0) FROM orders
		WHERE account_id = $1 AND status != $2 AND created_at >= $3 AND created_at < $4`,
		accountID, models.OrderStatusCanceled, from, to)
	return total, err
}

// InsertTransactionTx appends a ledger entry inside a transaction. Ledger
// rows are never updated or deleted.
func (s *Store) InsertTransactionTx(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, sender_id, receiver_id, amount, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return tx.QueryRowxContext(ctx, query,
		t.ID, t.SenderID, t.ReceiverID, t.Amount, t.Type,
	).Scan(&t.CreatedAt)
}

// GetTransactionsByAccount retrieves ledger entries involving an account
func (s *Store) GetTransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.db.SelectContext(ctx, &transactions, `
		SELECT * FROM transactions
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC`, accountID)
	return transactions, err
}

// CreateNotification inserts an advisory notification row
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (id, account_id, category, title, message, link, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	return s.db.QueryRowxContext(ctx, query,
		n.ID, n.AccountID, n.Category, n.Title, n.Message, n.Link, n.Meta,
	).Scan(&n.CreatedAt)
}

// GetNotificationsByAccount retrieves notifications addressed to an account
func (s *Store) GetNotificationsByAccount(ctx context.Context, accountID string) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	return notifications, err
}

// CountUnreadNotifications counts unread notifications for an account
func (s *Store) CountUnreadNotifications(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE account_id = $1 AND read = FALSE`, accountID)
	return count, err
}

// MarkNotificationRead flips the read flag, the only permitted notification
// mutation. Scoped to the owning account.
func (s *Store) MarkNotificationRead(ctx context.Context, id, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = TRUE WHERE id = $1 AND account_id = $2",
		id, accountID)
	return err
}

// OwnerRevenueRow is one line of the owner revenue report
type OwnerRevenueRow struct {
	ItemID   string `db:"item_id" json:"item_id"`
	Name     string `db:"name" json:"name"`
	Quantity int64  `db:"quantity" json:"quantity"`
	Revenue  int64  `db:"revenue" json:"revenue"`
}

// GetOwnerRevenue aggregates completed order line items for one owner
func (s *Store) GetOwnerRevenue(ctx context.Context, ownerID string, from, to time.Time) ([]OwnerRevenueRow, error) {
	var rows []OwnerRevenueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT e->>'id' AS item_id,
		       e->>'name' AS name,
		       SUM((e->>'quantity')::BIGINT) AS quantity,
		       SUM((e->>'price')::BIGINT * (e->>'quantity')::BIGINT) AS revenue
		FROM orders o, jsonb_array_elements(o.items) e
		WHERE o.status = $1 AND e->>'owner_id' = $2
		  AND o.created_at >= $3 AND o.created_at < $4
		GROUP BY 1, 2
		ORDER BY revenue DESC`,
		models.OrderStatusCompleted, ownerID, from, to)
	return rows, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
