package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"canteen-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by tests)
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Begin starts a database transaction
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

// EnsureSchema creates the logical tables if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			role VARCHAR(20) NOT NULL,
			wallet_balance BIGINT NOT NULL DEFAULT 0 CHECK (wallet_balance >= 0),
			password_hash VARCHAR(255) NOT NULL,
			pin_hash VARCHAR(255) NOT NULL,
			monthly_budget BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS menu_items (
			id UUID PRIMARY KEY,
			owner_id UUID NOT NULL REFERENCES accounts(id),
			name VARCHAR(255) NOT NULL,
			price BIGINT NOT NULL CHECK (price >= 0),
			stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0),
			category VARCHAR(20) NOT NULL,
			barcode VARCHAR(255),
			image_url TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			items JSONB NOT NULL,
			total_price BIGINT NOT NULL CHECK (total_price >= 0),
			status VARCHAR(20) NOT NULL,
			scheduled_for DATE,
			student_picked_up BOOLEAN NOT NULL DEFAULT FALSE,
			owner_picked_up BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			sender_id UUID REFERENCES accounts(id),
			receiver_id UUID REFERENCES accounts(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			type VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			category VARCHAR(20) NOT NULL,
			title VARCHAR(255) NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			link TEXT,
			meta JSONB,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id VARCHAR(64) PRIMARY KEY,
			event_type VARCHAR(64) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a new account row
func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, name, email, role, wallet_balance, password_hash, pin_hash, monthly_budget)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		account.ID, account.Name, account.Email, account.Role, account.Balance,
		account.PasswordHash, account.PinHash, account.MonthlyBudget,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
}

// GetAccountByID retrieves an account by ID
func (s *Store) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := s.db.GetContext(ctx, &account, "SELECT * FROM accounts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountByEmail retrieves an account by email, or nil when absent
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	err := s.db.GetContext(ctx, &account, "SELECT * FROM accounts WHERE email = $1", email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LockAccountTx re-reads an account under a row lock. Every money movement
// re-verifies balance and PIN against this row, never a client-cached value.
func (s *Store) LockAccountTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Account, error) {
	var account models.Account
	err := tx.GetContext(ctx, &account,
		"SELECT * FROM accounts WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &account, nil
}

// UpdateBalanceTx writes a new balance for an account locked in this transaction
func (s *Store) UpdateBalanceTx(ctx context.Context, tx *sqlx.Tx, id string, newBalance int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE accounts SET wallet_balance = $1, updated_at = NOW() WHERE id = $2",
		newBalance, id)
	return err
}

// UpdateAccountSettings updates the holder-mutable fields (PIN hash, budget)
func (s *Store) UpdateAccountSettings(ctx context.Context, id string, pinHash *string, monthlyBudget *int64, clearBudget bool) error {
	if pinHash != nil {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE accounts SET pin_hash = $1, updated_at = NOW() WHERE id = $2", *pinHash, id); err != nil {
			return err
		}
	}
	if monthlyBudget != nil || clearBudget {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE accounts SET monthly_budget = $1, updated_at = NOW() WHERE id = $2", monthlyBudget, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateMenuItem inserts a new menu item
func (s *Store) CreateMenuItem(ctx context.Context, item *models.MenuItem) error {
	query := `
		INSERT INTO menu_items (id, owner_id, name, price, stock, category, barcode, image_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		item.ID, item.OwnerID, item.Name, item.Price, item.Stock,
		item.Category, item.Barcode, item.ImageURL,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
}

// GetMenuItemByID retrieves a menu item by ID
func (s *Store) GetMenuItemByID(ctx context.Context, id string) (*models.MenuItem, error) {
	var item models.MenuItem
	err := s.db.GetContext(ctx, &item, "SELECT * FROM menu_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("menu item not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetMenuItemByBarcode retrieves a menu item by barcode value, or nil
func (s *Store) GetMenuItemByBarcode(ctx context.Context, barcode string) (*models.MenuItem, error) {
	var item models.MenuItem
	err := s.db.GetContext(ctx, &item, "SELECT * FROM menu_items WHERE barcode = $1", barcode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetMenuItems retrieves the whole menu
func (s *Store) GetMenuItems(ctx context.Context) ([]models.MenuItem, error) {
	var items []models.MenuItem
	err := s.db.SelectContext(ctx, &items, "SELECT * FROM menu_items ORDER BY name")
	return items, err
}

// GetMenuItemsByOwner retrieves one owner's menu
func (s *Store) GetMenuItemsByOwner(ctx context.Context, ownerID string) ([]models.MenuItem, error) {
	var items []models.MenuItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM menu_items WHERE owner_id = $1 ORDER BY name", ownerID)
	return items, err
}

// GetMenuItemsByIDs retrieves multiple menu items by IDs
func (s *Store) GetMenuItemsByIDs(ctx context.Context, ids []string) ([]models.MenuItem, error) {
	if len(ids) == 0 {
		return []models.MenuItem{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM menu_items WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var items []models.MenuItem
	err = s.db.SelectContext(ctx, &items, query, args...)
	return items, err
}

// UpdateMenuItem updates the owner-editable fields of a menu item
func (s *Store) UpdateMenuItem(ctx context.Context, item *models.MenuItem) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE menu_items
		SET name = $1, price = $2, stock = $3, category = $4, barcode = $5, image_url = $6, updated_at = NOW()
		WHERE id = $7 AND owner_id = $8`,
		item.Name, item.Price, item.Stock, item.Category, item.Barcode, item.ImageURL,
		item.ID, item.OwnerID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("menu item not found or not owned: %s", item.ID)
	}
	return nil
}

// DeleteMenuItem removes a menu item belonging to the given owner
func (s *Store) DeleteMenuItem(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM menu_items WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("menu item not found or not owned: %s", id)
	}
	return nil
}

// DecrementStockTx conditionally decrements stock inside a transaction.
// Returns false without mutating anything when stock is insufficient, so
// concurrent reservations can never drive stock below zero.
func (s *Store) DecrementStockTx(ctx context.Context, tx *sqlx.Tx, itemID string, quantity int) (bool, error) {
	result, err := tx.ExecContext(ctx,
		"UPDATE menu_items SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
		quantity, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// IncrementStockTx adds quantity back to stock (cancellation reversal)
func (s *Store) IncrementStockTx(ctx context.Context, tx *sqlx.Tx, itemID string, quantity int) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE menu_items SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		quantity, itemID)
	return err
}

// GetStockTx reads current stock inside a transaction, used to report the
// available quantity after a failed reservation
func (s *Store) GetStockTx(ctx context.Context, tx *sqlx.Tx, itemID string) (int, error) {
	var stock int
	err := tx.GetContext(ctx, &stock, "SELECT stock FROM menu_items WHERE id = $1", itemID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("menu item not found: %s", itemID)
	}
	return stock, err
}

// GetStock reads current stock outside any transaction (degraded path only)
func (s *Store) GetStock(ctx context.Context, itemID string) (int, error) {
	var stock int
	err := s.db.GetContext(ctx, &stock, "SELECT stock FROM menu_items WHERE id = $1", itemID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("menu item not found: %s", itemID)
	}
	return stock, err
}

// SetStock unconditionally writes a stock value. Used by owner restock and by
// the degraded non-transactional reservation path, which carries a race
// window and is disabled by default.
func (s *Store) SetStock(ctx context.Context, itemID string, stock int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE menu_items SET stock = $1, updated_at = NOW() WHERE id = $2",
		stock, itemID)
	return err
}
