package service

import (
	"context"
	"testing"
	"time"

	"canteen-service/internal/models"
	"canteen-service/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var accountColumns = []string{
	"id", "name", "email", "role", "wallet_balance",
	"password_hash", "pin_hash", "monthly_budget", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func accountRow(id string, balance int64, pinHash string) *sqlmock.Rows {
	return sqlmock.NewRows(accountColumns).
		AddRow(id, "Account "+id, id+"@example.com", models.RoleStudent, balance,
			"x", pinHash, nil, time.Now(), time.Now())
}

func hashPin(t *testing.T, pin string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestLedger_Transfer(t *testing.T) {
	st, mock := newMockStore(t)
	ledger := NewLedger(st, NewNotifier(st, nil))
	ctx := context.Background()

	pinHash := hashPin(t, "123456")

	t.Run("successful transfer", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, pinHash))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a2").
			WillReturnRows(accountRow("a2", 2000, pinHash))

		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(4000), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(3000), "a2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "a1", "a2", int64(1000), models.TransactionTransfer).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

		mock.ExpectCommit()

		err := ledger.Transfer(ctx, "a1", "a2", 1000, "123456")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong pin mutates nothing", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 5000, pinHash))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a2").
			WillReturnRows(accountRow("a2", 2000, pinHash))

		mock.ExpectRollback()

		err := ledger.Transfer(ctx, "a1", "a2", 1000, "654321")
		assert.ErrorIs(t, err, ErrWrongPin)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 500, pinHash))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a2").
			WillReturnRows(accountRow("a2", 2000, pinHash))

		mock.ExpectRollback()

		err := ledger.Transfer(ctx, "a1", "a2", 1000, "123456")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		err := ledger.Transfer(ctx, "a1", "a1", 1000, "123456")
		assert.ErrorIs(t, err, ErrSelfTransfer)
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		err := ledger.Transfer(ctx, "a1", "a2", 0, "123456")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("locks acquired in id order regardless of direction", func(t *testing.T) {
		// Sender id sorts after receiver id; the receiver row must be locked first.
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 2000, pinHash))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a2").
			WillReturnRows(accountRow("a2", 5000, pinHash))

		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(4000), "a2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(3000), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "a2", "a1", int64(1000), models.TransactionTransfer).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

		mock.ExpectCommit()

		err := ledger.Transfer(ctx, "a2", "a1", 1000, "123456")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_TopUp(t *testing.T) {
	st, mock := newMockStore(t)
	ledger := NewLedger(st, NewNotifier(st, nil))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs("a1").
		WillReturnRows(accountRow("a1", 1000, "x"))
	mock.ExpectExec("UPDATE accounts SET wallet_balance").
		WithArgs(int64(3500), "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(sqlmock.AnyArg(), nil, "a1", int64(2500), models.TransactionTopup).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	newBalance, err := ledger.TopUp(ctx, "a1", 2500)
	assert.NoError(t, err)
	assert.Equal(t, int64(3500), newBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Debit(t *testing.T) {
	st, mock := newMockStore(t)
	ledger := NewLedger(st, NewNotifier(st, nil))
	ctx := context.Background()

	t.Run("debit fails closed when balance is short", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 300, "x"))
		mock.ExpectRollback()

		_, err := ledger.Debit(ctx, "a1", 1000, models.TransactionOrder, nil)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("successful debit records one ledger entry", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 1500, "x"))
		mock.ExpectExec("UPDATE accounts SET wallet_balance").
			WithArgs(int64(500), "a1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "a1", nil, int64(1000), models.TransactionOrder).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		newBalance, err := ledger.Debit(ctx, "a1", 1000, models.TransactionOrder, nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(500), newBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
