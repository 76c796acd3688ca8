package service

import (
	"context"
	"fmt"

	"canteen-service/internal/models"
	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Ledger owns all wallet balance mutations. Every committed balance change is
// paired with exactly one transaction row; balances never go negative.
type Ledger struct {
	store    *store.Store
	notifier *Notifier
	logger   *zap.Logger
}

// NewLedger creates a new wallet ledger
func NewLedger(store *store.Store, notifier *Notifier) *Ledger {
	return &Ledger{
		store:    store,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// DebitTx debits an account inside a caller-owned transaction. The balance is
// re-read under a row lock immediately before the write; a debit that would
// go negative fails closed with ErrInsufficientFunds and mutates nothing.
func (l *Ledger) DebitTx(ctx context.Context, tx *sqlx.Tx, accountID string, amount int64, txType string, receiverID *string) (*models.Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	account, err := l.store.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, 0, err
	}

	if account.Balance < amount {
		util.WalletFailuresTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, account.Balance, ErrInsufficientFunds
	}

	newBalance := account.Balance - amount
	if err := l.store.UpdateBalanceTx(ctx, tx, accountID, newBalance); err != nil {
		return nil, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := &models.Transaction{
		ID:         uuid.New().String(),
		SenderID:   &account.ID,
		ReceiverID: receiverID,
		Amount:     amount,
		Type:       txType,
	}
	if err := l.store.InsertTransactionTx(ctx, tx, entry); err != nil {
		return nil, 0, fmt.Errorf("failed to record transaction: %w", err)
	}

	l.logger.Info("Wallet debited",
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance),
		zap.String("type", txType),
		zap.String("transaction_id", entry.ID))

	return entry, newBalance, nil
}

// CreditTx credits an account inside a caller-owned transaction. Credits
// always succeed; no upper bound is enforced.
func (l *Ledger) CreditTx(ctx context.Context, tx *sqlx.Tx, accountID string, amount int64, txType string, senderID *string) (*models.Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	account, err := l.store.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, 0, err
	}

	newBalance := account.Balance + amount
	if err := l.store.UpdateBalanceTx(ctx, tx, accountID, newBalance); err != nil {
		return nil, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := &models.Transaction{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: &account.ID,
		Amount:     amount,
		Type:       txType,
	}
	if err := l.store.InsertTransactionTx(ctx, tx, entry); err != nil {
		return nil, 0, fmt.Errorf("failed to record transaction: %w", err)
	}

	l.logger.Info("Wallet credited",
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
		zap.Int64("new_balance", newBalance),
		zap.String("type", txType),
		zap.String("transaction_id", entry.ID))

	return entry, newBalance, nil
}

// Debit debits an account as a standalone operation
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, txType string, receiverID *string) (int64, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback()

	entry, newBalance, err := l.DebitTx(ctx, tx, accountID, amount, txType, receiverID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit debit: %w", err)
	}

	util.WalletDebitsTotal.Inc()
	l.notifier.WalletEvent(ctx, models.EventTypeWalletDebited, accountID, amount, txType, entry.ID)
	return newBalance, nil
}

// Credit credits an account as a standalone operation
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, txType string, senderID *string) (int64, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback()

	entry, newBalance, err := l.CreditTx(ctx, tx, accountID, amount, txType, senderID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit: %w", err)
	}

	util.WalletCreditsTotal.Inc()
	l.notifier.WalletEvent(ctx, models.EventTypeWalletCredited, accountID, amount, txType, entry.ID)
	return newBalance, nil
}

// TopUp credits an account from an external funding source (sender is null)
func (l *Ledger) TopUp(ctx context.Context, accountID string, amount int64) (int64, error) {
	return l.Credit(ctx, accountID, amount, models.TransactionTopup, nil)
}

// Transfer moves money between two accounts, authorized by the sender's PIN.
// PIN and balance are re-read from the store under row locks immediately
// before the write; debit, credit and the single transaction row commit as
// one unit or not at all.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount int64, pin string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Transfer")
	defer span.End()

	if fromID == toID {
		util.WalletFailuresTotal.WithLabelValues("self_transfer").Inc()
		return ErrSelfTransfer
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Lock accounts in consistent order to prevent deadlocks
	firstLock, secondLock := fromID, toID
	if fromID > toID {
		firstLock, secondLock = toID, fromID
	}

	first, err := l.store.LockAccountTx(ctx, tx, firstLock)
	if err != nil {
		return err
	}
	second, err := l.store.LockAccountTx(ctx, tx, secondLock)
	if err != nil {
		return err
	}

	from, to := first, second
	if firstLock != fromID {
		from, to = second, first
	}

	if err := bcrypt.CompareHashAndPassword([]byte(from.PinHash), []byte(pin)); err != nil {
		util.WalletFailuresTotal.WithLabelValues("wrong_pin").Inc()
		return ErrWrongPin
	}

	if from.Balance < amount {
		util.WalletFailuresTotal.WithLabelValues("insufficient_funds").Inc()
		return ErrInsufficientFunds
	}

	if err := l.store.UpdateBalanceTx(ctx, tx, from.ID, from.Balance-amount); err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	if err := l.store.UpdateBalanceTx(ctx, tx, to.ID, to.Balance+amount); err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	entry := &models.Transaction{
		ID:         uuid.New().String(),
		SenderID:   &from.ID,
		ReceiverID: &to.ID,
		Amount:     amount,
		Type:       models.TransactionTransfer,
	}
	if err := l.store.InsertTransactionTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	util.WalletTransfersTotal.Inc()
	l.logger.Info("Transfer committed",
		zap.String("from", from.ID),
		zap.String("to", to.ID),
		zap.Int64("amount", amount),
		zap.String("transaction_id", entry.ID))

	l.notifier.Notify(ctx, to.ID, models.NotifyWallet, "Money received",
		fmt.Sprintf("%s sent you %d", from.Name, amount),
		map[string]interface{}{"from": from.ID, "amount": amount})
	l.notifier.WalletEvent(ctx, models.EventTypeWalletCredited, to.ID, amount, models.TransactionTransfer, entry.ID)
	l.notifier.WalletEvent(ctx, models.EventTypeWalletDebited, from.ID, amount, models.TransactionTransfer, entry.ID)

	return nil
}

// RefundOrderTx credits the order's placing account the order's total inside
// a caller-owned transaction (sender is null: the refund is externally
// funded). Once-only semantics come from the caller's terminal-state guard,
// which commits in the same transaction.
func (l *Ledger) RefundOrderTx(ctx context.Context, tx *sqlx.Tx, order *models.Order) (*models.Transaction, error) {
	entry, _, err := l.CreditTx(ctx, tx, order.AccountID, order.TotalPrice, models.TransactionRefund, nil)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RequestMoney records an advisory payment request: a notification for the
// target plus an event. No balance is touched.
func (l *Ledger) RequestMoney(ctx context.Context, requesterID, targetID string, amount int64) error {
	if requesterID == targetID {
		return ErrSelfTransfer
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	requester, err := l.store.GetAccountByID(ctx, requesterID)
	if err != nil {
		return err
	}

	l.notifier.Notify(ctx, targetID, models.NotifyWallet, "Payment requested",
		fmt.Sprintf("%s requested %d from you", requester.Name, amount),
		map[string]interface{}{"from": requesterID, "amount": amount})
	l.notifier.MoneyRequestEvent(ctx, requesterID, targetID, amount)
	return nil
}
