package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteen-service/internal/models"
	"canteen-service/internal/redisclient"
	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

// OrderService owns the order lifecycle. Placement and cancellation are each
// one database transaction: stock, balance, order row and ledger entry land
// together or not at all.
type OrderService struct {
	store           *store.Store
	ledger          *Ledger
	inventory       *Inventory
	notifier        *Notifier
	redis           *redisclient.Client
	preorderMaxDays int
	logger          *zap.Logger
}

// NewOrderService creates a new order service. redis may be nil; idempotency
// keys are then ignored.
func NewOrderService(
	store *store.Store,
	ledger *Ledger,
	inventory *Inventory,
	notifier *Notifier,
	redis *redisclient.Client,
	preorderMaxDays int,
) *OrderService {
	return &OrderService{
		store:           store,
		ledger:          ledger,
		inventory:       inventory,
		notifier:        notifier,
		redis:           redis,
		preorderMaxDays: preorderMaxDays,
		logger:          util.GetLogger(),
	}
}

// OrderItemRequest is one cart line as asserted by the client. The unit
// price is revalidated against the current menu price server-side.
type OrderItemRequest struct {
	ItemID    string `json:"id" binding:"required"`
	UnitPrice int64  `json:"price"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// PlaceOrderResult is the outcome of a successful checkout
type PlaceOrderResult struct {
	Order          *models.Order `json:"order"`
	NewBalance     int64         `json:"new_balance"`
	BudgetExceeded bool          `json:"budget_exceeded"`
	Duplicate      bool          `json:"duplicate,omitempty"`
}

// PlaceOrder checks out a cart: reserve stock for every item, debit the
// wallet, insert the order snapshot and the ledger entry — one transaction.
// Any failure rolls the whole thing back.
func (s *OrderService) PlaceOrder(ctx context.Context, accountID string, items []OrderItemRequest, scheduledFor *time.Time, idempotencyKey string) (*PlaceOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}

	if existing := s.lookupIdempotent(ctx, idempotencyKey); existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("order_id", existing.ID))
		return &PlaceOrderResult{Order: existing, Duplicate: true}, nil
	}

	if scheduledFor != nil {
		if err := s.validatePreorderDate(*scheduledFor); err != nil {
			util.OrdersFailedTotal.WithLabelValues("invalid_schedule").Inc()
			return nil, err
		}
	}

	lineItems, total, err := s.snapshotItems(ctx, items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	budgetExceeded, err := s.checkBudget(ctx, accountID, total)
	if err != nil {
		s.logger.Warn("Budget check failed", zap.String("account_id", accountID), zap.Error(err))
	}

	status := models.OrderStatusProcessing
	if scheduledFor != nil {
		status = models.OrderStatusPreorder
	}

	order := &models.Order{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Items:        lineItems,
		TotalPrice:   total,
		Status:       status,
		ScheduledFor: scheduledFor,
	}

	reservations := make([]ItemQuantity, len(items))
	for i, item := range items {
		reservations[i] = ItemQuantity{ItemID: item.ItemID, Quantity: item.Quantity}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkout: %w", err)
	}
	defer tx.Rollback()

	if err := s.inventory.ReserveTx(ctx, tx, reservations); err != nil {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, err
	}

	_, newBalance, err := s.ledger.DebitTx(ctx, tx, accountID, total, models.TransactionOrder, nil)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	if err := s.store.InsertOrderTx(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkout: %w", err)
	}

	kind := "immediate"
	if scheduledFor != nil {
		kind = "preorder"
	}
	util.OrdersPlacedTotal.WithLabelValues(kind).Inc()
	util.WalletDebitsTotal.Inc()

	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("account_id", accountID),
		zap.Int64("total_price", total),
		zap.String("status", status))

	s.storeIdempotent(ctx, idempotencyKey, order.ID)

	owners := distinctOwners(lineItems)
	for _, ownerID := range owners {
		s.notifier.Notify(ctx, ownerID, models.NotifyOrder, "New order",
			fmt.Sprintf("Order %s placed, total %d", order.ID, total),
			map[string]interface{}{"order_id": order.ID})
	}
	s.notifier.OrderEvent(ctx, models.EventTypeOrderPlaced, order, append(owners, accountID))

	return &PlaceOrderResult{
		Order:          order,
		NewBalance:     newBalance,
		BudgetExceeded: budgetExceeded,
	}, nil
}

// validNext holds the transitions advanceStatus may perform. Completion and
// cancellation have dedicated operations with their own side effects.
var validNext = map[string]string{
	models.OrderStatusPreorder:   models.OrderStatusProcessing,
	models.OrderStatusProcessing: models.OrderStatusReady,
}

// AdvanceStatus moves an order forward (preorder -> processing,
// processing -> ready). Owner-only; the order must belong entirely to the
// acting owner.
func (s *OrderService) AdvanceStatus(ctx context.Context, orderID, actorID, actorRole, target string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AdvanceStatus")
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	order, err := s.store.LockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if actorRole != models.RoleOwner || !order.OwnedEntirelyBy(actorID) {
		return nil, ErrNotOwner
	}

	if order.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if validNext[order.Status] != target {
		return nil, ErrInvalidTransition
	}

	applied, err := s.store.UpdateOrderStatusTx(ctx, tx, orderID, target, []string{order.Status})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidTransition
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	order.Status = target
	s.logger.Info("Order status advanced",
		zap.String("order_id", orderID),
		zap.String("status", target))

	if target == models.OrderStatusReady {
		s.notifier.Notify(ctx, order.AccountID, models.NotifyOrder, "Order ready",
			fmt.Sprintf("Order %s is ready for pickup", order.ID),
			map[string]interface{}{"order_id": order.ID})
		s.notifier.OrderEvent(ctx, models.EventTypeOrderReady, order, []string{order.AccountID, actorID})
	}

	return order, nil
}

// ConfirmPickup records one party's pickup confirmation. Completion is a
// 2-of-2 rendezvous: the order completes exactly when both flags are true,
// in whichever order they were set. Flags are never unset.
func (s *OrderService) ConfirmPickup(ctx context.Context, orderID, actorID, actorRole string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPickup")
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin pickup confirmation: %w", err)
	}
	defer tx.Rollback()

	order, err := s.store.LockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderStatusCompleted:
		return nil, ErrAlreadyCompleted
	case models.OrderStatusCanceled:
		return nil, ErrAlreadyTerminal
	case models.OrderStatusReady:
	default:
		return nil, ErrInvalidTransition
	}

	switch actorRole {
	case models.RoleStudent:
		if order.AccountID != actorID {
			return nil, ErrNotOwner
		}
		if order.StudentPickedUp {
			return order, tx.Commit()
		}
		order.StudentPickedUp = true
	case models.RoleOwner:
		if !order.OwnedEntirelyBy(actorID) {
			return nil, ErrNotOwner
		}
		if order.OwnerPickedUp {
			return order, tx.Commit()
		}
		order.OwnerPickedUp = true
	default:
		return nil, ErrNotOwner
	}

	// Status stays derived from the flags; both are written in one statement
	// so they cannot drift.
	if order.StudentPickedUp && order.OwnerPickedUp {
		order.Status = models.OrderStatusCompleted
	}
	if err := s.store.UpdatePickupTx(ctx, tx, orderID, order.StudentPickedUp, order.OwnerPickedUp, order.Status); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pickup confirmation: %w", err)
	}

	owners := distinctOwners(order.Items)
	audience := append(owners, order.AccountID)

	if order.Status == models.OrderStatusCompleted {
		util.OrdersCompletedTotal.Inc()
		s.logger.Info("Order completed", zap.String("order_id", orderID))
		s.notifier.OrderEvent(ctx, models.EventTypeOrderCompleted, order, audience)
		return order, nil
	}

	// The other party still needs to confirm
	if actorRole == models.RoleStudent {
		for _, ownerID := range owners {
			s.notifier.Notify(ctx, ownerID, models.NotifyOrder, "Pickup confirmation needed",
				fmt.Sprintf("The student confirmed pickup of order %s", order.ID),
				map[string]interface{}{"order_id": order.ID})
		}
	} else {
		s.notifier.Notify(ctx, order.AccountID, models.NotifyOrder, "Pickup confirmation needed",
			fmt.Sprintf("The canteen confirmed handover of order %s", order.ID),
			map[string]interface{}{"order_id": order.ID})
	}
	s.notifier.OrderEvent(ctx, models.EventTypePickupRequested, order, audience)

	return order, nil
}

// CancelOrder cancels a processing or ready order: stock restored, wallet
// refunded, status terminal — atomically, so a retried cancel can never
// refund twice. Owner-only.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actorID, actorRole string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancellation: %w", err)
	}
	defer tx.Rollback()

	order, err := s.store.LockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if actorRole != models.RoleOwner || !order.OwnedEntirelyBy(actorID) {
		return nil, ErrNotOwner
	}
	if order.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if order.Status == models.OrderStatusPreorder {
		return nil, ErrInvalidTransition
	}

	// The conditional terminal write doubles as the refund-once guard.
	applied, err := s.store.UpdateOrderStatusTx(ctx, tx, orderID, models.OrderStatusCanceled,
		[]string{models.OrderStatusProcessing, models.OrderStatusReady})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrAlreadyRefunded
	}

	restorations := make([]ItemQuantity, len(order.Items))
	for i, item := range order.Items {
		restorations[i] = ItemQuantity{ItemID: item.ItemID, Quantity: item.Quantity}
	}
	if err := s.inventory.RestoreTx(ctx, tx, restorations); err != nil {
		return nil, err
	}

	entry, err := s.ledger.RefundOrderTx(ctx, tx, order)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	order.Status = models.OrderStatusCanceled
	util.OrdersCanceledTotal.Inc()
	util.WalletRefundsTotal.Inc()

	s.logger.Info("Order canceled and refunded",
		zap.String("order_id", orderID),
		zap.String("account_id", order.AccountID),
		zap.Int64("refund", order.TotalPrice),
		zap.String("transaction_id", entry.ID))

	s.notifier.Notify(ctx, order.AccountID, models.NotifyOrder, "Order canceled",
		fmt.Sprintf("Order %s was canceled and %d was refunded to your wallet", order.ID, order.TotalPrice),
		map[string]interface{}{"order_id": order.ID, "refund": order.TotalPrice})
	s.notifier.WalletEvent(ctx, models.EventTypeWalletCredited, order.AccountID, order.TotalPrice, models.TransactionRefund, entry.ID)
	s.notifier.OrderEvent(ctx, models.EventTypeOrderCanceled, order, append(distinctOwners(order.Items), order.AccountID))

	return order, nil
}

// PromoteDuePreorders moves pre-orders whose scheduled date has arrived to
// processing. Called by the background worker.
func (s *OrderService) PromoteDuePreorders(ctx context.Context) (int, error) {
	ids, err := s.store.GetDuePreorderIDs(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due pre-orders: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return promoted, err
		}

		applied, err := s.store.UpdateOrderStatusTx(ctx, tx, id, models.OrderStatusProcessing,
			[]string{models.OrderStatusPreorder})
		if err != nil {
			tx.Rollback()
			s.logger.Error("Failed to promote pre-order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if err := tx.Commit(); err != nil {
			s.logger.Error("Failed to commit pre-order promotion", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}

		promoted++
		util.PreordersPromotedTotal.Inc()

		order, err := s.store.GetOrderByID(ctx, id)
		if err != nil {
			s.logger.Warn("Promoted pre-order not readable", zap.String("order_id", id), zap.Error(err))
			continue
		}
		s.notifier.Notify(ctx, order.AccountID, models.NotifyOrder, "Pre-order started",
			fmt.Sprintf("Your pre-order %s is now being prepared", order.ID),
			map[string]interface{}{"order_id": order.ID})
		s.notifier.OrderEvent(ctx, models.EventTypePreorderDue, order, append(distinctOwners(order.Items), order.AccountID))
	}

	return promoted, nil
}

// GetOrder retrieves an order, authorized for the acting party
func (s *OrderService) GetOrder(ctx context.Context, orderID, actorID, actorRole string) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch actorRole {
	case models.RoleAdmin:
	case models.RoleStudent:
		if order.AccountID != actorID {
			return nil, ErrNotOwner
		}
	case models.RoleOwner:
		if !containsOwner(order.Items, actorID) {
			return nil, ErrNotOwner
		}
	default:
		return nil, ErrNotOwner
	}

	return order, nil
}

// ListOrders lists orders visible to the acting party. Owner visibility is
// filtered server-side so one owner never sees another owner's orders.
func (s *OrderService) ListOrders(ctx context.Context, actorID, actorRole string) ([]models.Order, error) {
	if actorRole == models.RoleOwner {
		return s.store.GetOrdersForOwner(ctx, actorID)
	}
	return s.store.GetOrdersByAccount(ctx, actorID)
}

// MonthlySpend returns the account's month-to-date committed order total
func (s *OrderService) MonthlySpend(ctx context.Context, accountID string, now time.Time) (int64, error) {
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 1, 0)
	return s.store.SumOrderTotals(ctx, accountID, from, to)
}

// snapshotItems loads the menu rows, revalidates client-asserted prices and
// builds the immutable line-item snapshot
func (s *OrderService) snapshotItems(ctx context.Context, items []OrderItemRequest) (models.LineItems, int64, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ItemID
	}

	menuItems, err := s.store.GetMenuItemsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]*models.MenuItem, len(menuItems))
	for i := range menuItems {
		byID[menuItems[i].ID] = &menuItems[i]
	}

	lineItems := make(models.LineItems, 0, len(items))
	var total int64
	for _, item := range items {
		menuItem, ok := byID[item.ItemID]
		if !ok {
			return nil, 0, fmt.Errorf("menu item not found: %s", item.ItemID)
		}
		if item.UnitPrice != 0 && item.UnitPrice != menuItem.Price {
			return nil, 0, &PriceChangedError{
				ItemID:       menuItem.ID,
				Name:         menuItem.Name,
				CurrentPrice: menuItem.Price,
				SentPrice:    item.UnitPrice,
			}
		}
		lineItems = append(lineItems, models.LineItem{
			ItemID:    menuItem.ID,
			OwnerID:   menuItem.OwnerID,
			Name:      menuItem.Name,
			UnitPrice: menuItem.Price,
			Quantity:  item.Quantity,
		})
		total += menuItem.Price * int64(item.Quantity)
	}

	return lineItems, total, nil
}

// validatePreorderDate enforces the weekday-within-window rule
func (s *OrderService) validatePreorderDate(date time.Time) error {
	now := time.Now()
	earliest := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	latest := earliest.AddDate(0, 0, s.preorderMaxDays)

	day := date.Weekday()
	if day == time.Saturday || day == time.Sunday {
		return ErrInvalidSchedule
	}
	if date.Before(earliest) || !date.Before(latest) {
		return ErrInvalidSchedule
	}
	return nil
}

// checkBudget reports whether this purchase pushes the account past its
// monthly budget. Advisory only: the source warns, it never blocks.
func (s *OrderService) checkBudget(ctx context.Context, accountID string, total int64) (bool, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	if account.MonthlyBudget == nil {
		return false, nil
	}
	spent, err := s.MonthlySpend(ctx, accountID, time.Now())
	if err != nil {
		return false, err
	}
	return spent+total > *account.MonthlyBudget, nil
}

func (s *OrderService) lookupIdempotent(ctx context.Context, key string) *models.Order {
	if key == "" || s.redis == nil {
		return nil
	}
	orderID, err := s.redis.GetOrderIdempotency(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.Error(err))
		return nil
	}
	if orderID == "" {
		return nil
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil
	}
	return order
}

func (s *OrderService) storeIdempotent(ctx context.Context, key, orderID string) {
	if key == "" || s.redis == nil {
		return
	}
	if err := s.redis.SetOrderIdempotency(ctx, key, orderID, idempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.Error(err))
	}
}

func distinctOwners(items models.LineItems) []string {
	seen := make(map[string]bool, len(items))
	owners := make([]string, 0, 1)
	for _, item := range items {
		if !seen[item.OwnerID] {
			seen[item.OwnerID] = true
			owners = append(owners, item.OwnerID)
		}
	}
	return owners
}

func containsOwner(items models.LineItems, ownerID string) bool {
	for _, item := range items {
		if item.OwnerID == ownerID {
			return true
		}
	}
	return false
}
