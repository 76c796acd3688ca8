package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"canteen-service/internal/models"
	"canteen-service/internal/service"
	"canteen-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	auth   *service.Auth
	orders *service.OrderService
	ledger *service.Ledger
	codes  *service.Codes
	store  *store.Store
}

// NewHandler creates a new HTTP handler
func NewHandler(
	auth *service.Auth,
	orders *service.OrderService,
	ledger *service.Ledger,
	codes *service.Codes,
	store *store.Store,
) *Handler {
	return &Handler{
		auth:   auth,
		orders: orders,
		ledger: ledger,
		codes:  codes,
		store:  store,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/register", h.register)
		v1.POST("/auth/login", h.login)
	}

	authed := v1.Group("")
	authed.Use(AuthMiddleware(h.auth))
	{
		authed.GET("/menu", h.listMenu)

		owner := authed.Group("/menu", RequireRole(models.RoleOwner))
		{
			owner.GET("/mine", h.listOwnMenu)
			owner.POST("", h.createMenuItem)
			owner.PUT("/:id", h.updateMenuItem)
			owner.DELETE("/:id", h.deleteMenuItem)
			owner.POST("/:id/restock", h.restockMenuItem)
		}

		authed.GET("/wallet", h.getWallet)
		authed.POST("/wallet/topup", h.topUp)
		authed.POST("/wallet/transfer", h.transfer)
		authed.POST("/wallet/request", h.requestMoney)
		authed.GET("/wallet/transactions", h.listTransactions)
		authed.PUT("/wallet/pin", h.changePin)
		authed.PUT("/wallet/budget", h.setBudget)

		authed.POST("/orders", h.placeOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/advance", h.advanceStatus)
		authed.POST("/orders/:id/pickup", h.confirmPickup)
		authed.POST("/orders/:id/cancel", h.cancelOrder)

		authed.GET("/notifications", h.listNotifications)
		authed.GET("/notifications/unread", h.countUnread)
		authed.POST("/notifications/:id/read", h.markRead)

		authed.GET("/codes/resolve", h.resolveCode)
		authed.GET("/codes/account.png", h.accountQR)
		authed.GET("/codes/items/:id/qr.png", h.itemQR)

		authed.GET("/reports/spend", h.spendReport)
		authed.GET("/reports/revenue", RequireRole(models.RoleOwner), h.revenueReport)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Unix()})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "time": time.Now().Unix()})
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Pin      string `json:"pin" binding:"required"`
	Role     string `json:"role" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	account, err := h.auth.Register(c.Request.Context(), req.Name, req.Email, req.Password, req.Pin, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	token, account, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "account": account})
}

func (h *Handler) listMenu(c *gin.Context) {
	items, err := h.store.GetMenuItems(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) listOwnMenu(c *gin.Context) {
	items, err := h.store.GetMenuItemsByOwner(c.Request.Context(), c.GetString(ctxAccountID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type menuItemRequest struct {
	Name     string  `json:"name" binding:"required"`
	Price    int64   `json:"price" binding:"required,min=0"`
	Stock    int     `json:"stock" binding:"min=0"`
	Category string  `json:"category" binding:"required,oneof=food drink"`
	Barcode  *string `json:"barcode"`
	ImageURL *string `json:"image_url"`
}

func (h *Handler) createMenuItem(c *gin.Context) {
	var req menuItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	item := &models.MenuItem{
		ID:       uuid.New().String(),
		OwnerID:  c.GetString(ctxAccountID),
		Name:     req.Name,
		Price:    req.Price,
		Stock:    req.Stock,
		Category: req.Category,
		Barcode:  req.Barcode,
		ImageURL: req.ImageURL,
	}
	if err := h.store.CreateMenuItem(c.Request.Context(), item); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) updateMenuItem(c *gin.Context) {
	var req menuItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	item := &models.MenuItem{
		ID:       c.Param("id"),
		OwnerID:  c.GetString(ctxAccountID),
		Name:     req.Name,
		Price:    req.Price,
		Stock:    req.Stock,
		Category: req.Category,
		Barcode:  req.Barcode,
		ImageURL: req.ImageURL,
	}
	if err := h.store.UpdateMenuItem(c.Request.Context(), item); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) deleteMenuItem(c *gin.Context) {
	if err := h.store.DeleteMenuItem(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type restockRequest struct {
	Stock int `json:"stock" binding:"min=0"`
}

func (h *Handler) restockMenuItem(c *gin.Context) {
	var req restockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	item, err := h.store.GetMenuItemByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if item.OwnerID != c.GetString(ctxAccountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	if err := h.store.SetStock(c.Request.Context(), item.ID, req.Stock); err != nil {
		respondError(c, err)
		return
	}
	item.Stock = req.Stock
	c.JSON(http.StatusOK, item)
}

func (h *Handler) getWallet(c *gin.Context) {
	accountID := c.GetString(ctxAccountID)
	account, err := h.store.GetAccountByID(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	spend, err := h.orders.MonthlySpend(c.Request.Context(), accountID, time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":        account.Balance,
		"monthly_budget": account.MonthlyBudget,
		"spent_mtd":      spend,
	})
}

type amountRequest struct {
	Amount int64 `json:"amount" binding:"required,min=1"`
}

func (h *Handler) topUp(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	newBalance, err := h.ledger.TopUp(c.Request.Context(), c.GetString(ctxAccountID), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": newBalance})
}

type transferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
	Pin    string `json:"pin" binding:"required"`
}

func (h *Handler) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.ledger.Transfer(c.Request.Context(), c.GetString(ctxAccountID), req.To, req.Amount, req.Pin); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "transferred"})
}

type moneyRequest struct {
	From   string `json:"from" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
}

func (h *Handler) requestMoney(c *gin.Context) {
	var req moneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.ledger.RequestMoney(c.Request.Context(), c.GetString(ctxAccountID), req.From, req.Amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requested"})
}

func (h *Handler) listTransactions(c *gin.Context) {
	transactions, err := h.store.GetTransactionsByAccount(c.Request.Context(), c.GetString(ctxAccountID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

type changePinRequest struct {
	CurrentPin string `json:"current_pin" binding:"required"`
	NewPin     string `json:"new_pin" binding:"required"`
}

func (h *Handler) changePin(c *gin.Context) {
	var req changePinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.auth.ChangePin(c.Request.Context(), c.GetString(ctxAccountID), req.CurrentPin, req.NewPin); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type budgetRequest struct {
	MonthlyBudget *int64 `json:"monthly_budget"`
}

func (h *Handler) setBudget(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := h.store.UpdateAccountSettings(c.Request.Context(), c.GetString(ctxAccountID), nil, req.MonthlyBudget, req.MonthlyBudget == nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type placeOrderRequest struct {
	Items        []service.OrderItemRequest `json:"items" binding:"required,min=1"`
	ScheduledFor *string                    `json:"scheduled_for"`
}

func (h *Handler) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	var scheduledFor *time.Time
	if req.ScheduledFor != nil {
		parsed, err := time.ParseInLocation("2006-01-02", *req.ScheduledFor, time.Local)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scheduled_for date"})
			return
		}
		scheduledFor = &parsed
	}

	result, err := h.orders.PlaceOrder(
		c.Request.Context(),
		c.GetString(ctxAccountID),
		req.Items,
		scheduledFor,
		c.GetHeader("Idempotency-Key"),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), c.GetString(ctxAccountID), c.GetString(ctxRole))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID), c.GetString(ctxRole))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type advanceRequest struct {
	Target string `json:"target" binding:"required"`
}

func (h *Handler) advanceStatus(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	order, err := h.orders.AdvanceStatus(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID), c.GetString(ctxRole), req.Target)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) confirmPickup(c *gin.Context) {
	order, err := h.orders.ConfirmPickup(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID), c.GetString(ctxRole))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID), c.GetString(ctxRole))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listNotifications(c *gin.Context) {
	notifications, err := h.store.GetNotificationsByAccount(c.Request.Context(), c.GetString(ctxAccountID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (h *Handler) countUnread(c *gin.Context) {
	count, err := h.store.CountUnreadNotifications(c.Request.Context(), c.GetString(ctxAccountID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (h *Handler) markRead(c *gin.Context) {
	if err := h.store.MarkNotificationRead(c.Request.Context(), c.Param("id"), c.GetString(ctxAccountID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (h *Handler) resolveCode(c *gin.Context) {
	result, err := h.codes.Resolve(c.Request.Context(), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) accountQR(c *gin.Context) {
	png, err := h.codes.AccountQR(c.GetString(ctxAccountID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) itemQR(c *gin.Context) {
	png, err := h.codes.ItemQR(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) spendReport(c *gin.Context) {
	spend, err := h.orders.MonthlySpend(c.Request.Context(), c.GetString(ctxAccountID), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spent_mtd": spend})
}

func (h *Handler) revenueReport(c *gin.Context) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	rows, err := h.store.GetOwnerRevenue(c.Request.Context(), c.GetString(ctxAccountID), from, from.AddDate(0, 1, 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revenue": rows})
}

// respondError maps business-rule failures to specific statuses and hides
// infrastructure detail behind a generic message
func respondError(c *gin.Context, err error) {
	var stockErr *service.InsufficientStockError
	if errors.As(err, &stockErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "Insufficient stock",
			"item_id":   stockErr.ItemID,
			"available": stockErr.Available,
			"requested": stockErr.Requested,
		})
		return
	}
	var priceErr *service.PriceChangedError
	if errors.As(err, &priceErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":         "Price changed",
			"item_id":       priceErr.ItemID,
			"current_price": priceErr.CurrentPrice,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "Insufficient balance. Please top up your wallet."})
	case errors.Is(err, service.ErrWrongPin):
		c.JSON(http.StatusForbidden, gin.H{"error": "Wrong PIN"})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "Email is already registered"})
	case errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrEmptyOrder),
		errors.Is(err, service.ErrInvalidPin),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyTerminal),
		errors.Is(err, service.ErrAlreadyCompleted),
		errors.Is(err, service.ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownCode):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case strings.Contains(err.Error(), "not found"):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong. Please try again."})
	}
}
