package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/auth"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/pagination"
	"github.com/mbd888/pointledger/internal/payments"
	"github.com/mbd888/pointledger/internal/reconciliation"
)

// PaymentRefunder reverses completed purchases.
type PaymentRefunder interface {
	Refund(ctx context.Context, orderID, adminID, reason string) (*payments.Record, error)
}

// ReconciliationRunner runs an on-demand reconciliation pass.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// AlertLister lists recorded invariant alerts.
type AlertLister interface {
	List(ctx context.Context, limit int) ([]*reconciliation.Alert, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	service     *Service
	ledger      *ledger.Ledger
	signupGrant int64
	refunder    PaymentRefunder
	reconciler  ReconciliationRunner
	alerts      AlertLister
	logger      *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service, l *ledger.Ledger, signupGrant int64, logger *slog.Logger) *Handler {
	return &Handler{service: service, ledger: l, signupGrant: signupGrant, logger: logger}
}

// WithPaymentRefunder enables payment refunds.
func (h *Handler) WithPaymentRefunder(r PaymentRefunder) *Handler {
	h.refunder = r
	return h
}

// WithReconciler enables on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithAlerts enables the alert listing.
func (h *Handler) WithAlerts(a AlertLister) *Handler {
	h.alerts = a
	return h
}

// RegisterRoutes sets up admin routes. The group must require the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.openAccount)
	r.GET("/accounts", h.listAccounts)
	r.POST("/users/:userId/adjustments", h.adjust)
	r.POST("/users/:userId/unfreeze", h.unfreeze)
	r.POST("/points/bulk-set", h.bulkSet)
	r.POST("/payments/:orderId/refund", h.refundPayment)
	r.POST("/reconcile", h.triggerReconciliation)
	r.GET("/alerts", h.listAlerts)
}

type openAccountRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// openAccount is the signup hook: it creates the balance with the grant.
func (h *Handler) openAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	b, err := h.service.OpenAccount(c.Request.Context(), req.UserID, h.signupGrant)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balance": b})
}

func (h *Handler) listAccounts(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 100, 500)
	balances, err := h.ledger.ListBalances(c.Request.Context(), c.Query("after"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if balances == nil {
		balances = []*ledger.Balance{}
	}
	resp := gin.H{"accounts": balances, "count": len(balances)}
	if len(balances) == limit {
		resp["nextAfter"] = balances[len(balances)-1].UserID
	}
	c.JSON(http.StatusOK, resp)
}

type adjustRequest struct {
	Direction      Direction `json:"direction" binding:"required"`
	Amount         int64     `json:"amount" binding:"required"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (h *Handler) adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	txn, err := h.service.Adjust(c.Request.Context(), Adjustment{
		AdminID:        auth.UserID(c),
		UserID:         c.Param("userId"),
		Direction:      req.Direction,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn, "balance": txn.BalanceAfter})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) unfreeze(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	b, err := h.service.Unfreeze(c.Request.Context(), auth.UserID(c), c.Param("userId"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

type bulkSetRequest struct {
	TargetPoints *int64 `json:"targetPoints" binding:"required"`
	Reason       string `json:"reason"`
}

func (h *Handler) bulkSet(c *gin.Context) {
	var req bulkSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	rep, err := h.service.BulkSet(c.Request.Context(), auth.UserID(c), *req.TargetPoints, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *Handler) refundPayment(c *gin.Context) {
	if h.refunder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments_disabled", "message": "payments are not configured"})
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Reason == "" {
		h.writeError(c, ErrReasonRequired)
		return
	}
	rec, err := h.refunder.Refund(c.Request.Context(), c.Param("orderId"), auth.UserID(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": rec})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_disabled", "message": "reconciliation not configured"})
		return
	}
	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconciliation.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_running", "message": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) listAlerts(c *gin.Context) {
	if h.alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_disabled", "message": "alerts not configured"})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"), 100, 1000)
	alerts, err := h.alerts.List(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*reconciliation.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var status int
	var code, msg string
	switch {
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidDirection), errors.Is(err, ErrInvalidTarget):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, payments.ErrNotFound):
		status, code, msg = http.StatusNotFound, "order_not_found", "No such order"
	case errors.Is(err, payments.ErrInvalidStatus):
		status, code, msg = http.StatusConflict, "invalid_status", "Only completed, credited orders can be refunded"
	case errors.Is(err, payments.ErrRefundRefused):
		status, code, msg = http.StatusUnprocessableEntity, "refund_refused", "The gateway refused the refund; points were restored"
	case errors.Is(err, payments.ErrRefundUnconfirmed):
		status, code, msg = http.StatusAccepted, "refund_unconfirmed", "Refund sent but not confirmed; points stay debited. Retry to confirm"
	default:
		status, code, msg = ledger.ErrorResponse(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
