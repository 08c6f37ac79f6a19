package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/auth"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/pagination"
)

// Handler serves order creation, confirmation and the gateway webhook.
type Handler struct {
	confirmer     *Confirmer
	webhookSecret string
	logger        *slog.Logger
}

func NewHandler(confirmer *Confirmer, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{confirmer: confirmer, webhookSecret: webhookSecret, logger: logger}
}

// RegisterPublicRoutes mounts routes reachable without a token. The
// confirm endpoints are the gateway redirect target and carry no
// credentials; their input is validated against the stored order.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/payments/packages", h.ListPackages)
	r.GET("/payments/confirm", h.ConfirmRedirect)
	r.POST("/payments/confirm", h.Confirm)
	r.POST("/payments/webhook", h.Webhook)
}

// RegisterRoutes mounts routes that need an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/orders", h.CreateOrder)
	r.GET("/payments/orders/:orderId", h.GetOrder)
}

// RegisterUserRoutes mounts routes scoped to :userId.
func (h *Handler) RegisterUserRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/payments", h.ListForUser)
}

// ListPackages handles GET /payments/packages
func (h *Handler) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": h.confirmer.Packages()})
}

// CreateOrderRequest is the body of POST /payments/orders.
type CreateOrderRequest struct {
	PackageID string `json:"packageId" binding:"required"`
}

// CreateOrder handles POST /payments/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	order, err := h.confirmer.CreateOrder(c.Request.Context(), auth.UserID(c), req.PackageID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// GetOrder handles GET /payments/orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	rec, err := h.confirmer.Get(c.Request.Context(), c.Param("orderId"))
	if err == nil {
		if claims, ok := auth.GetClaims(c); !ok || (!claims.IsAdmin() && claims.Subject != rec.UserID) {
			err = ErrNotFound
		}
	}
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": rec})
}

// ListForUser handles GET /users/:userId/payments
func (h *Handler) ListForUser(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
	recs, err := h.confirmer.ListForUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if recs == nil {
		recs = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": recs})
}

// ConfirmRequestBody is the body of POST /payments/confirm.
type ConfirmRequestBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId" binding:"required"`
	Amount     int64  `json:"amount"`
}

// Confirm handles POST /payments/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.confirm(c, ConfirmRequest{OrderID: req.OrderID, GatewayRef: req.PaymentKey, Amount: req.Amount})
}

// ConfirmRedirect handles GET /payments/confirm?paymentKey=&orderId=&amount=
// Stripe appends payment_intent to the return URL, which is accepted as
// the payment key.
func (h *Handler) ConfirmRedirect(c *gin.Context) {
	ref := c.Query("paymentKey")
	if ref == "" {
		ref = c.Query("payment_intent")
	}
	var amount int64
	if s := c.Query("amount"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be an integer"})
			return
		}
		amount = v
	}
	h.confirm(c, ConfirmRequest{OrderID: c.Query("orderId"), GatewayRef: ref, Amount: amount})
}

func (h *Handler) confirm(c *gin.Context, req ConfirmRequest) {
	res, err := h.confirmer.Confirm(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c *gin.Context, err error, res *Result) {
	body := gin.H{"credited": false}
	if res != nil && res.Order != nil {
		body["order"] = res.Order
	}
	var status int
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		body["error"], body["message"] = "order_not_found", "No such order"
	case errors.Is(err, ErrMissingOrderID), errors.Is(err, ErrUnknownPackage):
		status = http.StatusBadRequest
		body["error"], body["message"] = "invalid_request", err.Error()
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrReferenceMismatch):
		status = http.StatusUnprocessableEntity
		body["error"], body["message"] = "order_mismatch", "Payment details do not match the order"
	case errors.Is(err, ErrGatewayRejected):
		status = http.StatusPaymentRequired
		body["error"], body["message"] = "payment_failed", "Payment was declined. Please retry your purchase."
	case errors.Is(err, ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
		body["error"], body["message"] = "gateway_unavailable", "Payment could not be confirmed yet. Please check back shortly."
	case errors.Is(err, ErrCreditDeferred):
		status = http.StatusAccepted
		body["error"], body["message"] = "credit_pending", "Payment confirmed. Points will appear shortly."
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		body["error"], body["message"] = "invalid_status", err.Error()
	default:
		var code, msg string
		status, code, msg = ledger.ErrorResponse(err)
		body["error"], body["message"] = code, msg
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("payment request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
