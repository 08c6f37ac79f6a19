package spend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/pagination"
)

// Handler exposes spends over HTTP.
type Handler struct {
	coord   *Coordinator
	catalog *Catalog
	logger  *slog.Logger
}

func NewHandler(coord *Coordinator, catalog *Catalog, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, catalog: catalog, logger: logger}
}

// RegisterRoutes mounts user-scoped routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/spends", h.RequestSpend)
	r.GET("/users/:userId/spends/:key", h.GetSpend)
}

// RegisterPublicRoutes mounts unauthenticated routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/actions", h.ListActions)
}

// RegisterAdminRoutes mounts operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/spends/stuck", h.ListStuck)
	r.POST("/users/:userId/spends/:key/resolve", h.Resolve)
}

// SpendRequest is the body of POST /users/:userId/spends.
type SpendRequest struct {
	Action         string          `json:"action" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey" binding:"required"`
	Cost           int64           `json:"cost"`
	Params         json.RawMessage `json:"params"`
}

// RequestSpend handles POST /users/:userId/spends. A client-supplied cost is
// only checked against the catalog price.
func (h *Handler) RequestSpend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	userID := c.Param("userId")

	entry, action, err := h.catalog.Build(req.Action, userID, req.Params)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if req.Cost != 0 && req.Cost != entry.Cost {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "price_changed",
			"message": "The price of this action has changed",
			"cost":    entry.Cost,
		})
		return
	}

	out, err := h.coord.RequestSpend(c.Request.Context(), Request{
		UserID:         userID,
		Cost:           entry.Cost,
		IdempotencyKey: req.IdempotencyKey,
		ActionName:     entry.Name,
		Action:         action,
	})
	if err != nil {
		h.writeError(c, err, out)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spend": out})
}

// GetSpend handles GET /users/:userId/spends/:key
func (h *Handler) GetSpend(c *gin.Context) {
	a, err := h.coord.Get(c.Request.Context(), c.Param("userId"), c.Param("key"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": a})
}

// ListActions handles GET /actions
func (h *Handler) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": h.catalog.List()})
}

// ListStuck handles GET /admin/spends/stuck
func (h *Handler) ListStuck(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 100, sweepBatch)
	attempts, err := h.coord.ListUnresolved(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if attempts == nil {
		attempts = []*Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// Resolve handles POST /admin/users/:userId/spends/:key/resolve
func (h *Handler) Resolve(c *gin.Context) {
	a, err := h.coord.Resolve(c.Request.Context(), c.Param("userId"), c.Param("key"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	h.logger.Info("spend attempt resolved by operator", "user_id", a.UserID, "key", a.IdempotencyKey, "state", a.State)
	c.JSON(http.StatusOK, gin.H{"attempt": a})
}

func (h *Handler) writeError(c *gin.Context, err error, out *Outcome) {
	body := gin.H{}
	if out != nil {
		body["spend"] = out
	}
	var status int
	switch {
	case errors.Is(err, ErrActionFailed):
		status = http.StatusBadGateway
		body["error"], body["message"] = "spend_failed", "The action failed and your points were restored"
	case errors.Is(err, ErrRefundPending):
		status = http.StatusConflict
		body["error"], body["message"] = "refund_pending", "A previous refund is still being processed"
	case errors.Is(err, ErrInProgress):
		status = http.StatusConflict
		body["error"], body["message"] = "in_progress", "This request is still being processed"
	case errors.Is(err, ErrKeyReused):
		status = http.StatusUnprocessableEntity
		body["error"], body["message"] = "idempotency_key_reused", err.Error()
	case errors.Is(err, ErrUnknownAction):
		status = http.StatusNotFound
		body["error"], body["message"] = "unknown_action", "No such paid action"
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		body["error"], body["message"] = "spend_not_found", "No spend with this key"
	case errors.Is(err, ErrInvalidCost), errors.Is(err, ErrMissingKey), errors.Is(err, ErrMissingAction):
		status = http.StatusBadRequest
		body["error"], body["message"] = "invalid_request", err.Error()
	case errors.Is(err, ErrDebitUncertain):
		status = http.StatusServiceUnavailable
		body["error"], body["message"] = "spend_uncertain", "We could not confirm the charge; it will be reconciled automatically"
	case errors.Is(err, ErrStateConflict):
		status = http.StatusConflict
		body["error"], body["message"] = "state_conflict", err.Error()
	default:
		var code, msg string
		status, code, msg = ledger.ErrorResponse(err)
		body["error"], body["message"] = code, msg
	}
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("spend request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
