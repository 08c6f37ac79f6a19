package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/pagination"
)

// Handler serves balance and history reads.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes mounts user-scoped routes. The group is expected to enforce
// that the caller owns :userId.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/balance", h.GetBalance)
	r.GET("/users/:userId/transactions", h.ListTransactions)
}

// GetBalance handles GET /users/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.ledger.Balance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

// ListTransactions handles GET /users/:userId/transactions?cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), defaultPageSize, maxPageSize)
	page, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code, msg := ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

// ErrorResponse maps ledger errors to an HTTP status, error code and
// user-facing message. Other packages reuse it for errors surfaced through
// the ledger.
func ErrorResponse(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "account_not_found", "No point balance exists for this user"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance", "Not enough points for this action"
	case errors.Is(err, ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate_transaction", "This operation was already recorded"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "balance_conflict", "Balance changed concurrently, retry"
	case errors.Is(err, ErrAccountFrozen):
		return http.StatusLocked, "account_frozen", "Account is frozen pending reconciliation"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType), errors.Is(err, ErrMissingCorrelation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor", "Cursor is not valid"
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable, "store_unavailable", "Please try again shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "Something went wrong"
	}
}
