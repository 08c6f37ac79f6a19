package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := newTestLedger(t)
	r := gin.New()
	NewHandler(l, logging.Discard()).RegisterRoutes(r.Group("/v1"))
	return r, l
}

func TestHandler_GetBalance(t *testing.T) {
	r, l := newTestRouter(t)
	_, err := l.OpenAccount(context.Background(), "alice", 250)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/alice/balance", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Balance Balance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(250), body.Balance.Points)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/ghost/balance", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "account_not_found")
}

func TestHandler_ListTransactions(t *testing.T) {
	r, l := newTestRouter(t)
	_, err := l.OpenAccount(context.Background(), "alice", 250)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/alice/transactions?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page TransactionPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, AdminCredit, page.Transactions[0].Type)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/alice/transactions?cursor=%25%25", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorResponse(t *testing.T) {
	status, code, _ := ErrorResponse(ErrInsufficientBalance)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_balance", code)

	status, _, _ = ErrorResponse(ErrAccountFrozen)
	assert.Equal(t, http.StatusLocked, status)

	status, _, _ = ErrorResponse(ErrTransientStore)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
