package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	valid := []string{"user-1", "u_42", "alice@example.com", "ord_01HX", "alice", "spend:retry+2"}
	for _, id := range valid {
		assert.True(t, IsValidID(id), id)
	}

	invalid := []string{"", " user", "user 1", "-leading", "a\x00b", "x/y", strings.Repeat("a", MaxIDLength+1)}
	for _, id := range invalid {
		assert.False(t, IsValidID(id), "%q", id)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", "  "),
		ValidID("idempotencyKey", "has space"),
		ValidID("orderId", ""),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "userId: is required", errs.Error())
	assert.Equal(t, "validation failed", ValidationErrors(nil).Error())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IDParamMiddleware("userId", "orderId"))
	r.GET("/users/:userId/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/alice/balance", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/%20bad/balance", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(make([]byte, 8))))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(make([]byte, 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
