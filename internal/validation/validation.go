// Package validation provides request size limits and identifier checks for
// the pointledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). No ledger request
// carries more than a handful of fields plus small action params.
const MaxRequestSize = 64 << 10

// MaxIDLength bounds user ids, order ids and idempotency keys.
const MaxIDLength = 128

// idRegex admits the identifiers upstream auth and clients generate: uuids,
// prefixed ids and emails.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:+-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is usable as a user id, order id or
// idempotency key. Ids end up in correlation columns and log lines, so
// whitespace and control characters are refused.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits or _.@:+-"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed path identifiers before they reach a
// handler. Params absent from the matched route are ignored.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		errs := make([]func() *ValidationError, 0, len(params))
		for _, p := range params {
			errs = append(errs, ValidID(p, c.Param(p)))
		}
		if v := Validate(errs...); len(v) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": v.Error(),
				"fields":  v,
			})
			return
		}
		c.Next()
	}
}
