package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustmarket/internal/logging"
)

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Write sends err as the standard error body. Internal and store errors are
// logged and their details withheld from the response.
func Write(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	switch kind {
	case KindPersistence:
		logging.L(c.Request.Context()).Error("store unavailable", "path", c.FullPath(), "error", err)
		msg = "The record store is temporarily unavailable. Retry later."
	case KindInternal:
		logging.L(c.Request.Context()).Error("internal error", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(Status(err), gin.H{
		"error":   string(kind),
		"message": msg,
	})
}

// BadRequest writes a validation error for a malformed request body.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   string(KindValidation),
		"message": msg,
	})
}
