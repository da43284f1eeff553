// Package httpapi is the thin HTTP surface over the upload
// orchestrator and worker: routing, request validation, and response
// envelopes, calling into internal/uploads for everything else. This
// package is explicitly out of the core's scope (see the base spec's
// PURPOSE & SCOPE); it exists so the core is actually reachable over
// the wire.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every handler responds with, a direct
// adaptation of the teacher's internal/utils.Response.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

func sendSuccess(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, Response{Success: true, Message: message, Data: data})
}

func sendError(c *gin.Context, code int, message string, err error) {
	var errDetails interface{}
	if err != nil {
		errDetails = err.Error()
		c.Error(err)
	}
	c.AbortWithStatusJSON(code, Response{Success: false, Message: message, Error: errDetails})
}

func sendValidationError(c *gin.Context, err error) {
	sendError(c, http.StatusBadRequest, "validation failed", err)
}

func sendInternalError(c *gin.Context, err error) {
	sendError(c, http.StatusInternalServerError, "internal server error", err)
}
