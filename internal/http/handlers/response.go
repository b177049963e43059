// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by all endpoints: the error
// envelope, fail (which logs 5xx with the request-scoped logger), and ok.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/command-relay/internal/http/middleware"
	"github.com/tbourn/command-relay/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"command_not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"command not found: billing.refund"`
	// Structured detail for some codes (missing modules, disable reason)
	Details map[string]any `json:"details,omitempty" swaggertype:"object"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	failDetails(c, status, code, msg, nil)
}

func failDetails(c *gin.Context, status int, code, msg string, details map[string]any) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Details:   details,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// failCommand translates a service error. *services.CommandError values
// become 4xx with their code; anything else is a 500 with fallbackCode.
func failCommand(c *gin.Context, err error, fallbackCode string) {
	var ce *services.CommandError
	if !errors.As(err, &ce) {
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
		return
	}
	status, code := commandErrorStatus(ce.Code)
	var details map[string]any
	switch {
	case len(ce.Missing) > 0:
		details = map[string]any{"missing": ce.Missing}
	case ce.Reason != "":
		details = map[string]any{"reason": ce.Reason}
	}
	failDetails(c, status, code, ce.Error(), details)
}

// Fail is the exported variant of fail() used by router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
