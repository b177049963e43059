// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Intake
// rejections from the command service map onto the command-specific codes
// below through commandErrorStatus.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "modules_missing",
//	  "message": "tenant is missing required modules: billing.charge (missing: invoicing)",
//	  "details": {"missing": ["invoicing"]}
//	}
package handlers

import (
	"net/http"

	"github.com/tbourn/command-relay/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Command intake:
	ErrCodeCommandNotFound = "command_not_found"
	ErrCodeModulesMissing  = "modules_missing"
	ErrCodeCommandDisabled = "command_disabled"
	ErrCodeInvalidPayload  = "invalid_payload"
	ErrCodeAcceptFailed    = "accept_failed"
	ErrCodeListFailed      = "list_failed"
)

// commandErrorStatus maps a service rejection code to an HTTP status and an
// API error code.
func commandErrorStatus(code string) (int, string) {
	switch code {
	case services.CodeNotFound:
		return http.StatusNotFound, ErrCodeCommandNotFound
	case services.CodeModulesMissing:
		return http.StatusForbidden, ErrCodeModulesMissing
	case services.CodeDisabled:
		return http.StatusConflict, ErrCodeCommandDisabled
	case services.CodeInvalidPayload:
		return http.StatusUnprocessableEntity, ErrCodeInvalidPayload
	case services.CodeInvalidInput:
		return http.StatusBadRequest, ErrCodeBadRequest
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
