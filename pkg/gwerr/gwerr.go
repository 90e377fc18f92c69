// Package gwerr defines the canonical error codes returned by the gateway
// core, and maps each one to an HTTP status and a RequestLog decision.
package gwerr

import (
	"fmt"
	"net/http"

	"github.com/hearthgate/gateway/pkg/model"
)

// Code is one of the canonical error codes from the wire protocol.
type Code string

// Canonical error codes returned in the wire protocol's error envelope.
const (
	ErrResourceRequired           Code = "ERR_RESOURCE_REQUIRED"
	ErrUnknownResource            Code = "ERR_UNKNOWN_RESOURCE"
	ErrResourceNotConfigured      Code = "ERR_RESOURCE_NOT_CONFIGURED"
	ErrUnsupportedAction          Code = "ERR_UNSUPPORTED_ACTION"
	ErrMissingAuth                Code = "ERR_MISSING_AUTH"
	ErrInvalidSignature           Code = "ERR_INVALID_SIGNATURE"
	ErrExpiredTimestamp           Code = "ERR_EXPIRED_TIMESTAMP"
	ErrInvalidNonce               Code = "ERR_INVALID_NONCE"
	ErrUnsupportedPopVersion      Code = "ERR_UNSUPPORTED_POP_VERSION"
	ErrAppNotFound                Code = "ERR_APP_NOT_FOUND"
	ErrAppDisabled                Code = "ERR_APP_DISABLED"
	ErrPermissionDenied           Code = "ERR_PERMISSION_DENIED"
	ErrPermissionExpired          Code = "ERR_PERMISSION_EXPIRED"
	ErrConstraintViolation        Code = "ERR_CONSTRAINT_VIOLATION"
	ErrPolicyViolation            Code = "ERR_POLICY_VIOLATION"
	ErrModelNotAllowed            Code = "ERR_MODEL_NOT_ALLOWED"
	ErrMaxTokensExceeded          Code = "ERR_MAX_TOKENS_EXCEEDED"
	ErrToolsNotAllowed            Code = "ERR_TOOLS_NOT_ALLOWED"
	ErrStreamingNotAllowed        Code = "ERR_STREAMING_NOT_ALLOWED"
	ErrRateLimitExceeded          Code = "ERR_RATE_LIMIT_EXCEEDED"
	ErrBudgetExceeded             Code = "ERR_BUDGET_EXCEEDED"
	ErrInvalidRequest             Code = "ERR_INVALID_REQUEST"
	ErrInvalidJSON                Code = "ERR_INVALID_JSON"
	ErrContractValidationFailed   Code = "ERR_CONTRACT_VALIDATION_FAILED"
	ErrInternal                   Code = "ERR_INTERNAL"
	ErrUpstreamError              Code = "ERR_UPSTREAM_ERROR"
	ErrInvalidPairingString       Code = "ERR_INVALID_PAIRING_STRING"
	ErrInvalidConnectCode         Code = "ERR_INVALID_CONNECT_CODE"
	ErrSessionExpired             Code = "ERR_SESSION_EXPIRED"
)

// Error is the typed error the pipeline and adapters return.
type Error struct {
	Code      Code
	Message   string
	Field     string
	Retryable bool
	ResetAt   *int64 // unix seconds, set for rate-limit/budget denials
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithField returns a copy of the error annotated with the offending field.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithRetryable returns a copy of the error marked retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	c := *e
	c.Retryable = retryable
	return &c
}

// WithResetAt returns a copy of the error annotated with a reset timestamp.
func (e *Error) WithResetAt(unixSeconds int64) *Error {
	c := *e
	c.ResetAt = &unixSeconds
	return &c
}

// HTTPStatus maps the error's code to the HTTP status it produces at the
// edge of the gateway.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrMissingAuth, ErrInvalidSignature, ErrExpiredTimestamp, ErrInvalidNonce, ErrUnsupportedPopVersion, ErrAppNotFound:
		return http.StatusUnauthorized
	case ErrAppDisabled, ErrPermissionDenied, ErrPermissionExpired:
		return http.StatusForbidden
	case ErrPolicyViolation, ErrModelNotAllowed, ErrMaxTokensExceeded, ErrToolsNotAllowed, ErrStreamingNotAllowed:
		return http.StatusForbidden
	case ErrConstraintViolation, ErrInvalidRequest, ErrInvalidJSON, ErrContractValidationFailed:
		return http.StatusBadRequest
	case ErrResourceRequired, ErrUnknownResource, ErrUnsupportedAction:
		return http.StatusNotFound
	case ErrRateLimitExceeded, ErrBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrResourceNotConfigured:
		return http.StatusInternalServerError
	case ErrInvalidPairingString, ErrInvalidConnectCode, ErrSessionExpired:
		return http.StatusBadRequest
	case ErrUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Decision maps the error's code to the RequestLog decision it produces.
func (e *Error) Decision() string {
	switch e.Code {
	case ErrMissingAuth, ErrInvalidSignature, ErrExpiredTimestamp, ErrInvalidNonce, ErrUnsupportedPopVersion, ErrAppNotFound:
		return model.DecisionDeniedAuth
	case ErrAppDisabled, ErrPermissionDenied, ErrPermissionExpired:
		return model.DecisionDeniedPerm
	case ErrPolicyViolation, ErrModelNotAllowed, ErrMaxTokensExceeded, ErrToolsNotAllowed, ErrStreamingNotAllowed, ErrConstraintViolation:
		return model.DecisionDeniedConstr
	case ErrRateLimitExceeded:
		return model.DecisionDeniedRateLimit
	case ErrBudgetExceeded:
		return model.DecisionDeniedBudget
	default:
		return model.DecisionError
	}
}
