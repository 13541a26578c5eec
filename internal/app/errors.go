package app

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failures callers can branch on.
type ErrorKind string

const (
	KindNotConfigured             ErrorKind = "NOT_CONFIGURED"
	KindProviderRequestFailed     ErrorKind = "PROVIDER_REQUEST_FAILED"
	KindMalformedProviderResponse ErrorKind = "MALFORMED_PROVIDER_RESPONSE"
	KindMalformedWebhookPayload   ErrorKind = "MALFORMED_WEBHOOK_PAYLOAD"
	KindAuthenticationFailed      ErrorKind = "AUTHENTICATION_FAILED"
	KindApprovalNotFound          ErrorKind = "APPROVAL_NOT_FOUND"
	KindInvalidStatusTransition   ErrorKind = "INVALID_STATUS_TRANSITION"
	KindUnableToRefresh           ErrorKind = "UNABLE_TO_REFRESH_SIGNATURE_STATUS"
	KindSignatureNotCompleted     ErrorKind = "SIGNATURE_NOT_COMPLETED"
	KindForbidden                 ErrorKind = "FORBIDDEN"
	KindValidationFailed          ErrorKind = "VALIDATION_ERROR"
	KindApprovalBusy              ErrorKind = "APPROVAL_BUSY"
	KindUnauthorized              ErrorKind = "UNAUTHORIZED"
)

var kindStatus = map[ErrorKind]int{
	KindNotConfigured:             http.StatusServiceUnavailable,
	KindProviderRequestFailed:     http.StatusBadGateway,
	KindMalformedProviderResponse: http.StatusBadGateway,
	KindMalformedWebhookPayload:   http.StatusBadRequest,
	KindAuthenticationFailed:      http.StatusUnauthorized,
	KindApprovalNotFound:          http.StatusNotFound,
	KindInvalidStatusTransition:   http.StatusConflict,
	KindUnableToRefresh:           http.StatusServiceUnavailable,
	KindSignatureNotCompleted:     http.StatusConflict,
	KindForbidden:                 http.StatusForbidden,
	KindValidationFailed:          http.StatusUnprocessableEntity,
	KindApprovalBusy:              http.StatusConflict,
	KindUnauthorized:              http.StatusUnauthorized,
}

type DomainError struct {
	Status    int
	Code      ErrorKind
	Message   string
	Details   any
	Retryable bool
	Err       error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func domainError(kind ErrorKind, message string, details any) *DomainError {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &DomainError{
		Status:  status,
		Code:    kind,
		Message: message,
		Details: details,
	}
}

func (e *DomainError) retryable() *DomainError {
	e.Retryable = true
	return e
}

func (e *DomainError) wrap(err error) *DomainError {
	e.Err = err
	return e
}

// KindOf returns the kind of the first DomainError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsRetryable reports whether err is a DomainError marked retryable.
func IsRetryable(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Retryable
}
