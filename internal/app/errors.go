package app

import (
	"errors"
	"fmt"
	"net/http"

	"tetoegen/api/internal/classify"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/identity/local"
	"tetoegen/api/internal/session"
)

type DomainError struct {
	Status    int
	Code      string
	Message   string
	Details   any
	Retryable bool
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errLoginRequired() *DomainError {
	return domainError(http.StatusUnauthorized, "LOGIN_REQUIRED", "Sign in to continue", nil)
}

func errQuotaExceeded(limit, used int) *DomainError {
	return domainError(http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily limit reached", map[string]any{
		"limit": limit,
		"used":  used,
	})
}

// toDomainError classifies err for the HTTP layer. Unknown errors become a
// generic 500.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var redirect *identity.RedirectError
	if errors.As(err, &redirect) {
		return domainError(http.StatusConflict, "REDIRECT_REQUIRED", "Continue sign-in in the browser", map[string]any{
			"redirectUrl": redirect.URL,
		})
	}
	switch {
	case identity.IsCommunication(err):
		e := domainError(http.StatusBadGateway, "IDP_UNAVAILABLE", "The sign-in service could not be reached. Try again.", nil)
		e.Retryable = true
		return e
	case errors.Is(err, identity.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, identity.ErrUnsupportedMethod):
		return domainError(http.StatusBadRequest, "UNSUPPORTED_METHOD", "Unsupported sign-in method", nil)
	case errors.Is(err, local.ErrMissingCredentials), errors.Is(err, local.ErrPasswordTooShort):
		return domainError(http.StatusBadRequest, "INVALID_CREDENTIALS_FORMAT", err.Error(), nil)
	case errors.Is(err, local.ErrAccountExists):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, session.ErrStaleIdentity):
		return domainError(http.StatusConflict, "STALE_IDENTITY", "The signed-in user changed; reload and try again", nil)
	case errors.Is(err, classify.ErrNoImage):
		return domainError(http.StatusBadRequest, "IMAGE_REQUIRED", "An image is required", nil)
	case errors.Is(err, classify.ErrUnknownType):
		return domainError(http.StatusBadGateway, "CLASSIFIER_FAILED", "The classifier returned an unusable result", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
