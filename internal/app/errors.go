package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer renders as-is. Err keeps the underlying cause for logs
// and errors.Is; it is never written to the response.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
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
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// wrap attaches cause to a new domain error.
func wrap(cause error, status int, code, message string) *DomainError {
	e := domainError(status, code, message, nil)
	e.Err = cause
	return e
}

func invalid(code, message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, code, message, details)
}

func notFound(cause error, code, what string) *DomainError {
	return wrap(cause, http.StatusNotFound, code, what+" not found")
}

func conflict(cause error, code, message string) *DomainError {
	return wrap(cause, http.StatusConflict, code, message)
}
