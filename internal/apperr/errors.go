// Package apperr defines the error taxonomy shared by the walk core and its
// adapters. Sentinels are matched with errors.Is; the classified wrapper
// carries a category and a retry hint for the sync layer.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidPosition      = errors.New("invalid position")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrRemoteUnavailable    = errors.New("remote unavailable")
	ErrConflict             = errors.New("conflict")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
)

type Category string

const (
	CategoryInvalidInput     Category = "invalid_input"
	CategoryStateContention  Category = "state_contention"
	CategoryNetworkTransient Category = "network_transient"
	CategoryNetworkPermanent Category = "network_permanent"
	CategoryIOFailure        Category = "io_failure"
	CategoryConflict         Category = "conflict"
)

type classifiedError struct {
	category  Category
	code      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category, a short machine code and a retry hint to cause.
func Wrap(cause error, category Category, code string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		retryable: retryable,
		cause:     cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	switch {
	case errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrValidationFailed):
		return CategoryInvalidInput
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSessionAlreadyActive):
		return CategoryStateContention
	case errors.Is(err, ErrRemoteUnavailable):
		return CategoryNetworkTransient
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

// IsRetryable reports whether a retry may succeed. Unclassified remote
// unavailability counts as retryable.
func IsRetryable(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return errors.Is(err, ErrRemoteUnavailable)
}

// HTTPStatus maps the taxonomy onto response codes for HTTP handlers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSessionAlreadyActive), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
