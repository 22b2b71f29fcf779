package app

import (
	"errors"
	"fmt"
	"net/http"

	"slidewell/api/internal/authz"
	"slidewell/api/internal/command"
	"slidewell/api/internal/geometry"
	"slidewell/api/internal/review"
	"slidewell/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
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

// ToDomainError classifies an engine error for the transport layer.
// Undo and redo failures get their own codes so clients can word them
// differently from execute-time failures.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}

	switch {
	case errors.Is(err, geometry.ErrInvalidSyntax):
		return domainError(http.StatusBadRequest, "SyntaxError", err.Error(), nil)
	case errors.Is(err, geometry.ErrEmptyGeometry),
		errors.Is(err, geometry.ErrGeometryTooSmall),
		errors.Is(err, geometry.ErrUnsupportedType),
		errors.Is(err, geometry.ErrOutsideBounds):
		return domainError(http.StatusBadRequest, "ValidationError", err.Error(), nil)
	case errors.Is(err, review.ErrNotUnderReview),
		errors.Is(err, review.ErrNotReviewer),
		errors.Is(err, review.ErrNotReviewed):
		return domainError(http.StatusBadRequest, "StateError", err.Error(), nil)
	case errors.Is(err, review.ErrAlreadyUnderReview),
		errors.Is(err, review.ErrAlreadyReviewed),
		errors.Is(err, store.ErrConflict):
		return domainError(http.StatusConflict, "ConflictError", err.Error(), nil)
	case errors.Is(err, review.ErrUnknownTerm),
		errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NotFoundError", err.Error(), nil)
	case errors.Is(err, command.ErrEmptyHistory):
		return domainError(http.StatusNotFound, "EmptyHistory", err.Error(), nil)
	case errors.Is(err, command.ErrEmptyRedoStack):
		return domainError(http.StatusNotFound, "EmptyRedoStack", err.Error(), nil)
	case errors.Is(err, command.ErrStaleRedo):
		return domainError(http.StatusConflict, "StaleRedo", err.Error(), nil)
	case errors.Is(err, authz.ErrDenied):
		return domainError(http.StatusForbidden, "PermissionDenied", err.Error(), nil)
	}
	return domainError(http.StatusInternalServerError, "InternalError", err.Error(), nil)
}
