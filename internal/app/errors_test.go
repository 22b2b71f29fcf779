package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"slidewell/api/internal/authz"
	"slidewell/api/internal/command"
	"slidewell/api/internal/geometry"
	"slidewell/api/internal/review"
	"slidewell/api/internal/store"
)

func TestToDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"nil", nil, 0, ""},
		{"syntax", geometry.ErrInvalidSyntax, http.StatusBadRequest, "SyntaxError"},
		{"too small", fmt.Errorf("wrapped: %w", geometry.ErrGeometryTooSmall), http.StatusBadRequest, "ValidationError"},
		{"outside bounds", geometry.ErrOutsideBounds, http.StatusBadRequest, "ValidationError"},
		{"not under review", review.ErrNotUnderReview, http.StatusBadRequest, "StateError"},
		{"wrong reviewer", review.ErrNotReviewer, http.StatusBadRequest, "StateError"},
		{"already under review", review.ErrAlreadyUnderReview, http.StatusConflict, "ConflictError"},
		{"already reviewed", review.ErrAlreadyReviewed, http.StatusConflict, "ConflictError"},
		{"store conflict", store.ErrConflict, http.StatusConflict, "ConflictError"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NotFoundError"},
		{"unknown term", review.ErrUnknownTerm, http.StatusNotFound, "NotFoundError"},
		{"empty history", command.ErrEmptyHistory, http.StatusNotFound, "EmptyHistory"},
		{"empty redo", command.ErrEmptyRedoStack, http.StatusNotFound, "EmptyRedoStack"},
		{"stale redo", command.ErrStaleRedo, http.StatusConflict, "StaleRedo"},
		{"denied", authz.ErrDenied, http.StatusForbidden, "PermissionDenied"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain := ToDomainError(tt.err)
			if tt.err == nil {
				if domain != nil {
					t.Fatalf("expected nil, got %+v", domain)
				}
				return
			}
			if domain.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", domain.Status, tt.wantStatus)
			}
			if domain.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", domain.Code, tt.wantCode)
			}
		})
	}
}

func TestToDomainErrorPassesThroughExisting(t *testing.T) {
	original := domainError(http.StatusTeapot, "Custom", "custom failure", nil)
	if got := ToDomainError(fmt.Errorf("wrap: %w", original)); got != original {
		t.Fatalf("got %+v, want original", got)
	}
}
