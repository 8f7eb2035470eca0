package repository

import (
	"fmt"

	"github.com/sakashimaa/inventory-saga/pkg/db"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
)

// classify tags driver errors with the domain error the callers branch on.
func classify(op string, err error) error {
	switch {
	case db.IsConflict(err):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConcurrencyConflict, err)
	case db.IsUnavailable(err):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInfrastructureUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
