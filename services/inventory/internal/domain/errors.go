package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound           = errors.New("product not found")
	ErrReservationNotFound       = errors.New("reservation not found")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrInvalidAdjustment         = errors.New("invalid adjustment")
	ErrInvalidQuantity           = errors.New("quantity must be positive")
	ErrConcurrencyConflict       = errors.New("concurrency conflict")
	ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")
	ErrReservationExists         = errors.New("active reservation already exists")
	ErrDuplicateSKU              = errors.New("sku already exists")
)

// InsufficientStockError carries the numbers needed for manual reconciliation.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsTransient reports errors that a later redelivery of the same event may succeed on.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInfrastructureUnavailable)
}
