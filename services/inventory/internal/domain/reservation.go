package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

func ParseReservationStatus(s string) (ReservationStatus, error) {
	switch status := ReservationStatus(s); status {
	case ReservationActive, ReservationReleased, ReservationExpired:
		return status, nil
	default:
		return "", fmt.Errorf("unknown reservation status %q", s)
	}
}

// HoldsStock reports whether the reservation still counts against reserved quantity.
func (s ReservationStatus) HoldsStock() bool {
	switch s {
	case ReservationActive:
		return true
	case ReservationReleased, ReservationExpired:
		return false
	default:
		panic(fmt.Sprintf("unhandled reservation status %q", string(s)))
	}
}

type Reservation struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	ProductID  uuid.UUID         `db:"product_id" json:"product_id"`
	OrderID    uuid.UUID         `db:"order_id" json:"order_id"`
	Quantity   int64             `db:"quantity" json:"quantity"`
	Status     ReservationStatus `db:"status" json:"status"`
	ReservedAt time.Time         `db:"reserved_at" json:"reserved_at"`
	ReleasedAt *time.Time        `db:"released_at" json:"released_at,omitempty"`
}
