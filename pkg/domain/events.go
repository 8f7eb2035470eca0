package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated      = "OrderCreated"
	EventOrderCancelled    = "OrderCancelled"
	EventInventoryReserved = "InventoryReserved"
	EventInventoryReleased = "InventoryReleased"
	EventInventoryAdjusted = "InventoryAdjusted"
	EventLowStockAlert     = "LowStockAlert"
)

// Envelope is the wire format shared by every topic.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{Event: event, Payload: raw})
}

type OrderItem struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int64     `json:"quantity"`
	UnitPrice   int64     `json:"unit_price"`
}

type OrderCreatedEvent struct {
	OrderID     uuid.UUID   `json:"order_id"`
	CustomerID  uuid.UUID   `json:"customer_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount int64       `json:"total_amount"`
	CreatedAt   time.Time   `json:"created_at"`
}

type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type InventoryReservedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	Quantity      int64     `json:"quantity"`
	ReservedAt    time.Time `json:"reserved_at"`
}

type InventoryReleasedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ProductID     uuid.UUID `json:"product_id"`
	Quantity      int64     `json:"quantity"`
	ReleasedAt    time.Time `json:"released_at"`
}

type InventoryAdjustedEvent struct {
	ProductID      uuid.UUID `json:"product_id"`
	ProductName    string    `json:"product_name"`
	QuantityChange int64     `json:"quantity_change"`
	NewQuantity    int64     `json:"new_quantity"`
	Reason         string    `json:"reason"`
	AdjustedAt     time.Time `json:"adjusted_at"`
}

type LowStockAlertEvent struct {
	ProductID         uuid.UUID `json:"product_id"`
	ProductName       string    `json:"product_name"`
	CurrentQuantity   int64     `json:"current_quantity"`
	ThresholdQuantity int64     `json:"threshold_quantity"`
	AlertedAt         time.Time `json:"alerted_at"`
}
