package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultLowStockThreshold int64 = 10

type Product struct {
	ID                uuid.UUID `db:"id" json:"id"`
	SKU               string    `db:"sku" json:"sku"`
	Name              string    `db:"name" json:"name"`
	Description       string    `db:"description" json:"description"`
	Quantity          int64     `db:"quantity" json:"quantity"`
	ReservedQuantity  int64     `db:"reserved_quantity" json:"reserved_quantity"`
	LowStockThreshold int64     `db:"low_stock_threshold" json:"low_stock_threshold"`
	Price             int64     `db:"price" json:"price"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the stock that can still be reserved.
func (p *Product) Available() int64 {
	return p.Quantity - p.ReservedQuantity
}

func (p *Product) IsLowStock() bool {
	return p.Available() <= p.LowStockThreshold
}

type CreateProductInput struct {
	SKU               string
	Name              string
	Description       string
	Quantity          int64
	LowStockThreshold *int64
	Price             int64
}

// UpdateProductInput never touches quantity; stock changes go through adjustments.
type UpdateProductInput struct {
	Name              *string
	Description       *string
	LowStockThreshold *int64
	Price             *int64
}

func (in *UpdateProductInput) Empty() bool {
	return in.Name == nil && in.Description == nil && in.LowStockThreshold == nil && in.Price == nil
}

type ListFilter struct {
	Limit  int64
	Offset int64
	Search string
}
