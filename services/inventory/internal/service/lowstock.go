package service

import (
	"time"

	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
)

// CheckLowStock builds an alert for every snapshot at or below its threshold.
// Alerts are not deduplicated: each qualifying mutation fires again.
func CheckLowStock(p *domain.Product, now time.Time) (sharedDomain.LowStockAlertEvent, bool) {
	if p == nil || !p.IsLowStock() {
		return sharedDomain.LowStockAlertEvent{}, false
	}

	return sharedDomain.LowStockAlertEvent{
		ProductID:         p.ID,
		ProductName:       p.Name,
		CurrentQuantity:   p.Available(),
		ThresholdQuantity: p.LowStockThreshold,
		AlertedAt:         now.UTC(),
	}, true
}
