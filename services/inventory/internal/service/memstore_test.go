package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	outboxDomain "github.com/sakashimaa/inventory-saga/pkg/outbox/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/stretchr/testify/require"
)

// memStore backs every repository the services use. Transactions are
// serialized and rolled back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products     map[uuid.UUID]domain.Product
	reservations map[uuid.UUID]domain.Reservation
	outbox       []*outboxDomain.OutboxEvent
	processed    map[string]bool
	nextEventID  int64

	// Errors queued here are returned by the next calls, one per call.
	reserveErrs     []error
	markReleaseErrs []error
	findActiveErr   error
	commitErr       error
}

func newMemStore() *memStore {
	return &memStore{
		products:     make(map[uuid.UUID]domain.Product),
		reservations: make(map[uuid.UUID]domain.Reservation),
		processed:    make(map[string]bool),
	}
}

var _ db.Transactor = (*memStore)(nil)

func (s *memStore) WithinTx(ctx context.Context, fn db.TxFunc) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()

	err := fn(ctx, nil)
	if err == nil && s.commitErr != nil {
		err = s.commitErr
		s.commitErr = nil
	}
	if err != nil {
		s.restore(snapshot)
		return err
	}

	return nil
}

type memSnapshot struct {
	products     map[uuid.UUID]domain.Product
	reservations map[uuid.UUID]domain.Reservation
	outbox       []*outboxDomain.OutboxEvent
	processed    map[string]bool
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		products:     make(map[uuid.UUID]domain.Product, len(s.products)),
		reservations: make(map[uuid.UUID]domain.Reservation, len(s.reservations)),
		outbox:       append([]*outboxDomain.OutboxEvent(nil), s.outbox...),
		processed:    make(map[string]bool, len(s.processed)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = v
	}
	for k, v := range s.processed {
		snap.processed[k] = v
	}

	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products = snap.products
	s.reservations = snap.reservations
	s.outbox = snap.outbox
	s.processed = snap.processed
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (s *memStore) addProduct(t *testing.T, sku string, quantity, reserved, threshold int64) uuid.UUID {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.products[id] = domain.Product{
		ID:                id,
		SKU:               sku,
		Name:              "Product " + sku,
		Quantity:          quantity,
		ReservedQuantity:  reserved,
		LowStockThreshold: threshold,
		Price:             1000,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	return id
}

func (s *memStore) product(t *testing.T, id uuid.UUID) domain.Product {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	require.True(t, ok, "product %s not found", id)
	return p
}

func (s *memStore) eventsOfType(eventType string) []*outboxDomain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*outboxDomain.OutboxEvent
	for _, e := range s.outbox {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) activeReservations(orderID uuid.UUID) []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.Status == domain.ReservationActive {
			out = append(out, r)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, event *outboxDomain.OutboxEvent) T {
	t.Helper()

	var envelope sharedDomain.Envelope
	require.NoError(t, json.Unmarshal(event.Payload, &envelope))
	require.Equal(t, event.EventType, envelope.Event)

	var payload T
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	return payload
}

// ProductRepository

func (s *memStore) Create(_ context.Context, _ pgx.Tx, input *domain.CreateProductInput) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.SKU == input.SKU {
			return nil, domain.ErrDuplicateSKU
		}
	}

	threshold := domain.DefaultLowStockThreshold
	if input.LowStockThreshold != nil {
		threshold = *input.LowStockThreshold
	}

	p := domain.Product{
		ID:                uuid.New(),
		SKU:               input.SKU,
		Name:              input.Name,
		Description:       input.Description,
		Quantity:          input.Quantity,
		LowStockThreshold: threshold,
		Price:             input.Price,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	s.products[p.ID] = p

	return &p, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return &p, nil
}

func (s *memStore) GetBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.SKU == sku {
			return &p, nil
		}
	}
	return nil, domain.ErrProductNotFound
}

func (s *memStore) List(_ context.Context, filter domain.ListFilter) ([]domain.Product, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Product
	for _, p := range s.products {
		if filter.Search == "" || strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Search)) {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SKU < all[j].SKU })

	total := int64(len(all))
	if filter.Offset >= total {
		return []domain.Product{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}

	return all[filter.Offset:end], total, nil
}

func (s *memStore) ListLowStock(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0)
	for _, p := range s.products {
		if p.IsLowStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, _ pgx.Tx, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	if input.Name != nil {
		p.Name = *input.Name
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.LowStockThreshold != nil {
		p.LowStockThreshold = *input.LowStockThreshold
	}
	if input.Price != nil {
		p.Price = *input.Price
	}
	s.products[id] = p

	return &p, nil
}

func (s *memStore) AdjustQuantity(_ context.Context, _ pgx.Tx, id uuid.UUID, delta int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	if p.Quantity+delta < p.ReservedQuantity {
		return nil, domain.ErrInvalidAdjustment
	}
	p.Quantity += delta
	s.products[id] = p

	return &p, nil
}

func (s *memStore) Reserve(_ context.Context, _ pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := popErr(&s.reserveErrs); err != nil {
		return nil, err
	}

	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	if p.Available() < quantity {
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: quantity, Available: p.Available()}
	}
	p.ReservedQuantity += quantity
	s.products[id] = p

	return &p, nil
}

func (s *memStore) Release(_ context.Context, _ pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	p.ReservedQuantity -= quantity
	if p.ReservedQuantity < 0 {
		p.ReservedQuantity = 0
	}
	s.products[id] = p

	return &p, nil
}

// ReservationRepository

func (s *memStore) CreateActive(_ context.Context, _ pgx.Tx, orderID, productID uuid.UUID, quantity int64) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if r.OrderID == orderID && r.ProductID == productID && r.Status == domain.ReservationActive {
			return nil, domain.ErrReservationExists
		}
	}

	r := domain.Reservation{
		ID:         uuid.New(),
		ProductID:  productID,
		OrderID:    orderID,
		Quantity:   quantity,
		Status:     domain.ReservationActive,
		ReservedAt: time.Now(),
	}
	s.reservations[r.ID] = r

	return &r, nil
}

func (s *memStore) FindActive(_ context.Context, _ pgx.Tx, orderID, productID uuid.UUID) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findActiveErr != nil {
		return nil, s.findActiveErr
	}

	for _, r := range s.reservations {
		if r.OrderID == orderID && r.ProductID == productID && r.Status == domain.ReservationActive {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListActiveByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	out := s.activeReservations(orderID)
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

func (s *memStore) ListByOrder(_ context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Reservation, 0)
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

func (s *memStore) MarkReleased(_ context.Context, _ pgx.Tx, reservationID uuid.UUID) (*domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := popErr(&s.markReleaseErrs); err != nil {
		return nil, false, err
	}

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, false, domain.ErrReservationNotFound
	}
	if r.Status != domain.ReservationActive {
		return &r, false, nil
	}

	now := time.Now()
	r.Status = domain.ReservationReleased
	r.ReleasedAt = &now
	s.reservations[reservationID] = r

	return &r, true, nil
}

// OutboxWriter

func (s *memStore) SaveOutboxEvent(_ context.Context, _ pgx.Tx, event *outboxDomain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.Id = s.nextEventID
	event.CreatedAt = time.Now()
	s.outbox = append(s.outbox, event)

	return nil
}

// Deduplicator

func (s *memStore) MarkProcessed(_ context.Context, _ pgx.Tx, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := scope + "|" + key
	if s.processed[k] {
		return false, nil
	}
	s.processed[k] = true
	return true, nil
}
