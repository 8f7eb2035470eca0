package tests

import (
	"os"

	"github.com/google/uuid"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
)

func (s *IntegrationTestSuite) applySeed() {
	script, err := os.ReadFile("../migrations/000002_seed_products.up.sql")
	s.Require().NoError(err)

	_, err = s.DbPool.Exec(s.Ctx, string(script))
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TestSeedProducts_ReservableAndIdempotent() {
	s.applySeed()
	s.applySeed()

	var count int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM products`).Scan(&count))
	s.Require().Equal(7, count)

	laptop, err := s.Products.GetBySKU(s.Ctx, "LAPTOP-001")
	s.Require().NoError(err)
	s.Require().Equal(uuid.MustParse("10000000-0000-0000-0000-000000000001"), laptop.ID)
	s.Require().Equal(int64(50), laptop.Available())
	s.Require().Equal(int64(129999), laptop.Price)

	outcome, err := s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID: uuid.New(),
		Items:   []sharedDomain.OrderItem{{ProductID: laptop.ID, Quantity: 2}},
	})
	s.Require().NoError(err)
	s.Require().True(outcome.Succeeded())
}
