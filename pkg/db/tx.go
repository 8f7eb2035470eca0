package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"go.uber.org/zap"
)

type TxFunc func(ctx context.Context, tx pgx.Tx) error

type Transactor interface {
	WithinTx(ctx context.Context, fn TxFunc) error
}

type poolTransactor struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewTransactor(pool *pgxpool.Pool, logger *zap.Logger) Transactor {
	return &poolTransactor{
		pool:   pool,
		logger: logger,
	}
}

// WithinTx commits when fn returns nil and rolls back otherwise.
func (t *poolTransactor) WithinTx(ctx context.Context, fn TxFunc) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(
				cleanupCtx,
				t.logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
