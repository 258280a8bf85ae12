package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxRollback wraps a rollback failure that followed a callback error,
// so neither cause is lost.
var ErrTxRollback = errors.New("db: transaction rollback failed")

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; a panic inside fn rolls back and
// re-raises. Used for multi-statement record writes that must land
// atomically (the migration tool's clear-and-rebuild, most notably).
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) (err error) {
	tx, beginErr := pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("db: begin transaction: %w", beginErr)
	}

	done := false
	defer func() {
		if done {
			return
		}
		// Reached on panic or early return without commit/rollback.
		_ = tx.Rollback(ctx)
	}()

	if err = fn(tx); err != nil {
		done = true
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, ErrTxRollback, rbErr)
		}
		return err
	}

	done = true
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit transaction: %w", err)
	}
	return nil
}
