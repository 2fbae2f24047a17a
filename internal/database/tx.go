package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// serializationFailure is the SQLSTATE Postgres raises when a serializable
// transaction cannot be committed due to a concurrent conflict.
const serializationFailure = "40001"

// InSerializableTx runs fn inside a serializable transaction, retrying up
// to maxRetries additional attempts when the commit fails with a
// serialization conflict. Any other error rolls back and propagates.
func InSerializableTx(ctx context.Context, pool *pgxpool.Pool, maxRetries int, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := runTx(ctx, pool, pgx.Serializable, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("serializable transaction retries exhausted: %w", lastErr)
}

// InTx runs fn inside a read-committed transaction, the default isolation
// for read paths that only need a consistent snapshot.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return runTx(ctx, pool, pgx.ReadCommitted, fn)
}

func runTx(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// rollback is a no-op after a successful commit
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
