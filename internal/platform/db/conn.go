package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ctxKey string

// TxKey carries an open transaction through a context so that repositories
// participate in it instead of drawing from the pool. Message processing
// uses this to hold its row lock across every repository call of one
// attempt.
const TxKey ctxKey = "db_tx"

// WithTx returns a context carrying the transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// TxFromContext retrieves the transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// TxRunner runs a function inside a transaction. Services depend on this
// interface so tests can substitute a passthrough runner.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner is the pgxpool-backed TxRunner.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

func (r PoolRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, r.Pool, fn)
}

// InTx runs fn inside a transaction carried on the context. The transaction
// commits when fn returns nil and rolls back otherwise.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
