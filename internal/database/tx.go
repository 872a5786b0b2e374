package database

import (
	"context"
	"fmt"

	"github.com/ilkin0/resumable/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunWithTx runs fn on queries bound to a fresh transaction, committing when
// fn succeeds and rolling back otherwise. Commit and rollback ignore
// cancellation of ctx once fn has returned.
func RunWithTx(ctx context.Context, pool *pgxpool.Pool, fn func(q *repository.Queries) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	q := repository.New(tx)

	endCtx := context.WithoutCancel(ctx)
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(endCtx); rbErr != nil {
			return fmt.Errorf("rollback error: %v; original: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(endCtx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
