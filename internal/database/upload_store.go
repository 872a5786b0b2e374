package database

import (
	"context"

	"github.com/ilkin0/resumable/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UploadStore is the Postgres backed upload record store. Per-upload mutual
// exclusion is a row lock held for the lifetime of a transaction.
type UploadStore struct {
	*repository.Queries
	pool *pgxpool.Pool
}

func NewUploadStore(db *Database) *UploadStore {
	return &UploadStore{
		Queries: db.Queries,
		pool:    db.Pool,
	}
}

// WithUploadLock locks the upload row with SELECT ... FOR UPDATE and runs fn
// inside the same transaction. An error from fn rolls the transaction back.
func (s *UploadStore) WithUploadLock(ctx context.Context, uploadID string, fn func(q repository.Querier, upload repository.Upload) error) error {
	return RunWithTx(ctx, s.pool, func(q *repository.Queries) error {
		upload, err := q.GetUploadForUpdate(ctx, uploadID)
		if err != nil {
			return err
		}
		return fn(q, upload)
	})
}
