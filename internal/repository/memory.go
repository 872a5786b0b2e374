package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// MemoryStore keeps upload records in process. It satisfies the same
// contract as the Postgres store, including the per-upload lock, and is meant
// for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]Upload
	locks   keyedMutex
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]Upload),
		locks:   keyedMutex{entries: make(map[string]*lockEntry)},
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source used for created_at/updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// WithUploadLock runs fn while holding the exclusive lock for uploadID. The
// record passed to fn is the state observed after the lock was acquired.
func (m *MemoryStore) WithUploadLock(ctx context.Context, uploadID string, fn func(q Querier, upload Upload) error) error {
	unlock, err := m.locks.lock(ctx, uploadID)
	if err != nil {
		return err
	}
	defer unlock()

	upload, err := m.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	return fn(m, upload)
}

func (m *MemoryStore) timestamp() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: m.now().UTC(), Valid: true}
}

func (m *MemoryStore) CreateUpload(ctx context.Context, arg CreateUploadParams) (Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.uploads[arg.ID]; exists {
		return Upload{}, fmt.Errorf("duplicate key value violates unique constraint: upload %s", arg.ID)
	}

	now := m.timestamp()
	u := Upload{
		ID:          arg.ID,
		Filename:    arg.Filename,
		MimeType:    arg.MimeType,
		TotalSize:   arg.TotalSize,
		TotalChunks: arg.TotalChunks,
		Checksum:    arg.Checksum,
		Status:      UploadStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.uploads[arg.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUpload(ctx context.Context, id string) (Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.uploads[id]
	if !ok {
		return Upload{}, pgx.ErrNoRows
	}
	return u, nil
}

// GetUploadForUpdate has no locking effect here; callers serialize through
// WithUploadLock.
func (m *MemoryStore) GetUploadForUpdate(ctx context.Context, id string) (Upload, error) {
	return m.GetUpload(ctx, id)
}

func (m *MemoryStore) RecordChunkUpload(ctx context.Context, arg RecordChunkUploadParams) (Upload, error) {
	return m.update(arg.ID, func(u *Upload) bool {
		if u.Status != UploadStatusPending || u.UploadedChunks >= u.TotalChunks {
			return false
		}
		u.UploadedChunks++
		u.UploadedSize += arg.Size
		return true
	})
}

func (m *MemoryStore) TransitionUploadStatus(ctx context.Context, arg TransitionUploadStatusParams) (Upload, error) {
	return m.update(arg.ID, func(u *Upload) bool {
		if u.Status != arg.FromStatus {
			return false
		}
		u.Status = arg.ToStatus
		return true
	})
}

func (m *MemoryStore) MarkUploadCompleted(ctx context.Context, arg MarkUploadCompletedParams) (Upload, error) {
	return m.update(arg.ID, func(u *Upload) bool {
		if u.Status != UploadStatusProcessing {
			return false
		}
		u.Status = UploadStatusCompleted
		u.StoragePath = pgtype.Text{String: arg.StoragePath, Valid: true}
		u.FailureReason = pgtype.Text{}
		return true
	})
}

func (m *MemoryStore) MarkUploadFailed(ctx context.Context, arg MarkUploadFailedParams) (Upload, error) {
	return m.update(arg.ID, func(u *Upload) bool {
		if u.Status != UploadStatusPending && u.Status != UploadStatusProcessing {
			return false
		}
		u.Status = UploadStatusFailed
		u.FailureReason = pgtype.Text{String: arg.FailureReason, Valid: true}
		return true
	})
}

func (m *MemoryStore) ListStaleUploads(ctx context.Context, arg ListStaleUploadsParams) ([]Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []Upload
	for _, u := range m.uploads {
		if u.Status == arg.Status && u.UpdatedAt.Time.Before(arg.UpdatedBefore.Time) {
			items = append(items, u)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Time.Before(items[j].UpdatedAt.Time)
	})
	if arg.Limit > 0 && len(items) > int(arg.Limit) {
		items = items[:arg.Limit]
	}
	return items, nil
}

// update applies fn when the row exists and fn accepts the change, mirroring
// an UPDATE ... WHERE ... RETURNING that matches no row.
func (m *MemoryStore) update(id string, fn func(u *Upload) bool) (Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok || !fn(&u) {
		return Upload{}, pgx.ErrNoRows
	}
	u.UpdatedAt = m.timestamp()
	m.uploads[id] = u
	return u, nil
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// keyedMutex hands out one mutex per key and drops it once no goroutine holds
// or waits for it.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	return func() {
		<-e.ch
		k.release(key, e)
	}, nil
}

func (k *keyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

var _ Querier = (*MemoryStore)(nil)
