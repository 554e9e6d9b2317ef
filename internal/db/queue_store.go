package db

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/models"
)

// QueueStore persists the sync queue. The whole ordered list is the unit of
// persistence: SaveQueue replaces it in a single transaction, so an
// interrupted save leaves the previous snapshot intact.
type QueueStore struct {
	db *DB
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

// SaveQueue atomically replaces the persisted queue with ops, in order.
func (s *QueueStore) SaveQueue(ctx context.Context, ops []models.PendingOperation) error {
	conn := s.db.Conn()
	if conn == nil {
		return storageError("save queue", fmt.Errorf("database is closed"))
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return storageError("save queue", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return storageError("save queue", err)
	}

	insert, err := tx.PrepareContext(ctx, `
	INSERT INTO sync_queue (position, id, kind, record_id, remote_id, snapshot, enqueued_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageError("save queue", err)
	}
	defer insert.Close()

	for i := range ops {
		row, err := ops[i].ToRow(i)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode queued operation", err)
		}
		var snapshot interface{}
		if row.Snapshot != nil {
			snapshot = string(row.Snapshot)
		}
		if _, err := insert.ExecContext(ctx, row.Position, row.ID, row.Kind, row.RecordID, row.RemoteID,
			snapshot, row.EnqueuedAt, row.Attempts, row.LastError); err != nil {
			return storageError("save queue", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("save queue", err)
	}
	return nil
}

// LoadQueue returns the last persisted queue in order. Rows that cannot be
// decoded make the whole snapshot QUEUE_CORRUPT.
func (s *QueueStore) LoadQueue(ctx context.Context) ([]models.PendingOperation, error) {
	conn := s.db.Conn()
	if conn == nil {
		return nil, storageError("load queue", fmt.Errorf("database is closed"))
	}

	rows, err := conn.QueryContext(ctx, `
	SELECT position, id, kind, record_id, remote_id, COALESCE(snapshot, ''), enqueued_at, attempts, last_error
	FROM sync_queue ORDER BY position
	`)
	if err != nil {
		return nil, storageError("load queue", err)
	}
	defer rows.Close()

	ops := make([]models.PendingOperation, 0)
	for rows.Next() {
		var row models.QueueRow
		var snapshot string
		if err := rows.Scan(&row.Position, &row.ID, &row.Kind, &row.RecordID, &row.RemoteID,
			&snapshot, &row.EnqueuedAt, &row.Attempts, &row.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueCorrupt, "scan queued operation", err)
		}
		if snapshot != "" {
			row.Snapshot = []byte(snapshot)
		}
		op, err := models.FromRow(&row)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueCorrupt, "decode queued operation", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("load queue", err)
	}
	return ops, nil
}
