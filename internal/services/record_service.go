// Package services provides the record facade: the single entry point other
// layers use to create, change, delete and read activity records.
package services

import (
	"context"

	"github.com/kimhsiao/actisync/internal/db"
	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/remote"
	"github.com/kimhsiao/actisync/internal/sync/conflict"
	"github.com/kimhsiao/actisync/internal/uuid"
)

// Store is the local durable store as seen by the facade.
type Store interface {
	Put(ctx context.Context, r *models.Record) error
	Get(ctx context.Context, id string) (*models.Record, error)
	GetAll(ctx context.Context) ([]*models.Record, error)
	Modify(ctx context.Context, id string, fn func(r *models.Record) error) (*models.Record, error)
	Remove(ctx context.Context, id string) (*models.Record, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Record, error)
	Stats(ctx context.Context) (models.SyncStats, error)
	Reset(ctx context.Context) error
}

// Queue is the sync queue as seen by the facade.
type Queue interface {
	Enqueue(ctx context.Context, op models.PendingOperation) (*models.PendingOperation, error)
	CancelRecord(ctx context.Context, recordID string, kinds ...models.OperationKind) int
	HasPending(recordID string) bool
	RequeueErrored(ctx context.Context) (int, error)
	Stats() models.QueueStats
}

// Remote is the remote store adapter as seen by the facade.
type Remote interface {
	Create(ctx context.Context, recordID string, s *models.Snapshot) (string, bool)
	Update(ctx context.Context, remoteID, recordID string, s *models.Snapshot) bool
	Delete(ctx context.Context, remoteID string) bool
	ListAll(ctx context.Context) ([]remote.Document, bool)
}

// Connectivity reports the current online belief.
type Connectivity interface {
	Online() bool
}

var _ Store = (*db.RecordStore)(nil)

// RecordService coordinates the local store, the remote adapter and the sync
// queue. It holds no record state of its own.
type RecordService struct {
	store    Store
	queue    Queue
	remote   Remote
	conn     Connectivity
	resolver *conflict.Resolver
	logger   *logging.Logger
}

// NewRecordService creates a RecordService. logger may be nil.
func NewRecordService(store Store, queue Queue, remote Remote, conn Connectivity, logger *logging.Logger) *RecordService {
	if logger == nil {
		logger = logging.Get()
	}
	return &RecordService{
		store:    store,
		queue:    queue,
		remote:   remote,
		conn:     conn,
		resolver: conflict.NewResolver(logger),
		logger:   logger,
	}
}

// withStore runs fn and, if the local store reports itself corrupt, resets it
// once and runs fn again. Cancellation and transient failures such as a busy
// database are returned as they are.
func (s *RecordService) withStore(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil || !db.IsCorrupt(err) {
		return err
	}

	s.logger.WarnWithCode("Local store unavailable, resetting", string(apperrors.ErrStorageUnavailable), err, map[string]interface{}{
		"op": op,
	})
	if resetErr := s.store.Reset(ctx); resetErr != nil {
		s.logger.ErrorWithCode("Local store reset failed", string(apperrors.ErrStorageUnavailable), resetErr, map[string]interface{}{
			"op": op,
		})
		return err
	}
	return fn()
}

// canAttempt reports whether an immediate remote call may be made for the
// record. Operations already queued for it must go first.
func (s *RecordService) canAttempt(recordID string) bool {
	return s.conn.Online() && !s.queue.HasPending(recordID)
}

// CreateRecord stores a new record locally and tries to push it right away.
// The returned record reflects what is stored locally when the call returns.
func (s *RecordService) CreateRecord(ctx context.Context, c models.Content) (*models.Record, error) {
	if err := c.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record content", err)
	}
	r := models.NewRecord(uuid.NewRecordID(), c)
	if err := s.withStore(ctx, "create record", func() error { return s.store.Put(ctx, r) }); err != nil {
		return nil, err
	}

	snap := r.Snapshot()
	if s.canAttempt(r.ID) {
		if remoteID, ok := s.remote.Create(ctx, r.ID, snap); ok {
			updated, err := s.stampCreated(ctx, r.ID, remoteID, snap.Version)
			if err != nil {
				return nil, err
			}
			if updated != nil {
				return updated, nil
			}
			return r, nil
		}
	}

	if err := s.enqueue(ctx, models.OperationCreate, r, ""); err != nil {
		return nil, err
	}
	return r, nil
}

// stampCreated records a successful immediate create. It returns nil if the
// record was deleted in the meantime, after queuing removal of the new
// remote document.
func (s *RecordService) stampCreated(ctx context.Context, id, remoteID string, version int64) (*models.Record, error) {
	var updated *models.Record
	err := s.withStore(ctx, "stamp remote id", func() error {
		var err error
		updated, err = s.store.Modify(ctx, id, func(r *models.Record) error {
			r.RemoteID = remoteID
			if r.Version == version {
				r.MarkSynced(models.NowMillis())
			}
			return nil
		})
		return err
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		_, err = s.queue.Enqueue(ctx, models.PendingOperation{
			Kind:     models.OperationDelete,
			RecordID: id,
			RemoteID: remoteID,
		})
		return nil, err
	}
	return updated, err
}

// UpdateRecord applies a partial change locally, then pushes it right away
// when possible or queues it.
func (s *RecordService) UpdateRecord(ctx context.Context, id string, p models.Patch) (*models.Record, error) {
	if err := p.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record patch", err)
	}
	if p.IsEmpty() {
		return s.GetRecord(ctx, id)
	}

	var updated *models.Record
	err := s.withStore(ctx, "update record", func() error {
		var err error
		updated, err = s.store.Modify(ctx, id, func(r *models.Record) error {
			r.Apply(p)
			r.SyncState = models.SyncStatePending
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Without a remote id there is nothing to update remotely: the queue
	// turns this into a create.
	if updated.RemoteID != "" && s.canAttempt(id) {
		snap := updated.Snapshot()
		if s.remote.Update(ctx, updated.RemoteID, id, snap) {
			var synced *models.Record
			err := s.withStore(ctx, "mark synced", func() error {
				var err error
				synced, err = s.store.Modify(ctx, id, func(r *models.Record) error {
					if r.Version == snap.Version {
						r.MarkSynced(models.NowMillis())
					}
					return nil
				})
				return err
			})
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return updated, nil
			}
			if err != nil {
				return nil, err
			}
			return synced, nil
		}
	}

	if err := s.enqueue(ctx, models.OperationUpdate, updated, updated.RemoteID); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRecord removes the record locally, unconditionally, and removes its
// remote document right away when possible or queues the removal.
func (s *RecordService) DeleteRecord(ctx context.Context, id string) error {
	var removed *models.Record
	err := s.withStore(ctx, "delete record", func() error {
		var err error
		removed, err = s.store.Remove(ctx, id)
		return err
	})
	if err != nil {
		return err
	}

	// Queued creates and updates are superseded by the delete
	if n := s.queue.CancelRecord(ctx, id, models.OperationCreate, models.OperationUpdate); n > 0 {
		s.logger.Debug("Cancelled superseded operations", map[string]interface{}{
			"record_id": id,
			"cancelled": n,
		})
	}

	if removed.RemoteID == "" {
		return nil
	}
	if s.canAttempt(id) && s.remote.Delete(ctx, removed.RemoteID) {
		return nil
	}
	_, err = s.queue.Enqueue(ctx, models.PendingOperation{
		Kind:     models.OperationDelete,
		RecordID: id,
		RemoteID: removed.RemoteID,
	})
	return err
}

func (s *RecordService) enqueue(ctx context.Context, kind models.OperationKind, r *models.Record, remoteID string) error {
	_, err := s.queue.Enqueue(ctx, models.PendingOperation{
		Kind:     kind,
		RecordID: r.ID,
		Snapshot: r.Snapshot(),
		RemoteID: remoteID,
	})
	return err
}

// GetRecord returns a record by local identifier.
func (s *RecordService) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	var r *models.Record
	err := s.withStore(ctx, "get record", func() error {
		var err error
		r, err = s.store.Get(ctx, id)
		return err
	})
	return r, err
}

// ListRecords returns every record, newest first.
func (s *RecordService) ListRecords(ctx context.Context) ([]*models.Record, error) {
	var records []*models.Record
	err := s.withStore(ctx, "list records", func() error {
		var err error
		records, err = s.store.GetAll(ctx)
		return err
	})
	return records, err
}

// SyncStats counts records per sync state.
func (s *RecordService) SyncStats(ctx context.Context) (models.SyncStats, error) {
	var stats models.SyncStats
	err := s.withStore(ctx, "sync stats", func() error {
		var err error
		stats, err = s.store.Stats(ctx)
		return err
	})
	return stats, err
}

// QueueStats returns the sync queue's polled view.
func (s *RecordService) QueueStats() models.QueueStats {
	return s.queue.Stats()
}

// RetryFailed gives every record in the error state a fresh set of
// attempts. It returns how many operations were queued.
func (s *RecordService) RetryFailed(ctx context.Context) (int, error) {
	var n int
	err := s.withStore(ctx, "retry failed", func() error {
		var err error
		n, err = s.queue.RequeueErrored(ctx)
		return err
	})
	return n, err
}
