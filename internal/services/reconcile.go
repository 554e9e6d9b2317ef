package services

import (
	"context"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/remote"
	"github.com/kimhsiao/actisync/internal/sync/conflict"
	"github.com/kimhsiao/actisync/internal/uuid"
)

// ReconcileResult counts what a reconcile pass did.
type ReconcileResult struct {
	Imported  int `json:"imported"`
	Adopted   int `json:"adopted"`
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`

	// Conflicts counts skipped documents that are newer than a local record
	// with unpushed edits.
	Conflicts int `json:"conflicts"`
}

// Reconcile pulls every remote document and folds it into the local store,
// last writer wins:
//   - a document no local record claims is imported as a synced record,
//     unless its record is waiting on queued work (e.g. a pending delete);
//   - a document whose local record exists but never learned its remote id
//     is adopted by that record;
//   - a synced local record older than its document is refreshed.
//
// Records that are pending or in error keep their local content: it is newer
// and will be pushed.
func (s *RecordService) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	docs, ok := s.remote.ListAll(ctx)
	if !ok {
		return result, apperrors.New(apperrors.ErrRemoteWriteFailed, "could not list remote documents")
	}

	for _, doc := range docs {
		if doc.ID == "" {
			result.Skipped++
			continue
		}
		var outcome string
		err := s.withStore(ctx, "reconcile", func() error {
			var err error
			outcome, err = s.reconcileOne(ctx, doc)
			return err
		})
		if err != nil {
			return result, err
		}
		switch outcome {
		case "imported":
			result.Imported++
		case "adopted":
			result.Adopted++
		case "refreshed":
			result.Refreshed++
		case "conflict":
			result.Conflicts++
			result.Skipped++
		default:
			result.Skipped++
		}
	}

	s.logger.Info("Reconcile finished", map[string]interface{}{
		"documents": len(docs),
		"imported":  result.Imported,
		"adopted":   result.Adopted,
		"refreshed": result.Refreshed,
		"skipped":   result.Skipped,
		"conflicts": result.Conflicts,
	})
	return result, nil
}

func (s *RecordService) reconcileOne(ctx context.Context, doc remote.Document) (string, error) {
	local, err := s.store.FindByRemoteID(ctx, doc.ID)
	switch {
	case err == nil:
		return s.refresh(ctx, local, doc)
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return "", err
	}

	if doc.LocalID != "" {
		existing, err := s.store.Get(ctx, doc.LocalID)
		switch {
		case err == nil:
			if existing.RemoteID == "" {
				return s.adopt(ctx, existing.ID, doc)
			}
			// The local id is taken by a record bound to another document
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return "", err
		case s.queue.HasPending(doc.LocalID):
			// Deleted locally, its remote delete is queued
			return "skipped", nil
		case uuid.IsValid(doc.LocalID):
			return s.importDoc(ctx, doc.LocalID, doc)
		}
	}
	return s.importDoc(ctx, uuid.NewRecordID(), doc)
}

func (s *RecordService) importDoc(ctx context.Context, id string, doc remote.Document) (string, error) {
	r := models.NewRecord(id, models.Content{Fields: doc.Fields, Status: doc.Status})
	if doc.CreatedAt > 0 {
		r.CreatedAt = doc.CreatedAt
	}
	if doc.UpdatedAt > 0 {
		r.UpdatedAt = doc.UpdatedAt
	}
	r.RemoteID = doc.ID
	r.MarkSynced(models.NowMillis())
	if err := s.store.Put(ctx, r); err != nil {
		return "", err
	}
	return "imported", nil
}

// adopt binds a local record to a document its earlier create produced but
// whose id was never stored. Queued operations for the record then update
// that document instead of creating another.
func (s *RecordService) adopt(ctx context.Context, id string, doc remote.Document) (string, error) {
	_, err := s.store.Modify(ctx, id, func(r *models.Record) error {
		r.RemoteID = doc.ID
		if r.SyncState == models.SyncStatePending && r.Version == doc.Version && !s.queue.HasPending(id) {
			r.MarkSynced(models.NowMillis())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return "adopted", nil
}

func (s *RecordService) refresh(ctx context.Context, local *models.Record, doc remote.Document) (string, error) {
	c := conflict.Conflict{
		RecordID:   local.ID,
		RemoteID:   doc.ID,
		Local:      conflict.LocalSide(local),
		Remote:     conflict.Side{UpdatedAt: doc.UpdatedAt, Version: doc.Version},
		LocalDirty: conflict.IsDirty(local, s.queue.HasPending(local.ID)),
	}
	if d := s.resolver.Resolve(c); d.Resolution != conflict.ResolutionRemoteWins {
		if d.Concurrent {
			return "conflict", nil
		}
		return "skipped", nil
	}

	refreshed := false
	_, err := s.store.Modify(ctx, local.ID, func(r *models.Record) error {
		// Re-checked under the store's write lock
		if conflict.IsDirty(r, false) || doc.UpdatedAt <= r.UpdatedAt {
			return nil
		}
		r.Fields = doc.Fields
		r.Status = doc.Status
		r.UpdatedAt = doc.UpdatedAt
		r.Version++
		r.MarkSynced(models.NowMillis())
		refreshed = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !refreshed {
		return "skipped", nil
	}
	return "refreshed", nil
}
