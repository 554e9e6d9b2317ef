package queue

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/uuid"
)

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDropped
	outcomeInterrupted
)

// Drain runs one pass over the operations queued when it starts. Only one
// pass runs at a time: a concurrent call returns DRAIN_IN_PROGRESS and
// changes nothing.
func (m *Manager) Drain(ctx context.Context) (models.DrainResult, error) {
	if !m.draining.CompareAndSwap(false, true) {
		return models.DrainResult{}, apperrors.New(apperrors.ErrDrainInProgress, "a drain pass is already running")
	}
	defer m.draining.Store(false)
	return m.runPass(ctx)
}

// TryDrain starts a pass in the background when online, idle and there is
// work queued. It reports whether a pass was started.
func (m *Manager) TryDrain(ctx context.Context) bool {
	if !m.online() || m.Len() == 0 {
		return false
	}
	if m.baseCtx.Err() != nil {
		return false
	}
	if !m.draining.CompareAndSwap(false, true) {
		return false
	}

	passCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.baseCtx, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer stop()
		defer m.draining.Store(false)

		if _, err := m.runPass(passCtx); err != nil {
			m.logger.Error("Background drain failed", err)
		}
	}()
	return true
}

func (m *Manager) runPass(ctx context.Context) (models.DrainResult, error) {
	result := models.DrainResult{StartedAt: models.NowMillis()}
	pass := m.Operations()
	m.notifyStarted(len(pass))

	m.logger.Info("Drain started", map[string]interface{}{"operations": len(pass)})

	// Records with a failed operation in this pass: their later operations
	// wait for the next pass so they are never applied out of order.
	blocked := make(map[string]bool)
	var passErr error
	dispatched := 0

loop:
	for i := range pass {
		op := pass[i]

		if ctx.Err() != nil {
			break
		}
		if !m.online() {
			m.logger.Info("Went offline, stopping drain", map[string]interface{}{
				"remaining": len(pass) - i,
			})
			break
		}
		if blocked[op.RecordID] {
			result.Deferred++
			continue
		}
		if !m.contains(op.ID) {
			// Cancelled while the pass was running
			continue
		}

		if dispatched > 0 && m.cfg.OpDelay > 0 {
			select {
			case <-ctx.Done():
				break loop
			case <-time.After(m.cfg.OpDelay):
			}
		}
		dispatched++

		out, err := m.apply(ctx, op)
		if err != nil {
			passErr = err
			m.logger.Error("Drain stopped by local store failure", err, map[string]interface{}{
				"op_id":     op.ID,
				"record_id": op.RecordID,
			})
			break
		}

		switch out {
		case outcomeSynced:
			result.Processed++
			result.Synced++
			m.remove(op.ID)
		case outcomeDropped:
			m.remove(op.ID)
		case outcomeInterrupted:
			break loop
		case outcomeFailed:
			result.Processed++
			blocked[op.RecordID] = true
			evicted, err := m.recordFailure(ctx, op)
			if err != nil {
				passErr = err
				break loop
			}
			result.Failed++
			if evicted {
				result.Evicted++
			}
		}
	}

	m.persist(context.WithoutCancel(ctx))
	result.FinishedAt = models.NowMillis()

	m.mu.Lock()
	last := result
	m.lastDrain = &last
	remaining := len(m.ops)
	m.mu.Unlock()

	m.notifyQueueChanged(remaining)
	m.notifyFinished(result)

	m.logger.Info("Drain finished", map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"evicted":   result.Evicted,
		"deferred":  result.Deferred,
		"remaining": remaining,
	})
	return result, passErr
}

// apply performs one operation remotely and reflects a success locally.
// A non-nil error means the local store failed and the pass must stop.
func (m *Manager) apply(ctx context.Context, op models.PendingOperation) (outcome, error) {
	switch op.Kind {
	case models.OperationCreate:
		return m.applyCreate(ctx, op)
	case models.OperationUpdate:
		return m.applyUpdate(ctx, op)
	case models.OperationDelete:
		if m.remote.Delete(ctx, op.RemoteID) {
			return outcomeSynced, nil
		}
		return m.failureOutcome(), nil
	}
	return outcomeDropped, nil
}

func (m *Manager) applyCreate(ctx context.Context, op models.PendingOperation) (outcome, error) {
	rec, err := m.records.Get(ctx, op.RecordID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return outcomeDropped, nil
	}
	if err != nil {
		return outcomeFailed, err
	}

	// An earlier create for this record already succeeded (a replay after a
	// crash, or an update queued before the remote id was known): update the
	// existing document instead of minting a second one.
	if rec.RemoteID != "" {
		op.RemoteID = rec.RemoteID
		return m.applyUpdate(ctx, op)
	}

	remoteID, ok := m.remote.Create(ctx, op.RecordID, op.Snapshot)
	if !ok {
		return m.failureOutcome(), nil
	}

	now := models.NowMillis()
	_, err = m.records.Modify(ctx, op.RecordID, func(r *models.Record) error {
		r.RemoteID = remoteID
		if r.Version == op.Snapshot.Version {
			r.MarkSynced(now)
		}
		return nil
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// Deleted locally while the create was in flight: remove the document
		// we just made.
		m.appendCompensatingDelete(op.RecordID, remoteID)
		return outcomeSynced, nil
	}
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeSynced, nil
}

func (m *Manager) applyUpdate(ctx context.Context, op models.PendingOperation) (outcome, error) {
	if _, err := m.records.Get(ctx, op.RecordID); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// The record's delete is queued behind this update
			return outcomeDropped, nil
		}
		return outcomeFailed, err
	}

	if !m.remote.Update(ctx, op.RemoteID, op.RecordID, op.Snapshot) {
		return m.failureOutcome(), nil
	}

	now := models.NowMillis()
	_, err := m.records.Modify(ctx, op.RecordID, func(r *models.Record) error {
		if r.Version == op.Snapshot.Version {
			r.MarkSynced(now)
		}
		return nil
	})
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return outcomeFailed, err
	}
	return outcomeSynced, nil
}

// failureOutcome classifies a failed remote call. A call that failed because
// the device went offline does not consume an attempt.
func (m *Manager) failureOutcome() outcome {
	if !m.online() {
		return outcomeInterrupted
	}
	return outcomeFailed
}

// recordFailure counts a failed attempt against the live operation and
// evicts it once MaxAttempts is reached, marking its record as error.
func (m *Manager) recordFailure(ctx context.Context, op models.PendingOperation) (bool, error) {
	m.mu.Lock()
	idx := m.indexLocked(op.ID)
	if idx < 0 {
		m.mu.Unlock()
		return false, nil
	}
	live := &m.ops[idx]
	live.Attempts++
	live.LastError = lastErrorRemote
	attempts := live.Attempts
	evicted := attempts >= m.cfg.MaxAttempts
	if evicted {
		m.ops = append(m.ops[:idx], m.ops[idx+1:]...)
	}
	m.mu.Unlock()

	if !evicted {
		m.logger.Warn("Operation failed, will retry", map[string]interface{}{
			"op_id":     op.ID,
			"kind":      string(op.Kind),
			"record_id": op.RecordID,
			"attempts":  attempts,
		})
		return false, nil
	}

	m.logger.ErrorWithCode("Operation evicted after max attempts", string(apperrors.ErrMaxRetriesExceeded), nil, map[string]interface{}{
		"op_id":     op.ID,
		"kind":      string(op.Kind),
		"record_id": op.RecordID,
		"attempts":  attempts,
	})

	if op.Kind == models.OperationDelete {
		return true, nil
	}
	now := models.NowMillis()
	_, err := m.records.Modify(ctx, op.RecordID, func(r *models.Record) error {
		r.MarkError(now)
		return nil
	})
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return true, err
	}
	return true, nil
}

func (m *Manager) appendCompensatingDelete(recordID, remoteID string) {
	m.mu.Lock()
	m.ops = append(m.ops, models.PendingOperation{
		ID:         uuid.NewOperationID(),
		Kind:       models.OperationDelete,
		RecordID:   recordID,
		RemoteID:   remoteID,
		EnqueuedAt: models.NowMillis(),
	})
	m.mu.Unlock()

	m.logger.Info("Record deleted during create, queued remote delete", map[string]interface{}{
		"record_id": recordID,
		"remote_id": remoteID,
	})
}

func (m *Manager) contains(opID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(opID) >= 0
}

func (m *Manager) remove(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(opID); idx >= 0 {
		m.ops = append(m.ops[:idx], m.ops[idx+1:]...)
	}
}

func (m *Manager) indexLocked(opID string) int {
	for i := range m.ops {
		if m.ops[i].ID == opID {
			return i
		}
	}
	return -1
}
