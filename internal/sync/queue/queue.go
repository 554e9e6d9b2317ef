// Package queue provides the sync queue: an ordered, durable list of remote
// operations waiting to be applied, and the drain pass that applies them.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/actisync/internal/db"
	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultOpDelay     = 100 * time.Millisecond

	lastErrorRemote = "remote write failed"
)

// Store persists the queue as a whole.
type Store interface {
	SaveQueue(ctx context.Context, ops []models.PendingOperation) error
	LoadQueue(ctx context.Context) ([]models.PendingOperation, error)
}

// Records is the slice of the local record store the queue needs.
type Records interface {
	Get(ctx context.Context, id string) (*models.Record, error)
	Modify(ctx context.Context, id string, fn func(r *models.Record) error) (*models.Record, error)
	QueryByField(ctx context.Context, field db.Field, value string) ([]*models.Record, error)
}

// Remote applies operations remotely. Implementations report failure
// through the boolean results and never return errors.
type Remote interface {
	Create(ctx context.Context, recordID string, s *models.Snapshot) (string, bool)
	Update(ctx context.Context, remoteID, recordID string, s *models.Snapshot) bool
	Delete(ctx context.Context, remoteID string) bool
}

// Connectivity reports the current online belief.
type Connectivity interface {
	Online() bool
}

// Config configures a Manager.
type Config struct {
	// MaxAttempts is the number of failed attempts after which an operation
	// is evicted and its record marked as error.
	MaxAttempts int

	// OpDelay is the pause between consecutive remote calls within a pass.
	OpDelay time.Duration

	// AutoDrain starts a pass in the background after every enqueue when
	// online and idle.
	AutoDrain bool

	Logger *logging.Logger
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		OpDelay:     DefaultOpDelay,
		AutoDrain:   true,
	}
}

// Manager owns the sync queue.
type Manager struct {
	store   Store
	records Records
	remote  Remote
	conn    Connectivity
	cfg     Config
	logger  *logging.Logger

	mu        sync.Mutex
	ops       []models.PendingOperation
	lastDrain *models.DrainResult

	// persistMu orders queue snapshots so an older one never overwrites a newer one.
	persistMu sync.Mutex

	draining atomic.Bool

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager. conn may be nil, meaning always online.
// Call Load before use to restore the persisted queue.
func NewManager(store Store, records Records, remote Remote, conn Connectivity, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.OpDelay < 0 {
		cfg.OpDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		records:   records,
		remote:    remote,
		conn:      conn,
		cfg:       cfg,
		logger:    cfg.Logger,
		observers: make(map[int]Observer),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Close cancels any background pass and waits for it to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) online() bool {
	return m.conn == nil || m.conn.Online()
}

// Load restores the last persisted queue. A corrupt snapshot is discarded:
// the queue restarts empty and RecoverPending rebuilds it from record state.
func (m *Manager) Load(ctx context.Context) error {
	ops, err := m.store.LoadQueue(ctx)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrQueueCorrupt) {
			return err
		}
		m.logger.WarnWithCode("Persisted queue is corrupt, starting empty", string(apperrors.ErrQueueCorrupt), err)
		ops = nil
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	m.ops = ops
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err != nil {
		m.save(ctx, snapshot)
	}
	m.notifyQueueChanged(len(snapshot))

	m.logger.Info("Sync queue loaded", map[string]interface{}{"operations": len(snapshot)})
	return nil
}

// RecoverPending enqueues an operation for every pending record that has
// none queued. It returns the number of operations enqueued.
func (m *Manager) RecoverPending(ctx context.Context) (int, error) {
	pending, err := m.records.QueryByField(ctx, db.FieldSyncState, string(models.SyncStatePending))
	if err != nil {
		return 0, err
	}
	return m.requeue(ctx, pending, "Recovered pending records")
}

// RequeueErrored gives records whose operations were evicted another full set
// of attempts. Their sync state goes back to pending.
func (m *Manager) RequeueErrored(ctx context.Context) (int, error) {
	errored, err := m.records.QueryByField(ctx, db.FieldSyncState, string(models.SyncStateError))
	if err != nil {
		return 0, err
	}

	reset := make([]*models.Record, 0, len(errored))
	for _, r := range errored {
		updated, err := m.records.Modify(ctx, r.ID, func(r *models.Record) error {
			r.SyncState = models.SyncStatePending
			return nil
		})
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		reset = append(reset, updated)
	}
	return m.requeue(ctx, reset, "Requeued errored records")
}

func (m *Manager) requeue(ctx context.Context, records []*models.Record, msg string) (int, error) {
	m.persistMu.Lock()

	m.mu.Lock()
	added := 0
	now := models.NowMillis()
	for _, r := range records {
		if m.hasPendingLocked(r.ID) {
			continue
		}
		op := models.PendingOperation{
			ID:         uuid.NewOperationID(),
			Kind:       models.OperationCreate,
			RecordID:   r.ID,
			Snapshot:   r.Snapshot(),
			EnqueuedAt: now,
		}
		if r.RemoteID != "" {
			op.Kind = models.OperationUpdate
			op.RemoteID = r.RemoteID
		}
		m.ops = append(m.ops, op)
		added++
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if added > 0 {
		m.save(ctx, snapshot)
		m.notifyQueueChanged(len(snapshot))
		m.logger.Info(msg, map[string]interface{}{"enqueued": added})
	}
	m.persistMu.Unlock()

	if added > 0 && m.cfg.AutoDrain {
		m.TryDrain(m.baseCtx)
	}
	return added, nil
}

// Enqueue appends op after reclassifying it: an update without a remote id
// becomes a create, and a delete without a remote id is dropped (nothing
// exists remotely), in which case Enqueue returns nil.
func (m *Manager) Enqueue(ctx context.Context, op models.PendingOperation) (*models.PendingOperation, error) {
	switch {
	case op.Kind == models.OperationUpdate && op.RemoteID == "":
		op.Kind = models.OperationCreate
	case op.Kind == models.OperationDelete && op.RemoteID == "":
		m.logger.Debug("Dropping delete for record never created remotely", map[string]interface{}{
			"record_id": op.RecordID,
		})
		return nil, nil
	}
	if op.ID == "" {
		op.ID = uuid.NewOperationID()
	}
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = models.NowMillis()
	}
	op.Attempts = 0
	op.LastError = ""
	if err := op.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid operation", err)
	}
	op = op.Clone()

	m.persistMu.Lock()
	m.mu.Lock()
	m.ops = append(m.ops, op)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.save(ctx, snapshot)
	m.persistMu.Unlock()

	m.notifyQueueChanged(len(snapshot))
	m.logger.Debug("Enqueued operation", map[string]interface{}{
		"op_id":     op.ID,
		"kind":      string(op.Kind),
		"record_id": op.RecordID,
		"queue_len": len(snapshot),
	})

	if m.cfg.AutoDrain {
		m.TryDrain(m.baseCtx)
	}

	out := op.Clone()
	return &out, nil
}

// CancelRecord removes queued operations for recordID. With no kinds given,
// every operation for the record is removed. It returns how many were removed.
func (m *Manager) CancelRecord(ctx context.Context, recordID string, kinds ...models.OperationKind) int {
	match := func(op models.PendingOperation) bool {
		if op.RecordID != recordID {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if op.Kind == k {
				return true
			}
		}
		return false
	}

	m.persistMu.Lock()
	m.mu.Lock()
	kept := m.ops[:0]
	removed := 0
	for _, op := range m.ops {
		if match(op) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	m.ops = kept
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if removed > 0 {
		m.save(ctx, snapshot)
	}
	m.persistMu.Unlock()

	if removed > 0 {
		m.notifyQueueChanged(len(snapshot))
	}
	return removed
}

// HasPending reports whether any operation for recordID is queued.
func (m *Manager) HasPending(recordID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPendingLocked(recordID)
}

func (m *Manager) hasPendingLocked(recordID string) bool {
	for _, op := range m.ops {
		if op.RecordID == recordID {
			return true
		}
	}
	return false
}

// Operations returns a copy of the queue in order.
func (m *Manager) Operations() []models.PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Len returns the number of queued operations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// IsDraining reports whether a pass is in flight.
func (m *Manager) IsDraining() bool {
	return m.draining.Load()
}

// Stats returns the polled view of the queue.
func (m *Manager) Stats() models.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.QueueStats{
		PendingOperationCount: len(m.ops),
		IsDraining:            m.draining.Load(),
	}
	if m.lastDrain != nil {
		last := *m.lastDrain
		stats.LastDrain = &last
	}
	return stats
}

func (m *Manager) snapshotLocked() []models.PendingOperation {
	out := make([]models.PendingOperation, len(m.ops))
	for i, op := range m.ops {
		out[i] = op.Clone()
	}
	return out
}

// save persists a queue snapshot. Callers hold persistMu. A failed save is
// logged, not returned: the in-memory queue stays authoritative and records
// left pending are re-enqueued by RecoverPending after a restart.
func (m *Manager) save(ctx context.Context, snapshot []models.PendingOperation) {
	if err := m.store.SaveQueue(ctx, snapshot); err != nil {
		m.logger.WarnWithCode("Failed to persist sync queue", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"operations": len(snapshot),
		})
	}
}

func (m *Manager) persist(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.save(ctx, snapshot)
}
