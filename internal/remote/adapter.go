package remote

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
)

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 10 * time.Second

// Connectivity reports whether the device currently believes it is online.
type Connectivity interface {
	Online() bool
}

// Recorder receives the outcome of every remote call.
type Recorder interface {
	ObserveRemoteCall(op Op, ok bool, elapsed time.Duration)
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Timeout  time.Duration
	Logger   *logging.Logger
	Recorder Recorder
}

// Adapter is the remote store as seen by the sync core. None of its methods
// return errors: failures are logged as REMOTE_WRITE_FAILED and reported as a
// false success flag.
type Adapter struct {
	backend  Backend
	conn     Connectivity
	timeout  time.Duration
	logger   *logging.Logger
	recorder Recorder
}

// NewAdapter wraps backend. conn may be nil, in which case the adapter always
// attempts the call.
func NewAdapter(backend Backend, conn Connectivity, cfg AdapterConfig) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	return &Adapter{
		backend:  backend,
		conn:     conn,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
}

// Create writes a new document for the local record and returns its remote id.
func (a *Adapter) Create(ctx context.Context, recordID string, s *models.Snapshot) (string, bool) {
	var remoteID string
	ok := a.call(ctx, OpCreate, map[string]interface{}{"record_id": recordID}, func(ctx context.Context) error {
		id, err := a.backend.Create(ctx, DocumentFromSnapshot(recordID, s))
		if err != nil {
			return err
		}
		if id == "" {
			return apperrors.New(apperrors.ErrRemoteWriteFailed, "backend returned an empty id")
		}
		remoteID = id
		return nil
	})
	if !ok {
		return "", false
	}
	return remoteID, true
}

// Update overwrites the document with the snapshot's content.
func (a *Adapter) Update(ctx context.Context, remoteID, recordID string, s *models.Snapshot) bool {
	doc := DocumentFromSnapshot(recordID, s)
	doc.ID = remoteID
	return a.call(ctx, OpUpdate, map[string]interface{}{"record_id": recordID, "remote_id": remoteID}, func(ctx context.Context) error {
		return a.backend.Update(ctx, remoteID, doc)
	})
}

// Delete removes the document.
func (a *Adapter) Delete(ctx context.Context, remoteID string) bool {
	return a.call(ctx, OpDelete, map[string]interface{}{"remote_id": remoteID}, func(ctx context.Context) error {
		return a.backend.Delete(ctx, remoteID)
	})
}

// ListAll returns every remote document.
func (a *Adapter) ListAll(ctx context.Context) ([]Document, bool) {
	var docs []Document
	ok := a.call(ctx, OpList, nil, func(ctx context.Context) error {
		var err error
		docs, err = a.backend.List(ctx)
		return err
	})
	if !ok {
		return nil, false
	}
	return docs, true
}

func (a *Adapter) call(ctx context.Context, op Op, fields map[string]interface{}, fn func(context.Context) error) bool {
	if a.conn != nil && !a.conn.Online() {
		a.logger.Debug("Skipping remote call while offline", map[string]interface{}{"op": string(op)})
		a.observe(op, false, 0)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	elapsed := time.Since(start)
	a.observe(op, err == nil, elapsed)

	if err != nil {
		logCtx := map[string]interface{}{
			"op":         string(op),
			"elapsed_ms": elapsed.Milliseconds(),
		}
		for k, v := range fields {
			logCtx[k] = v
		}
		a.logger.WarnWithCode("Remote call failed", string(apperrors.ErrRemoteWriteFailed), err, logCtx)
		return false
	}
	return true
}

func (a *Adapter) observe(op Op, ok bool, elapsed time.Duration) {
	if a.recorder != nil {
		a.recorder.ObserveRemoteCall(op, ok, elapsed)
	}
}
