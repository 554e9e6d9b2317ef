package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/services"
	"github.com/kimhsiao/actisync/internal/sync/scheduler"
)

// Syncer runs and reports on drain passes.
type Syncer interface {
	SyncNow(ctx context.Context) (models.DrainResult, error)
	GetStatus() scheduler.SchedulerStatus
}

// ConnectivitySetter accepts the presentation layer's connectivity signal.
type ConnectivitySetter interface {
	Online() bool
	SetOnline(online bool) bool
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	svc    *services.RecordService
	syncer Syncer
	conn   ConnectivitySetter
	logger *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc *services.RecordService, syncer Syncer, conn ConnectivitySetter, logger *logging.Logger) *SyncHandler {
	if logger == nil {
		logger = logging.Get()
	}
	return &SyncHandler{svc: svc, syncer: syncer, conn: conn, logger: logger}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/stats", h.GetStats)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/retry", h.RetryFailed)
	mux.HandleFunc("POST /api/reconcile", h.Reconcile)
	mux.HandleFunc("GET /api/connectivity", h.GetConnectivity)
	mux.HandleFunc("POST /api/connectivity", h.SetConnectivity)
}

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "actisync",
	})
}

// GetStats handles GET /api/stats
// Returns the record and queue statistics views.
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.SyncStats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": stats,
		"queue":   h.svc.QueueStats(),
	})
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncer.GetStatus())
}

// TriggerSync handles POST /api/sync
// Runs a drain pass and waits for its result.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncer.SyncNow(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /api/sync/retry
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// Reconcile handles POST /api/reconcile
func (h *SyncHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Reconcile(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetConnectivity handles GET /api/connectivity
func (h *SyncHandler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.conn.Online()})
}

// SetConnectivity handles POST /api/connectivity
// Body: {"online": true|false}
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if request.Online == nil {
		badRequest(w, "online is required")
		return
	}

	changed := h.conn.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  *request.Online,
		"changed": changed,
	})
}
