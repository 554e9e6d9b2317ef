package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/services"
	"github.com/kimhsiao/actisync/internal/uuid"
)

// RecordHandler handles record operations.
type RecordHandler struct {
	svc    *services.RecordService
	logger *logging.Logger
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(svc *services.RecordService, logger *logging.Logger) *RecordHandler {
	if logger == nil {
		logger = logging.Get()
	}
	return &RecordHandler{svc: svc, logger: logger}
}

// Register mounts the record routes on mux.
func (h *RecordHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/records", h.ListRecords)
	mux.HandleFunc("POST /api/records", h.CreateRecord)
	mux.HandleFunc("GET /api/records/{id}", h.GetRecord)
	mux.HandleFunc("PATCH /api/records/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/records/{id}", h.DeleteRecord)
}

// ListRecords handles GET /api/records
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.ListRecords(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// CreateRecord handles POST /api/records
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var request models.Content
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	rec, err := h.svc.CreateRecord(r.Context(), request)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/records/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PATCH /api/records/{id}
func (h *RecordHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var request models.Patch
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	rec, err := h.svc.UpdateRecord(r.Context(), id, request)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/records/{id}
func (h *RecordHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func recordID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := uuid.ValidateRecordID(id); err != nil {
		badRequest(w, err.Error())
		return "", false
	}
	return id, true
}
