package models

// SyncStats summarizes the sync state of every local record.
type SyncStats struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Error   int `json:"error"`
}

// DrainResult reports the outcome of one drain pass. Evicted counts the
// failed operations that used their last attempt and left the queue; it is
// a subset of Failed.
type DrainResult struct {
	Synced     int   `json:"synced"`
	Failed     int   `json:"failed"`
	Evicted    int   `json:"evicted"`
	Deferred   int   `json:"deferred"`
	Processed  int   `json:"processed"`
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// QueueStats is the polled view of the sync queue.
type QueueStats struct {
	PendingOperationCount int          `json:"pending_operation_count"`
	IsDraining            bool         `json:"is_draining"`
	LastDrain             *DrainResult `json:"last_drain,omitempty"`
}
