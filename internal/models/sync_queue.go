package models

import (
	"encoding/json"
	"fmt"
)

// OperationKind is the remote effect a queued operation applies.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// PendingOperation is a queue entry referencing a local record.
type PendingOperation struct {
	ID         string        `json:"id"`
	Kind       OperationKind `json:"kind"`
	RecordID   string        `json:"record_id"`
	Snapshot   *Snapshot     `json:"snapshot,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	EnqueuedAt int64         `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
}

// Validate checks the structural invariants of an operation.
func (op *PendingOperation) Validate() error {
	if op.RecordID == "" {
		return fmt.Errorf("operation has no record id")
	}
	switch op.Kind {
	case OperationCreate:
		if op.Snapshot == nil {
			return fmt.Errorf("create operation for %s has no snapshot", op.RecordID)
		}
	case OperationUpdate:
		if op.Snapshot == nil {
			return fmt.Errorf("update operation for %s has no snapshot", op.RecordID)
		}
		if op.RemoteID == "" {
			return fmt.Errorf("update operation for %s has no remote id", op.RecordID)
		}
	case OperationDelete:
		if op.RemoteID == "" {
			return fmt.Errorf("delete operation for %s has no remote id", op.RecordID)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with op.
func (op PendingOperation) Clone() PendingOperation {
	if op.Snapshot != nil {
		s := *op.Snapshot
		s.Fields = cloneFields(op.Snapshot.Fields)
		op.Snapshot = &s
	}
	return op
}

// QueueRow is the persisted form of a PendingOperation.
type QueueRow struct {
	Position   int             `db:"position" json:"position"`
	ID         string          `db:"id" json:"id"`
	Kind       string          `db:"kind" json:"kind"`
	RecordID   string          `db:"record_id" json:"record_id"`
	RemoteID   string          `db:"remote_id" json:"remote_id"`
	Snapshot   json.RawMessage `db:"snapshot" json:"snapshot"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	Attempts   int             `db:"attempts" json:"attempts"`
	LastError  string          `db:"last_error" json:"last_error"`
}

// TableName returns the table name for QueueRow.
func (QueueRow) TableName() string {
	return "sync_queue"
}

// ToRow converts an operation to its persisted form.
func (op *PendingOperation) ToRow(position int) (*QueueRow, error) {
	var snapshot json.RawMessage
	if op.Snapshot != nil {
		data, err := json.Marshal(op.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapshot = data
	}
	return &QueueRow{
		Position:   position,
		ID:         op.ID,
		Kind:       string(op.Kind),
		RecordID:   op.RecordID,
		RemoteID:   op.RemoteID,
		Snapshot:   snapshot,
		EnqueuedAt: op.EnqueuedAt,
		Attempts:   op.Attempts,
		LastError:  op.LastError,
	}, nil
}

// FromRow rebuilds an operation from its persisted form.
func FromRow(row *QueueRow) (*PendingOperation, error) {
	op := &PendingOperation{
		ID:         row.ID,
		Kind:       OperationKind(row.Kind),
		RecordID:   row.RecordID,
		RemoteID:   row.RemoteID,
		EnqueuedAt: row.EnqueuedAt,
		Attempts:   row.Attempts,
		LastError:  row.LastError,
	}
	if len(row.Snapshot) > 0 && string(row.Snapshot) != "null" {
		var s Snapshot
		if err := json.Unmarshal(row.Snapshot, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", row.ID, err)
		}
		op.Snapshot = &s
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}
