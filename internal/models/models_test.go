// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Record Tests
// =====================================================

func TestNewRecord(t *testing.T) {
	fields := map[string]interface{}{"studentName": "Ana", "subject": "Math", "activity": "Quiz"}
	r := NewRecord("id-1", Content{Fields: fields, Status: "pendiente"})

	assert.Equal(t, "id-1", r.ID)
	assert.Equal(t, SyncStatePending, r.SyncState)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	assert.Empty(t, r.RemoteID)
	assert.Nil(t, r.LastSyncAttempt)

	fields["studentName"] = "changed"
	assert.Equal(t, "Ana", r.Fields["studentName"], "record must not alias caller's map")
}

func TestRecordApply(t *testing.T) {
	r := NewRecord("id-1", Content{Fields: map[string]interface{}{"a": 1, "b": 2}, Status: "pendiente"})
	before := r.UpdatedAt

	status := "completada"
	r.Apply(Patch{Fields: map[string]interface{}{"a": 10, "b": nil, "c": "x"}, Status: &status})

	assert.Equal(t, 10, r.Fields["a"])
	assert.NotContains(t, r.Fields, "b")
	assert.Equal(t, "x", r.Fields["c"])
	assert.Equal(t, "completada", r.Status)
	assert.Equal(t, int64(2), r.Version)
	assert.Greater(t, r.UpdatedAt, before)
}

func TestRecordSnapshotIsDetached(t *testing.T) {
	r := NewRecord("id-1", Content{Fields: map[string]interface{}{"a": 1}})
	s := r.Snapshot()

	r.Apply(Patch{Fields: map[string]interface{}{"a": 2}})

	assert.Equal(t, 1, s.Fields["a"])
	assert.Equal(t, int64(1), s.Version)
}

func TestRecordCloneAndMarks(t *testing.T) {
	r := NewRecord("id-1", Content{})
	r.MarkSynced(100)
	c := r.Clone()
	*c.LastSyncAttempt = 200

	assert.Equal(t, int64(100), *r.LastSyncAttempt)
	assert.Equal(t, SyncStateSynced, r.SyncState)

	r.MarkError(300)
	assert.Equal(t, SyncStateError, r.SyncState)
	assert.Equal(t, int64(300), *r.LastSyncAttempt)
}

func TestSyncStateValid(t *testing.T) {
	assert.True(t, SyncStateSynced.Valid())
	assert.True(t, SyncStatePending.Valid())
	assert.True(t, SyncStateError.Valid())
	assert.False(t, SyncState("lost").Valid())
}

func TestPatchIsEmpty(t *testing.T) {
	assert.True(t, Patch{}.IsEmpty())
	s := "x"
	assert.False(t, Patch{Status: &s}.IsEmpty())
}

func TestContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{"fields and status", Content{Fields: map[string]interface{}{"studentName": "Ana"}, Status: "activa"}, false},
		{"status only", Content{Status: "activa"}, false},
		{"fields only", Content{Fields: map[string]interface{}{"subject": "Math"}}, false},
		{"empty", Content{}, true},
		{"blank status", Content{Status: "  "}, true},
		{"blank field name", Content{Fields: map[string]interface{}{" ": "x"}, Status: "activa"}, true},
		{"control character in name", Content{Fields: map[string]interface{}{"a\nb": "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPatchValidate(t *testing.T) {
	blank := ""
	done := "completada"

	assert.NoError(t, Patch{}.Validate())
	assert.NoError(t, Patch{Fields: map[string]interface{}{"activity": nil}, Status: &done}.Validate())
	assert.Error(t, Patch{Status: &blank}.Validate())
	assert.Error(t, Patch{Fields: map[string]interface{}{"": 1}}.Validate())
}

// =====================================================
// PendingOperation Tests
// =====================================================

func TestPendingOperationValidate(t *testing.T) {
	snap := &Snapshot{Version: 1}
	tests := []struct {
		name    string
		op      PendingOperation
		wantErr bool
	}{
		{"create", PendingOperation{Kind: OperationCreate, RecordID: "r", Snapshot: snap}, false},
		{"create without snapshot", PendingOperation{Kind: OperationCreate, RecordID: "r"}, true},
		{"update", PendingOperation{Kind: OperationUpdate, RecordID: "r", Snapshot: snap, RemoteID: "x"}, false},
		{"update without remote id", PendingOperation{Kind: OperationUpdate, RecordID: "r", Snapshot: snap}, true},
		{"delete", PendingOperation{Kind: OperationDelete, RecordID: "r", RemoteID: "x"}, false},
		{"delete without remote id", PendingOperation{Kind: OperationDelete, RecordID: "r"}, true},
		{"no record", PendingOperation{Kind: OperationDelete, RemoteID: "x"}, true},
		{"unknown kind", PendingOperation{Kind: "upsert", RecordID: "r"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueueRowConversion(t *testing.T) {
	op := &PendingOperation{
		ID:         "op-1",
		Kind:       OperationUpdate,
		RecordID:   "rec-1",
		RemoteID:   "r1",
		Snapshot:   &Snapshot{Fields: map[string]interface{}{"subject": "Math"}, Status: "completada", Version: 3},
		EnqueuedAt: 42,
		Attempts:   1,
		LastError:  "timeout",
	}

	row, err := op.ToRow(7)
	require.NoError(t, err)
	assert.Equal(t, 7, row.Position)
	assert.Equal(t, "update", row.Kind)

	back, err := FromRow(row)
	require.NoError(t, err)
	assert.Equal(t, op.ID, back.ID)
	assert.Equal(t, op.Kind, back.Kind)
	assert.Equal(t, op.Attempts, back.Attempts)
	assert.Equal(t, "Math", back.Snapshot.Fields["subject"])
	assert.Equal(t, int64(3), back.Snapshot.Version)
}

func TestFromRowRejectsCorruptRows(t *testing.T) {
	_, err := FromRow(&QueueRow{ID: "op", Kind: "create", RecordID: "rec", Snapshot: json.RawMessage(`{not json`)})
	assert.Error(t, err)

	_, err = FromRow(&QueueRow{ID: "op", Kind: "teleport", RecordID: "rec"})
	assert.Error(t, err)

	op, err := FromRow(&QueueRow{ID: "op", Kind: "delete", RecordID: "rec", RemoteID: "r9", Snapshot: json.RawMessage("null")})
	require.NoError(t, err)
	assert.Nil(t, op.Snapshot)
}

func TestPendingOperationClone(t *testing.T) {
	op := PendingOperation{Kind: OperationCreate, RecordID: "r", Snapshot: &Snapshot{Fields: map[string]interface{}{"a": 1}}}
	c := op.Clone()
	c.Snapshot.Fields["a"] = 2

	assert.Equal(t, 1, op.Snapshot.Fields["a"])
}
