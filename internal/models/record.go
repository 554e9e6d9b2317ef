// Package models provides data model definitions for the ActiSync core.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncState describes whether a record's current content is known to match
// the remote store.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending"
	SyncStateError   SyncState = "error"
)

// Valid reports whether s is one of the known sync states.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateSynced, SyncStatePending, SyncStateError:
		return true
	}
	return false
}

// Record is a user-visible activity record.
type Record struct {
	ID              string                 `db:"id" json:"id"`
	Fields          map[string]interface{} `db:"fields" json:"fields"`
	Status          string                 `db:"status" json:"status"`
	CreatedAt       int64                  `db:"created_at" json:"created_at"`
	UpdatedAt       int64                  `db:"updated_at" json:"updated_at"`
	Version         int64                  `db:"version" json:"version"`
	RemoteID        string                 `db:"remote_id" json:"remote_id,omitempty"`
	SyncState       SyncState              `db:"sync_state" json:"sync_state"`
	LastSyncAttempt *int64                 `db:"last_sync_attempt" json:"last_sync_attempt,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Content is the input for creating a record.
type Content struct {
	Fields map[string]interface{} `json:"fields"`
	Status string                 `json:"status"`
}

// Patch is a partial update. Keys in Fields are merged into the record's
// fields; a nil value removes the key. A nil Status leaves it unchanged.
type Patch struct {
	Fields map[string]interface{} `json:"fields,omitempty"`
	Status *string                `json:"status,omitempty"`
}

// Validate checks that the content carries something to store and that every
// field name is usable.
func (c Content) Validate() error {
	if len(c.Fields) == 0 && strings.TrimSpace(c.Status) == "" {
		return fmt.Errorf("content has no fields and no status")
	}
	return validateFieldNames(c.Fields)
}

// Validate checks the field names the patch touches. A status, when given,
// must not be blank.
func (p Patch) Validate() error {
	if p.Status != nil && strings.TrimSpace(*p.Status) == "" {
		return fmt.Errorf("status must not be blank")
	}
	return validateFieldNames(p.Fields)
}

func validateFieldNames(fields map[string]interface{}) error {
	for k := range fields {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("field name must not be blank")
		}
		if strings.ContainsFunc(k, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
			return fmt.Errorf("field name %q contains control characters", k)
		}
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Fields) == 0 && p.Status == nil
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewRecord builds a pending record from content.
func NewRecord(id string, c Content) *Record {
	now := NowMillis()
	return &Record{
		ID:        id,
		Fields:    cloneFields(c.Fields),
		Status:    c.Status,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		SyncState: SyncStatePending,
	}
}

// Apply merges p into the record and bumps its version.
func (r *Record) Apply(p Patch) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(p.Fields))
	}
	for k, v := range p.Fields {
		if v == nil {
			delete(r.Fields, k)
			continue
		}
		r.Fields[k] = v
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	r.Touch()
}

// Touch updates the UpdatedAt timestamp and content version.
func (r *Record) Touch() {
	now := NowMillis()
	if now <= r.UpdatedAt {
		now = r.UpdatedAt + 1
	}
	r.UpdatedAt = now
	r.Version++
}

// MarkSynced records a successful remote write of the current content.
func (r *Record) MarkSynced(at int64) {
	r.SyncState = SyncStateSynced
	r.LastSyncAttempt = &at
}

// MarkError records a permanent propagation failure.
func (r *Record) MarkError(at int64) {
	r.SyncState = SyncStateError
	r.LastSyncAttempt = &at
}

// Snapshot captures the content to propagate for this record.
func (r *Record) Snapshot() *Snapshot {
	return &Snapshot{
		Fields:    cloneFields(r.Fields),
		Status:    r.Status,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = cloneFields(r.Fields)
	if r.LastSyncAttempt != nil {
		at := *r.LastSyncAttempt
		c.LastSyncAttempt = &at
	}
	return &c
}

// FieldsJSON encodes the subject fields for storage.
func (r *Record) FieldsJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// Snapshot is the record content carried by a create or update operation.
type Snapshot struct {
	Fields    map[string]interface{} `json:"fields"`
	Status    string                 `json:"status"`
	Version   int64                  `json:"version"`
	CreatedAt int64                  `json:"created_at"`
	UpdatedAt int64                  `json:"updated_at"`
}

func cloneFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
