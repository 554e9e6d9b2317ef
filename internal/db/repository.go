package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Field names a secondary attribute that QueryByField can look up.
type Field string

const (
	FieldStatus    Field = "status"
	FieldSyncState Field = "sync_state"
	FieldRemoteID  Field = "remote_id"
)

const recordColumns = `id, fields, status, created_at, updated_at, version, remote_id, sync_state, last_sync_attempt`

// RecordStore provides the local durable store operations for records.
type RecordStore struct {
	db *DB

	// Serializes read-modify-write cycles (Modify, Remove).
	writeMu sync.Mutex
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Put inserts or overwrites a record keyed by its local identifier.
func (s *RecordStore) Put(ctx context.Context, r *models.Record) error {
	if r.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record has no id")
	}
	if !r.SyncState.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "record %s has invalid sync state %q", r.ID, r.SyncState)
	}
	fields, err := r.FieldsJSON()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode record fields", err)
	}

	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		fields = excluded.fields,
		status = excluded.status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		version = excluded.version,
		remote_id = excluded.remote_id,
		sync_state = excluded.sync_state,
		last_sync_attempt = excluded.last_sync_attempt
	`
	stmt, err := s.db.prepare(ctx, query)
	if err != nil {
		return storageError("put record", err)
	}
	_, err = stmt.ExecContext(ctx, r.ID, string(fields), r.Status, r.CreatedAt, r.UpdatedAt,
		r.Version, nullString(r.RemoteID), string(r.SyncState), nullInt64(r.LastSyncAttempt))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrInvalid,
				fmt.Sprintf("remote id %q already claimed by another record", r.RemoteID), err)
		}
		return storageError("put record", err)
	}
	return nil
}

// Get retrieves a record by local identifier.
func (s *RecordStore) Get(ctx context.Context, id string) (*models.Record, error) {
	stmt, err := s.db.prepare(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`)
	if err != nil {
		return nil, storageError("get record", err)
	}
	r, err := scanRecord(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("record", id)
	}
	if err != nil {
		return nil, storageError("get record", err)
	}
	return r, nil
}

// GetAll returns every record, newest first.
func (s *RecordStore) GetAll(ctx context.Context) ([]*models.Record, error) {
	return s.query(ctx, "list records", `SELECT `+recordColumns+` FROM records ORDER BY created_at DESC, id`)
}

// Modify applies fn to the stored record and writes it back. The
// read-modify-write cycle is serialized against other Modify and Remove
// calls, so concurrent writers never lose each other's changes. If fn
// returns an error nothing is written.
func (s *RecordStore) Modify(ctx context.Context, id string, fn func(r *models.Record) error) (*models.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.Put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Remove deletes a record and returns it as it was just before deletion.
func (s *RecordStore) Remove(ctx context.Context, id string) (*models.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Delete(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a record by local identifier.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	stmt, err := s.db.prepare(ctx, `DELETE FROM records WHERE id = ?`)
	if err != nil {
		return storageError("delete record", err)
	}
	res, err := stmt.ExecContext(ctx, id)
	if err != nil {
		return storageError("delete record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete record", err)
	}
	if n == 0 {
		return apperrors.NotFound("record", id)
	}
	return nil
}

// QueryByField returns records whose secondary attribute equals value,
// newest first.
func (s *RecordStore) QueryByField(ctx context.Context, field Field, value string) ([]*models.Record, error) {
	switch field {
	case FieldStatus, FieldSyncState, FieldRemoteID:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "field %q is not indexed", field)
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + string(field) + ` = ? ORDER BY created_at DESC, id`
	return s.query(ctx, "query records", query, value)
}

// FindByRemoteID returns the record claiming remoteID. At most one record
// may claim a given remote identifier.
func (s *RecordStore) FindByRemoteID(ctx context.Context, remoteID string) (*models.Record, error) {
	records, err := s.QueryByField(ctx, FieldRemoteID, remoteID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.NotFound("remote record", remoteID)
	}
	return records[0], nil
}

// Stats counts records per sync state.
func (s *RecordStore) Stats(ctx context.Context) (models.SyncStats, error) {
	var stats models.SyncStats

	stmt, err := s.db.prepare(ctx, `SELECT sync_state, COUNT(*) FROM records GROUP BY sync_state`)
	if err != nil {
		return stats, storageError("record stats", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return stats, storageError("record stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return stats, storageError("record stats", err)
		}
		stats.Total += n
		switch models.SyncState(state) {
		case models.SyncStateSynced:
			stats.Synced = n
		case models.SyncStatePending:
			stats.Pending = n
		case models.SyncStateError:
			stats.Error = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, storageError("record stats", err)
	}
	return stats, nil
}

// Reset wipes the local store and recreates its schema.
func (s *RecordStore) Reset(ctx context.Context) error {
	return s.db.Reset(ctx)
}

func (s *RecordStore) query(ctx context.Context, op, query string, args ...interface{}) ([]*models.Record, error) {
	stmt, err := s.db.prepare(ctx, query)
	if err != nil {
		return nil, storageError(op, err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	records := make([]*models.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		r               models.Record
		fields          string
		syncState       string
		remoteID        sql.NullString
		lastSyncAttempt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &fields, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.Version,
		&remoteID, &syncState, &lastSyncAttempt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("%w: decode fields of record %s: %w", ErrCorrupt, r.ID, err)
	}
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.SyncState = models.SyncState(syncState)
	if remoteID.Valid {
		r.RemoteID = remoteID.String
	}
	if lastSyncAttempt.Valid {
		at := lastSyncAttempt.Int64
		r.LastSyncAttempt = &at
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
