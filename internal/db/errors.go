package db

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/actisync/internal/errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrCorrupt marks failures caused by a damaged database file or an
// incompatible schema. Only these justify wiping the local store.
var ErrCorrupt = errors.New("local store is corrupt")

// IsCorrupt reports whether err was caused by a corrupt local store.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// storageError classifies a failure of op against the database.
//
// Cancellation is passed through as INTERNAL_ERROR and keeps the context
// error in the chain. Corruption is STORAGE_UNAVAILABLE wrapping ErrCorrupt.
// Anything else, including a busy or locked database, is STORAGE_UNAVAILABLE.
func storageError(op string, err error) error {
	switch {
	case isCanceled(err):
		return apperrors.Wrap(apperrors.ErrInternal, op, err)
	case isCorruptCode(err):
		return corrupt(op, err)
	}
	return apperrors.StorageUnavailable(op, err)
}

func corrupt(op string, err error) error {
	return apperrors.StorageUnavailable(op, fmt.Errorf("%w: %w", ErrCorrupt, err))
}

func isCanceled(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return sqliteCode(err) == sqlite3.SQLITE_INTERRUPT
}

func isCorruptCode(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// sqliteCode returns the primary result code carried by err, or -1.
func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() & 0xff
	}
	return -1
}
