// Package db provides the local durable store: a SQLite database holding
// activity records and the persisted sync queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "actisync.db"

// DB wraps the sql.DB with ActiSync-specific configuration and supports a
// destructive reset that swaps the underlying connection.
type DB struct {
	mu     sync.RWMutex
	conn   *sql.DB
	path   string
	logger *logging.Logger

	// Prepared statement cache; dropped on Reset.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for reset warnings.
func WithLogger(logger *logging.Logger) Option {
	return func(d *DB) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Open opens the SQLite database in dataDir and brings its schema up to date.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single writer connection
//
// A database that fails its integrity check or carries an incompatible schema
// is reported as STORAGE_UNAVAILABLE wrapping ErrCorrupt; callers may Reset
// and retry.
func Open(ctx context.Context, dataDir string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.StorageUnavailable("create data directory", err)
	}

	d := newDB(dataDir, opts)
	conn, err := openConn(ctx, d.path)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return d, nil
}

// OpenOrReset opens the database and, if it is corrupt, wipes it and tries once more.
func OpenOrReset(ctx context.Context, dataDir string, opts ...Option) (*DB, error) {
	d, err := Open(ctx, dataDir, opts...)
	if err == nil {
		return d, nil
	}
	if !IsCorrupt(err) || ctx.Err() != nil {
		return nil, err
	}

	newDB(dataDir, opts).logger.Warn("Local store unusable, resetting", map[string]interface{}{
		"data_dir": dataDir,
		"error":    err.Error(),
	})
	if rmErr := removeFiles(filepath.Join(dataDir, FileName)); rmErr != nil {
		return nil, apperrors.StorageUnavailable("remove corrupt database", rmErr)
	}
	return Open(ctx, dataDir, opts...)
}

func newDB(dataDir string, opts []Option) *DB {
	d := &DB{path: filepath.Join(dataDir, FileName), logger: logging.Get()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func openConn(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.StorageUnavailable("open database", err)
	}

	// SQLite doesn't support multiple writers
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, storageError(fmt.Sprintf("configure database (%s)", p), err)
		}
	}

	var check string
	if err := conn.QueryRowContext(ctx, "PRAGMA quick_check;").Scan(&check); err != nil {
		_ = conn.Close()
		return nil, storageError("integrity check", err)
	}
	if check != "ok" {
		_ = conn.Close()
		return nil, corrupt("integrity check", fmt.Errorf("quick_check: %s", check))
	}

	migrator := NewEmbeddedMigrator(conn)
	if err := migrator.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, storageError("initialize migrations", err)
	}
	if err := migrator.Up(ctx); err != nil {
		_ = conn.Close()
		if isCanceled(err) {
			return nil, storageError("migrate schema", err)
		}
		return nil, corrupt("migrate schema",
			apperrors.Wrap(apperrors.ErrMigration, "schema migration failed", err))
	}
	return conn, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Conn returns the current connection. Do not hold on to it across a Reset.
func (d *DB) Conn() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn
}

// Ping checks the connection is usable.
func (d *DB) Ping(ctx context.Context) error {
	conn := d.Conn()
	if conn == nil {
		return apperrors.StorageUnavailable("ping", fmt.Errorf("database is closed"))
	}
	if err := conn.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// prepare gets or creates a prepared statement from the cache.
func (d *DB) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := d.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	conn := d.Conn()
	if conn == nil {
		return nil, fmt.Errorf("database is closed")
	}
	stmt, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := d.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (d *DB) dropStatements() {
	d.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		d.stmtCache.Delete(key)
		return true
	})
}

// Reset drops the database file and recreates an empty schema. Everything
// stored locally, including the persisted queue, is lost.
//
// A cancelled ctx leaves the store untouched. Once the files are removed the
// schema is recreated even if ctx is cancelled meanwhile.
func (d *DB) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "reset local store", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropStatements()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if err := removeFiles(d.path); err != nil {
		return apperrors.StorageUnavailable("remove database files", err)
	}

	conn, err := openConn(context.WithoutCancel(ctx), d.path)
	if err != nil {
		return err
	}
	d.conn = conn

	d.logger.Warn("Local store reset", map[string]interface{}{"path": d.path})
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropStatements()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
