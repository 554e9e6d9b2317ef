package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/actisync/internal/uuid"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS actisync_documents (
	id TEXT PRIMARY KEY,
	local_id TEXT NOT NULL DEFAULT '',
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	status TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// PostgresBackend stores documents in a PostgreSQL table with a jsonb body.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the documents table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	b := NewPostgresBackend(pool)
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend wraps an existing pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the documents table if needed.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// Create implements Backend.
func (b *PostgresBackend) Create(ctx context.Context, doc Document) (string, error) {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	id := uuid.New()
	_, err = b.pool.Exec(ctx, `
		INSERT INTO actisync_documents (id, local_id, fields, status, version, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)`,
		id, doc.LocalID, string(fields), doc.Status, doc.Version, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Update implements Backend.
func (b *PostgresBackend) Update(ctx context.Context, remoteID string, doc Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE actisync_documents
		SET fields = $2::jsonb, status = $3, version = $4, updated_at = $5,
			local_id = CASE WHEN $6 = '' THEN local_id ELSE $6 END
		WHERE id = $1`,
		remoteID, string(fields), doc.Status, doc.Version, doc.UpdatedAt, doc.LocalID)
	if err != nil {
		return fmt.Errorf("update document %s: %w", remoteID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// Delete implements Backend.
func (b *PostgresBackend) Delete(ctx context.Context, remoteID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM actisync_documents WHERE id = $1`, remoteID); err != nil {
		return fmt.Errorf("delete document %s: %w", remoteID, err)
	}
	return nil
}

// List implements Backend.
func (b *PostgresBackend) List(ctx context.Context) ([]Document, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, local_id, fields, status, version, created_at, updated_at
		FROM actisync_documents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var fields []byte
		if err := rows.Scan(&doc.ID, &doc.LocalID, &fields, &doc.Status, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(fields, &doc.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of document %s: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}
