package db

import (
	"context"

	"github.com/kimhsiao/actisync/internal/models"
)

// RecordRepository defines operations for record persistence.
// This interface allows mocking for testing and follows the Interface Segregation Principle.
type RecordRepository interface {
	Put(ctx context.Context, r *models.Record) error
	Get(ctx context.Context, id string) (*models.Record, error)
	GetAll(ctx context.Context) ([]*models.Record, error)
	Delete(ctx context.Context, id string) error
	Modify(ctx context.Context, id string, fn func(r *models.Record) error) (*models.Record, error)
	Remove(ctx context.Context, id string) (*models.Record, error)
	QueryByField(ctx context.Context, field Field, value string) ([]*models.Record, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Record, error)
	Stats(ctx context.Context) (models.SyncStats, error)

	// Reset destroys all local data and recreates the schema.
	Reset(ctx context.Context) error
}

// QueueRepository defines persistence for the sync queue.
type QueueRepository interface {
	SaveQueue(ctx context.Context, ops []models.PendingOperation) error
	LoadQueue(ctx context.Context) ([]models.PendingOperation, error)
}

// Ensure the stores implement the interfaces at compile time.
var (
	_ RecordRepository = (*RecordStore)(nil)
	_ QueueRepository  = (*QueueStore)(nil)
)
