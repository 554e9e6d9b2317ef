// Package remote provides the remote document store the sync core pushes to.
//
// Backends are plain error-returning drivers. The Adapter wraps a Backend with
// the contract the rest of the core relies on: it never returns an error, only
// success indicators, and fails fast while the device is offline.
package remote

import (
	"context"
	"errors"

	"github.com/kimhsiao/actisync/internal/models"
)

// Op names a remote operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// ErrDocumentNotFound is returned by backends when an update targets a
// document that does not exist.
var ErrDocumentNotFound = errors.New("remote document not found")

// Document is a record as stored remotely.
type Document struct {
	ID        string                 `json:"id"`
	LocalID   string                 `json:"local_id,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
	Status    string                 `json:"status"`
	Version   int64                  `json:"version"`
	CreatedAt int64                  `json:"created_at"`
	UpdatedAt int64                  `json:"updated_at"`
}

// Backend is a remote document store driver.
type Backend interface {
	// Create stores a new document and returns the identifier it was assigned.
	Create(ctx context.Context, doc Document) (string, error)

	// Update replaces the content of an existing document.
	Update(ctx context.Context, remoteID string, doc Document) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, remoteID string) error

	// List returns every stored document.
	List(ctx context.Context) ([]Document, error)
}

// DocumentFromSnapshot builds the remote form of a record snapshot.
func DocumentFromSnapshot(localID string, s *models.Snapshot) Document {
	doc := Document{LocalID: localID, Fields: map[string]interface{}{}}
	if s == nil {
		return doc
	}
	for k, v := range s.Fields {
		doc.Fields[k] = v
	}
	doc.Status = s.Status
	doc.Version = s.Version
	doc.CreatedAt = s.CreatedAt
	doc.UpdatedAt = s.UpdatedAt
	return doc
}
