// Package storage persists document states and operation logs behind a
// single adapter contract with memory, file, redis, mongo and badger
// implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otsync/common"
	"otsync/ot"
	"otsync/shared"
)

// ErrNotFound is returned by LoadDocument when no state is persisted
// under the requested id.
var ErrNotFound = errors.New("document not found")

// DocumentState is the persisted snapshot of a document.
type DocumentState struct {
	ID        common.DocumentID `json:"id"`
	Schema    shared.Schema     `json:"schema"`
	Version   common.Version    `json:"version"`
	Value     any               `json:"value"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store is the persistence contract used by the document authority.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveDocument writes the full document state, replacing any
	// previous state under the same id.
	SaveDocument(ctx context.Context, state *DocumentState) error

	// LoadDocument reads the state stored under id, or ErrNotFound.
	LoadDocument(ctx context.Context, id common.DocumentID) (*DocumentState, error)

	// SaveOperation appends an applied operation to the document's log.
	// The operation must carry its assigned applied version.
	SaveOperation(ctx context.Context, id common.DocumentID, op ot.Operation) error

	// LoadOperations returns the logged operations with applied version
	// greater than sinceVersion, ordered by applied version.
	LoadOperations(ctx context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error)

	// DeleteDocument removes the state and log for id. Deleting an
	// absent document is not an error.
	DeleteDocument(ctx context.Context, id common.DocumentID) error

	// ListDocuments returns the ids of all stored documents.
	ListDocuments(ctx context.Context) ([]common.DocumentID, error)

	// Close releases the adapter's resources.
	Close() error
}

// appliedVersion extracts the log position of an operation, rejecting
// operations the authority has not versioned yet.
func appliedVersion(op ot.Operation) (common.Version, error) {
	if op.AppliedVersion <= 0 {
		return 0, fmt.Errorf("operation %s has no applied version", op.ID)
	}
	return op.AppliedVersion, nil
}
