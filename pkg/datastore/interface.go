// Package datastore persists the server's state snapshots.
package datastore

import (
	"context"
	"errors"
	"time"
)

var ErrSnapshotNameEmpty = errors.New("datastore: snapshot name must not be empty")

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	Name      string
	Size      int
	UpdatedAt time.Time
}

// SnapshotStore defines the persistence interface for named state snapshots.
// Each save replaces the previous snapshot of that name atomically: readers
// observe either the old or the new blob, never a mix. Implementations
// include the default SQLite store and an in-memory store for tests.
type SnapshotStore interface {
	// SaveSnapshot stores data under name, replacing any previous value.
	SaveSnapshot(ctx context.Context, name string, data []byte) error
	// LoadSnapshot returns the stored data, or nil and no error if absent.
	LoadSnapshot(ctx context.Context, name string) ([]byte, error)
	// ListSnapshots describes every stored snapshot, ordered by name.
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)
	Close() error
}
