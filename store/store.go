// Package store persists session snapshots so a logged-in session can be
// carried across processes. Backends: in-memory with TTL eviction, Redis,
// and MongoDB. Snapshots hold cookies and handler configuration, so a sealed
// (encrypted) representation is available for backends shared with other
// tenants.
package store

import (
	"context"
	"errors"

	"github.com/dbosk/weblogin"
)

// ErrNotFound is returned when no snapshot exists under the given ID.
var ErrNotFound = errors.New("session snapshot not found")

// Store saves and loads session snapshots keyed by their ID.
type Store interface {
	Save(ctx context.Context, snap *weblogin.Snapshot) error
	Load(ctx context.Context, id string) (*weblogin.Snapshot, error)
	Delete(ctx context.Context, id string) error

	// List returns the IDs of every stored snapshot.
	List(ctx context.Context) ([]string, error)
}
