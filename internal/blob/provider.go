// Package blob defines the interface for checkpoint artifact storage.
// This abstraction keeps checkpoint management independent of a specific
// backend (Google Cloud Storage or the local filesystem).
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for objects that do not exist.
var ErrNotFound = errors.New("object not found")

// Provider defines the common interface for an artifact store. Object
// names are slash-separated keys relative to the store root.
type Provider interface {
	// Put writes data at the object name, replacing any existing object.
	Put(ctx context.Context, name string, data []byte) error
	// Get reads the object, returning ErrNotFound when absent.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the object names under a prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}
