// Package blob abstracts the durable object store holding data files and the
// transaction log. Implementations must provide read-after-write consistency
// for individual objects; atomicity across objects is the transaction log's
// job, never the store's.
package blob

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object returned by List.
type ObjectInfo struct {
	Path     string
	Size     int64
	Modified time.Time
}

// Storage is the blob store interface shared by all table processes.
type Storage interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error

	// List returns objects whose path starts with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
