package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/errors"
)

// ErrNotFound is returned when a blob does not exist. It maps to
// os.ErrNotExist so errors.Is works for every backend.
var ErrNotFound = os.ErrNotExist

// BlobStore holds archive objects.
type BlobStore interface {
	// Put writes a whole object. Readers never observe a partial object.
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// OpenBlobStore creates the backend selected by cfg.
func OpenBlobStore(ctx context.Context, cfg config.ArchiveConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.Path == "" {
			return nil, errors.ConfigError("archive.path is required for the local backend", nil)
		}
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	case "minio":
		return NewMinioStoreFromConfig(cfg)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown archive backend %q", cfg.Backend), nil)
	}
}
