// Package checkpoint persists the last applied stream position per
// (index, partition), the catalog of index definitions and the progress of
// unfinished backfills.
//
// Every backend enforces monotonicity itself: committing a position lower
// than the stored one is a silent no-op, so concurrent or replayed commits
// can never move a checkpoint backwards.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// Store records stream progress.
type Store interface {
	// Load returns the committed position, and false when none exists.
	Load(ctx context.Context, index, partition string) (model.Position, bool, error)
	// Commit durably records pos unless a higher position is already stored.
	Commit(ctx context.Context, index, partition string, pos model.Position) error
	// List returns every committed partition position of index.
	List(ctx context.Context, index string) (map[string]model.Position, error)
	// DeleteIndex removes all checkpoints of index.
	DeleteIndex(ctx context.Context, index string) error
	Close() error
}

// Catalog records index definitions so a restarted server can re-create them.
type Catalog interface {
	SaveDefinition(ctx context.Context, def model.IndexDefinition) error
	ListDefinitions(ctx context.Context) ([]model.IndexDefinition, error)
	DeleteDefinition(ctx context.Context, name string) error
}

// Backend is a Store that also holds the catalog and backfill progress.
type Backend interface {
	Store
	Catalog
	BackfillStore
}

// Open creates the backend selected by cfg.
func Open(ctx context.Context, cfg config.CheckpointConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "badger":
		return NewBadgerStore(BadgerOptions{Dir: cfg.Path})
	case "dynamodb":
		return NewDynamoStoreFromConfig(ctx, cfg)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown checkpoint backend %q", cfg.Backend), nil)
	}
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.CheckpointPersistError(op, err)
}

func encodeDefinition(def model.IndexDefinition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", def.Name, err)
	}
	return data, nil
}

func decodeDefinition(data []byte) (model.IndexDefinition, error) {
	var def model.IndexDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	return def, nil
}
