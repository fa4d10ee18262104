package checkpoint

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// BadgerOptions configures the Badger backend.
type BadgerOptions struct {
	// Dir is the directory for Badger data files. Required unless InMemory.
	Dir string
	// InMemory runs Badger without disk persistence (tests).
	InMemory bool
	// Logger receives Badger warnings and errors. Defaults to slog.Default().
	Logger *slog.Logger
}

// BadgerStore keeps checkpoints in an embedded Badger database.
//
// Keys: "cp/<index>/<partition>" -> 8-byte big-endian position,
// "def/<name>" -> JSON definition, "bf/<index>" -> JSON backfill progress.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger backend.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.ConfigError("checkpoint.path is required for the badger backend", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{logger: logger}).
		WithSyncWrites(true)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func checkpointKey(index, partition string) []byte {
	return []byte("cp/" + index + "/" + partition)
}

func checkpointPrefix(index string) []byte {
	return []byte("cp/" + index + "/")
}

func definitionKey(name string) []byte {
	return []byte("def/" + name)
}

func backfillKey(index string) []byte {
	return []byte("bf/" + index)
}

func (b *BadgerStore) Load(_ context.Context, index, partition string) (model.Position, bool, error) {
	var pos model.Position
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(index, partition))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			pos = model.Position(binary.BigEndian.Uint64(val))
			found = true
			return nil
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistErr("load checkpoint", err)
	}
	return pos, found, nil
}

// Commit reads and writes in one transaction; Badger aborts it with
// ErrConflict if another commit to the same key raced, and the retry sees
// the winner's position.
func (b *BadgerStore) Commit(ctx context.Context, index, partition string, pos model.Position) error {
	key := checkpointKey(index, partition)
	for {
		err := b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case err == nil:
				var cur uint64
				if err := item.Value(func(val []byte) error {
					cur = binary.BigEndian.Uint64(val)
					return nil
				}); err != nil {
					return err
				}
				if uint64(pos) <= cur {
					return nil
				}
			case !stderrors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			return txn.Set(key, binary.BigEndian.AppendUint64(nil, uint64(pos)))
		})
		if stderrors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return persistErr("commit checkpoint", err)
	}
}

func (b *BadgerStore) List(_ context.Context, index string) (map[string]model.Position, error) {
	prefix := checkpointPrefix(index)
	out := make(map[string]model.Position)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			part := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := item.Value(func(val []byte) error {
				out[part] = model.Position(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list checkpoints", err)
	}
	return out, nil
}

func (b *BadgerStore) DeleteIndex(_ context.Context, index string) error {
	return persistErr("delete checkpoints", b.db.DropPrefix(checkpointPrefix(index)))
}

func (b *BadgerStore) SaveDefinition(_ context.Context, def model.IndexDefinition) error {
	data, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	return persistErr("save definition", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(definitionKey(def.Name), data)
	}))
}

func (b *BadgerStore) ListDefinitions(_ context.Context) ([]model.IndexDefinition, error) {
	prefix := []byte("def/")
	var defs []model.IndexDefinition
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			def, err := decodeDefinition(data)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list definitions", err)
	}
	return defs, nil
}

func (b *BadgerStore) DeleteDefinition(_ context.Context, name string) error {
	return persistErr("delete definition", b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(definitionKey(name))
	}))
}

func (b *BadgerStore) LoadBackfill(_ context.Context, index string) (BackfillProgress, bool, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(backfillKey(index))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return BackfillProgress{}, false, nil
	}
	if err != nil {
		return BackfillProgress{}, false, persistErr("load backfill progress", err)
	}
	p, err := decodeProgress(data)
	return p, err == nil, err
}

func (b *BadgerStore) SaveBackfill(_ context.Context, index string, p BackfillProgress) error {
	data, err := encodeProgress(index, p)
	if err != nil {
		return err
	}
	return persistErr("save backfill progress", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(backfillKey(index), data)
	}))
}

func (b *BadgerStore) DeleteBackfill(_ context.Context, index string) error {
	return persistErr("delete backfill progress", b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(backfillKey(index))
	}))
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

var _ Backend = (*BadgerStore)(nil)

// badgerLogger routes Badger's warnings and errors to slog and drops the rest.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.logger.Error("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.logger.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
