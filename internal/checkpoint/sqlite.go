package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// SQLiteStore is the default durable Backend: one row per (index, partition),
// one row per index definition and one per unfinished backfill, in a
// WAL-mode SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.ConfigError("checkpoint.path is required for the sqlite backend", nil)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: commits are serialized and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL", // checkpoints must survive power loss
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		index_name TEXT NOT NULL,
		partition  TEXT NOT NULL,
		position   INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (index_name, partition)
	);

	CREATE TABLE IF NOT EXISTS index_definitions (
		name       TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backfills (
		index_name TEXT PRIMARY KEY,
		progress   TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, index, partition string) (model.Position, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM checkpoints WHERE index_name = ? AND partition = ?`,
		index, partition).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistErr("load checkpoint", err)
	}
	return model.Position(pos), true, nil
}

// Commit upserts the row; the WHERE clause on the conflict branch keeps the
// stored position from decreasing.
func (s *SQLiteStore) Commit(ctx context.Context, index, partition string, pos model.Position) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (index_name, partition, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (index_name, partition) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at
		WHERE excluded.position > checkpoints.position`,
		index, partition, int64(pos), time.Now().UnixMilli())
	return persistErr("commit checkpoint", err)
}

func (s *SQLiteStore) List(ctx context.Context, index string) (map[string]model.Position, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition, position FROM checkpoints WHERE index_name = ?`, index)
	if err != nil {
		return nil, persistErr("list checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]model.Position)
	for rows.Next() {
		var part string
		var pos int64
		if err := rows.Scan(&part, &pos); err != nil {
			return nil, persistErr("list checkpoints", err)
		}
		out[part] = model.Position(pos)
	}
	return out, persistErr("list checkpoints", rows.Err())
}

func (s *SQLiteStore) DeleteIndex(ctx context.Context, index string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE index_name = ?`, index)
	return persistErr("delete checkpoints", err)
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def model.IndexDefinition) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO index_definitions (name, definition, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET definition = excluded.definition`,
		def.Name, string(data), time.Now().UnixMilli())
	return persistErr("save definition", err)
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]model.IndexDefinition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM index_definitions ORDER BY name`)
	if err != nil {
		return nil, persistErr("list definitions", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []model.IndexDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, persistErr("list definitions", err)
		}
		def, err := decodeDefinition([]byte(data))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, persistErr("list definitions", rows.Err())
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_definitions WHERE name = ?`, name)
	return persistErr("delete definition", err)
}

func (s *SQLiteStore) LoadBackfill(ctx context.Context, index string) (BackfillProgress, bool, error) {
	if err := s.checkOpen(); err != nil {
		return BackfillProgress{}, false, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT progress FROM backfills WHERE index_name = ?`, index).Scan(&data)
	if err == sql.ErrNoRows {
		return BackfillProgress{}, false, nil
	}
	if err != nil {
		return BackfillProgress{}, false, persistErr("load backfill progress", err)
	}
	p, err := decodeProgress([]byte(data))
	return p, err == nil, err
}

func (s *SQLiteStore) SaveBackfill(ctx context.Context, index string, p BackfillProgress) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodeProgress(index, p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backfills (index_name, progress, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (index_name) DO UPDATE
		SET progress = excluded.progress, updated_at = excluded.updated_at`,
		index, string(data), time.Now().UnixMilli())
	return persistErr("save backfill progress", err)
}

func (s *SQLiteStore) DeleteBackfill(ctx context.Context, index string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM backfills WHERE index_name = ?`, index)
	return persistErr("delete backfill progress", err)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Backend = (*SQLiteStore)(nil)
