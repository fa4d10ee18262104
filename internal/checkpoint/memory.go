package checkpoint

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// MemoryStore is a non-durable Backend for tests and throwaway runs.
// FailCommits injects persistence failures.
type MemoryStore struct {
	mu          sync.Mutex
	positions   map[string]map[string]model.Position
	defs        map[string]model.IndexDefinition
	backfills   map[string]BackfillProgress
	failCommits int
	failErr     error
	commits     int
	closed      bool
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]map[string]model.Position),
		defs:      make(map[string]model.IndexDefinition),
		backfills: make(map[string]BackfillProgress),
	}
}

// FailCommits makes the next n commits fail with a CheckpointPersist error wrapping cause.
func (m *MemoryStore) FailCommits(n int, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommits = n
	m.failErr = cause
}

// Commits returns the number of successful Commit calls.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) Load(_ context.Context, index, partition string) (model.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, errors.ErrClosed
	}
	pos, ok := m.positions[index][partition]
	return pos, ok, nil
}

func (m *MemoryStore) Commit(_ context.Context, index, partition string, pos model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrClosed
	}
	if m.failCommits > 0 {
		m.failCommits--
		return persistErr("commit checkpoint", m.failErr)
	}
	parts, ok := m.positions[index]
	if !ok {
		parts = make(map[string]model.Position)
		m.positions[index] = parts
	}
	if cur, ok := parts[partition]; !ok || pos > cur {
		parts[partition] = pos
	}
	m.commits++
	return nil
}

func (m *MemoryStore) List(_ context.Context, index string) (map[string]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrClosed
	}
	out := maps.Clone(m.positions[index])
	if out == nil {
		out = make(map[string]model.Position)
	}
	return out, nil
}

func (m *MemoryStore) DeleteIndex(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, index)
	return nil
}

func (m *MemoryStore) SaveDefinition(_ context.Context, def model.IndexDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrClosed
	}
	m.defs[def.Name] = def
	return nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]model.IndexDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := slices.Sorted(maps.Keys(m.defs))
	out := make([]model.IndexDefinition, 0, len(names))
	for _, n := range names {
		out = append(out, m.defs[n])
	}
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, name)
	return nil
}

func (m *MemoryStore) LoadBackfill(_ context.Context, index string) (BackfillProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return BackfillProgress{}, false, errors.ErrClosed
	}
	p, ok := m.backfills[index]
	return p.Clone(), ok, nil
}

func (m *MemoryStore) SaveBackfill(_ context.Context, index string, p BackfillProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrClosed
	}
	m.backfills[index] = p.Clone()
	return nil
}

func (m *MemoryStore) DeleteBackfill(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backfills, index)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Backend = (*MemoryStore)(nil)
