// Package source defines how vectorsync reads a table: a partitioned change
// stream for incremental updates and a paged row scan for backfill. Drivers
// register an Opener under a name and are selected by configuration.
package source

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// ErrClosed is returned by drivers after their table has been shut down.
var ErrClosed = errors.New(errors.ErrCodeClosed, "source closed", nil)

// Record is one raw change from a stream partition. Columns always carry the
// primary key columns; upserts also carry the vector and metadata columns.
type Record struct {
	Op        model.Op
	Columns   map[string]any
	Position  model.Position
	Timestamp time.Time
}

// Batch is the result of one stream read. Head is the partition's newest
// position at read time and may exceed the last record position.
type Batch struct {
	Records []Record
	Head    model.Position
}

// ChangeStream is a partitioned, ordered log of table changes.
type ChangeStream interface {
	// Partitions lists the stream partitions.
	Partitions(ctx context.Context) ([]string, error)
	// Read returns up to limit records with Position > after.
	Read(ctx context.Context, partition string, after model.Position, limit int) (Batch, error)
	// Head returns the newest position in the partition (0 when empty).
	Head(ctx context.Context, partition string) (model.Position, error)
}

// Range is a slice of the table's token space.
type Range struct {
	ID    int
	Start uint64
	End   uint64 // exclusive; 0 means the end of the space
}

// Contains reports whether token t falls in the range.
func (r Range) Contains(t uint64) bool {
	return t >= r.Start && (r.End == 0 || t < r.End)
}

// Row is a table row read by a scan. WriteTime is the source write time of the
// vector column and may be zero when the driver cannot report it.
type Row struct {
	Columns   map[string]any
	WriteTime time.Time
}

// Page is one page of a range scan. Next resumes the scan after this page.
type Page struct {
	Rows []Row
	Next string
	Done bool
}

// RowScanner reads a full table in token ranges.
type RowScanner interface {
	// Ranges splits the table into at most n scan ranges. The split must be
	// the same for the same n so a persisted scan can resume.
	Ranges(ctx context.Context, n int) ([]Range, error)
	// Scan reads up to limit rows of r starting after token ("" starts the
	// range). Tokens must stay valid across process restarts.
	Scan(ctx context.Context, r Range, token string, limit int) (Page, error)
}

// Source is an opened table.
type Source interface {
	ChangeStream
	RowScanner
	Close() error
}

// Opener opens the named table with driver specific options.
type Opener func(ctx context.Context, table string, opts map[string]string) (Source, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a driver available by name. It panics on duplicate or nil
// registration, like database/sql.
func Register(name string, opener Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if opener == nil {
		panic("source: Register opener is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("source: Register called twice for driver " + name)
	}
	drivers[name] = opener
}

// Open opens table through the named driver.
func Open(ctx context.Context, driver, table string, opts map[string]string) (Source, error) {
	driversMu.RLock()
	opener, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown driver %q (registered: %v)", driver, Drivers())
	}
	return opener(ctx, table, opts)
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
