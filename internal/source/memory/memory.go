// Package memory is an in-process source driver: a set of tables, each with
// a row map and per-partition change logs. It backs tests and local runs and
// supports fault injection on reads and scans.
package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/cdc"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/source"
)

// DriverName is the name the driver registers under.
const DriverName = "memory"

// Default is the database behind the registered "memory" driver.
var Default = New()

func init() {
	source.Register(DriverName, Default.Open)
}

// DB is a set of named tables.
type DB struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// New creates an empty database.
func New() *DB {
	return &DB{tables: make(map[string]*Table)}
}

// CreateTable creates (or returns the existing) table.
func (db *DB) CreateTable(name string, keyColumns []string, partitions int) *Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[name]; ok {
		return t
	}
	t := newTable(keyColumns, partitions)
	db.tables[name] = t
	return t
}

// Table returns the named table, or nil.
func (db *DB) Table(name string) *Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tables[name]
}

// Open implements source.Opener. Missing tables are created from the
// "key_columns" (comma separated) and "partitions" options.
func (db *DB) Open(_ context.Context, table string, opts map[string]string) (source.Source, error) {
	if t := db.Table(table); t != nil {
		return t, nil
	}
	keys := strings.Split(opts["key_columns"], ",")
	if opts["key_columns"] == "" {
		return nil, fmt.Errorf("memory: table %q does not exist and no key_columns option was given", table)
	}
	parts := 1
	if p := opts["partitions"]; p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("memory: invalid partitions option %q", p)
		}
		parts = n
	}
	return db.CreateTable(table, keys, parts), nil
}

type row struct {
	cols      map[string]any
	writeTime time.Time
	token     uint64
}

type fault struct {
	remaining int
	err       error
}

// Table is an in-memory table. It implements source.Source.
type Table struct {
	keyColumns []string
	partitions []string

	mu     sync.Mutex
	rows   map[model.Key]row
	logs   map[string][]source.Record
	clock  time.Time
	reads  map[string]*fault
	scans  *fault
	closed bool
}

func newTable(keyColumns []string, partitions int) *Table {
	if partitions <= 0 {
		partitions = 1
	}
	t := &Table{
		keyColumns: slices.Clone(keyColumns),
		rows:       make(map[model.Key]row),
		logs:       make(map[string][]source.Record),
		reads:      make(map[string]*fault),
	}
	for i := 0; i < partitions; i++ {
		p := "p" + strconv.Itoa(i)
		t.partitions = append(t.partitions, p)
		t.logs[p] = nil
	}
	return t
}

// Put writes a row at the next clock tick and appends an upsert to the change log.
func (t *Table) Put(cols map[string]any) (model.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.OpUpsert, cols, t.tick())
}

// PutAt writes a row with an explicit write time.
func (t *Table) PutAt(ts time.Time, cols map[string]any) (model.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.OpUpsert, cols, ts)
}

// Delete removes a row and appends a delete to the change log.
func (t *Table) Delete(key map[string]any) (model.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.OpDelete, key, t.tick())
}

// DeleteAt removes a row with an explicit write time.
func (t *Table) DeleteAt(ts time.Time, key map[string]any) (model.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.OpDelete, key, ts)
}

// Append adds a raw record to a partition log without touching the rows.
// The record is assigned the next position. Tests use it to replay or
// reorder changes.
func (t *Table) Append(partition string, rec source.Record) (model.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	log, ok := t.logs[partition]
	if !ok {
		return 0, fmt.Errorf("memory: unknown partition %q", partition)
	}
	rec.Position = model.Position(len(log) + 1)
	rec.Columns = maps.Clone(rec.Columns)
	t.logs[partition] = append(log, rec)
	return rec.Position, nil
}

// PartitionOf returns the partition a key routes to.
func (t *Table) PartitionOf(cols map[string]any) (string, error) {
	key, err := t.key(cols)
	if err != nil {
		return "", err
	}
	return t.partitions[TokenOf(key)%uint64(len(t.partitions))], nil
}

// FailReads makes the next n reads of partition fail with err.
func (t *Table) FailReads(partition string, n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[partition] = &fault{remaining: n, err: err}
}

// FailScans makes the next n scans fail with err.
func (t *Table) FailScans(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans = &fault{remaining: n, err: err}
}

// Len returns the number of live rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

func (t *Table) tick() time.Time {
	now := time.Now()
	if !now.After(t.clock) {
		now = t.clock.Add(time.Microsecond)
	}
	t.clock = now
	return now
}

func (t *Table) key(cols map[string]any) (model.Key, error) {
	values := make([]any, len(t.keyColumns))
	for i, c := range t.keyColumns {
		v, ok := cols[c]
		if !ok {
			return "", fmt.Errorf("memory: missing key column %q", c)
		}
		values[i] = v
	}
	return cdc.EncodeKey(values...)
}

func (t *Table) write(op model.Op, cols map[string]any, ts time.Time) (model.Position, error) {
	if t.closed {
		return 0, source.ErrClosed
	}
	key, err := t.key(cols)
	if err != nil {
		return 0, err
	}
	token := TokenOf(key)
	partition := t.partitions[token%uint64(len(t.partitions))]

	switch op {
	case model.OpUpsert:
		merged := make(map[string]any)
		if prev, ok := t.rows[key]; ok {
			maps.Copy(merged, prev.cols)
		}
		maps.Copy(merged, cols)
		t.rows[key] = row{cols: merged, writeTime: ts, token: token}
	case model.OpDelete:
		delete(t.rows, key)
	}

	pos := model.Position(len(t.logs[partition]) + 1)
	t.logs[partition] = append(t.logs[partition], source.Record{
		Op:        op,
		Columns:   maps.Clone(cols),
		Position:  pos,
		Timestamp: ts,
	})
	return pos, nil
}

// TokenOf returns the scan token of key; Range.Contains tells which range
// holds the row.
func TokenOf(key model.Key) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// Partitions implements source.ChangeStream.
func (t *Table) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(t.partitions), nil
}

// Read implements source.ChangeStream.
func (t *Table) Read(ctx context.Context, partition string, after model.Position, limit int) (source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return source.Batch{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return source.Batch{}, source.ErrClosed
	}
	if f := t.reads[partition]; f != nil && f.remaining > 0 {
		f.remaining--
		return source.Batch{}, f.err
	}
	log, ok := t.logs[partition]
	if !ok {
		return source.Batch{}, fmt.Errorf("memory: unknown partition %q", partition)
	}

	head := model.Position(len(log))
	if after >= head {
		return source.Batch{Head: head}, nil
	}
	end := len(log)
	if limit > 0 && int(after)+limit < end {
		end = int(after) + limit
	}
	out := make([]source.Record, 0, end-int(after))
	for _, rec := range log[after:end] {
		rec.Columns = maps.Clone(rec.Columns)
		out = append(out, rec)
	}
	return source.Batch{Records: out, Head: head}, nil
}

// Head implements source.ChangeStream.
func (t *Table) Head(ctx context.Context, partition string) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	log, ok := t.logs[partition]
	if !ok {
		return 0, fmt.Errorf("memory: unknown partition %q", partition)
	}
	return model.Position(len(log)), nil
}

// Ranges implements source.RowScanner by splitting the 64-bit token space evenly.
func (t *Table) Ranges(ctx context.Context, n int) ([]source.Range, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	step := ^uint64(0)/uint64(n) + 1
	ranges := make([]source.Range, n)
	for i := range ranges {
		ranges[i] = source.Range{ID: i, Start: uint64(i) * step}
		if i < n-1 {
			ranges[i].End = uint64(i+1) * step
		}
	}
	return ranges, nil
}

// Scan implements source.RowScanner. Rows within a range are returned in key
// order; the page token is the hex of the last returned key.
func (t *Table) Scan(ctx context.Context, r source.Range, token string, limit int) (source.Page, error) {
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}
	after, err := hex.DecodeString(token)
	if err != nil {
		return source.Page{}, fmt.Errorf("memory: bad page token: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return source.Page{}, source.ErrClosed
	}
	if t.scans != nil && t.scans.remaining > 0 {
		t.scans.remaining--
		return source.Page{}, t.scans.err
	}

	keys := make([]model.Key, 0)
	for k, rw := range t.rows {
		if r.Contains(rw.token) && (token == "" || string(k) > string(after)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	page := source.Page{Done: true}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		page.Done = false
	}
	for _, k := range keys {
		rw := t.rows[k]
		page.Rows = append(page.Rows, source.Row{Columns: maps.Clone(rw.cols), WriteTime: rw.writeTime})
	}
	if len(keys) > 0 {
		page.Next = hex.EncodeToString([]byte(keys[len(keys)-1]))
	} else {
		page.Next = token
	}
	return page, nil
}

// Close implements source.Source. Tables are shared by every opener, so
// closing a handle leaves the table usable; see Shutdown.
func (t *Table) Close() error {
	return nil
}

// Shutdown makes every later operation fail with source.ErrClosed.
func (t *Table) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
