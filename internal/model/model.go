// Package model defines the data types shared by the sync engine: index
// definitions, primary keys, versions, change events and vector records.
package model

import (
	"cmp"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Key is an opaque primary key. Keys order bytewise, which is also how Go
// compares strings, so a Key can be used directly for deterministic ordering.
type Key string

// String renders the key as hex for logs and diagnostics.
func (k Key) String() string {
	return hex.EncodeToString([]byte(k))
}

// MarshalJSON encodes the key as a hex string; raw key bytes are not valid
// UTF-8 in general.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a hex string produced by MarshalJSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key %q: %w", s, err)
	}
	*k = Key(b)
	return nil
}

// Position is a monotonically increasing offset within one stream partition.
type Position uint64

// Version orders writes to the same key. A key lives in exactly one stream
// partition, so streamed events compare by Position, the source order, and
// Timestamp (source write time in microseconds) only breaks ties or orders
// versions from different partitions.
//
// Scan marks rows read by a backfill. Consumers only apply events past the
// scan's watermark, so every streamed version supersedes every scanned one
// whatever their timestamps say.
type Version struct {
	Scan      bool     `json:"scan,omitempty" msgpack:"scan,omitempty"`
	Partition string   `json:"part,omitempty" msgpack:"part,omitempty"`
	Position  Position `json:"pos" msgpack:"pos"`
	Timestamp int64    `json:"ts" msgpack:"ts"`
}

// Compare returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	if v.Scan != o.Scan {
		if v.Scan {
			return -1
		}
		return 1
	}
	if v.Partition == o.Partition {
		if c := cmp.Compare(v.Position, o.Position); c != 0 {
			return c
		}
		return cmp.Compare(v.Timestamp, o.Timestamp)
	}
	if c := cmp.Compare(v.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Position, o.Position); c != 0 {
		return c
	}
	return strings.Compare(v.Partition, o.Partition)
}

// Newer reports whether v strictly supersedes o.
func (v Version) Newer(o Version) bool {
	return v.Compare(o) > 0
}

// StreamVersion is the version of an event read from partition at pos.
func StreamVersion(partition string, pos Position, ts time.Time) Version {
	return Version{Partition: partition, Position: pos, Timestamp: micros(ts)}
}

// ScanVersion is the version of a row read by a backfill scan.
func ScanVersion(ts time.Time) Version {
	return Version{Scan: true, Timestamp: micros(ts)}
}

func micros(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMicro()
}

// Op is the kind of change carried by a ChangeEvent.
type Op uint8

const (
	OpUpsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is a normalized change for one primary key. Scan is set for
// rows produced by a backfill rather than read from a stream partition.
type ChangeEvent struct {
	Op        Op
	Key       Key
	Vector    []float32
	Metadata  map[string]string
	Partition string
	Position  Position
	Timestamp time.Time
	Scan      bool
}

// Version returns the LWW version of the event.
func (e ChangeEvent) Version() Version {
	if e.Scan {
		return ScanVersion(e.Timestamp)
	}
	return StreamVersion(e.Partition, e.Position, e.Timestamp)
}

// Mutation converts the event into an index mutation.
func (e ChangeEvent) Mutation() Mutation {
	return Mutation{
		Op:       e.Op,
		Key:      e.Key,
		Vector:   e.Vector,
		Metadata: e.Metadata,
		Version:  e.Version(),
	}
}

// Mutation is a single upsert or tombstone applied to an index core.
type Mutation struct {
	Op       Op
	Key      Key
	Vector   []float32
	Metadata map[string]string
	Version  Version
}

// Record returns the record an upsert produces. The vector is copied so the
// record stays immutable once shared between readers.
func (m Mutation) Record() *VectorRecord {
	vec := make([]float32, len(m.Vector))
	copy(vec, m.Vector)
	return &VectorRecord{Key: m.Key, Vector: vec, Metadata: m.Metadata, Version: m.Version}
}

// VectorRecord is the live state of one key in an index.
type VectorRecord struct {
	Key      Key               `msgpack:"k"`
	Vector   []float32         `msgpack:"v"`
	Metadata map[string]string `msgpack:"m,omitempty"`
	Version  Version           `msgpack:"ver"`
}

// Metric is the distance function of an index.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// Valid reports whether m is a supported metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricDot:
		return true
	default:
		return false
	}
}

// Params are the ANN construction parameters.
type Params struct {
	// Connectivity is the HNSW M parameter (max neighbors per node).
	Connectivity int `yaml:"connectivity" json:"connectivity"`
	// ExpansionAdd is the build-time candidate list size.
	ExpansionAdd int `yaml:"expansion_add" json:"expansion_add"`
	// ExpansionSearch is the query-time candidate list size.
	ExpansionSearch int `yaml:"expansion_search" json:"expansion_search"`
}

// DefaultParams returns the ANN defaults used when a definition leaves them unset.
func DefaultParams() Params {
	return Params{
		Connectivity:    16,
		ExpansionAdd:    128,
		ExpansionSearch: 64,
	}
}

// IndexDefinition describes one vector index over a table. It is immutable
// once the index is created.
type IndexDefinition struct {
	Name            string   `yaml:"name" json:"name"`
	Table           string   `yaml:"table" json:"table"`
	KeyColumns      []string `yaml:"key_columns" json:"key_columns"`
	VectorColumn    string   `yaml:"vector_column" json:"vector_column"`
	MetadataColumns []string `yaml:"metadata_columns,omitempty" json:"metadata_columns,omitempty"`
	Dimension       int      `yaml:"dimension" json:"dimension"`
	Metric          Metric   `yaml:"metric" json:"metric"`
	Params          Params   `yaml:"params" json:"params"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// WithDefaults fills unset optional fields.
func (d IndexDefinition) WithDefaults() IndexDefinition {
	def := DefaultParams()
	if d.Metric == "" {
		d.Metric = MetricCosine
	}
	if d.Params.Connectivity == 0 {
		d.Params.Connectivity = def.Connectivity
	}
	if d.Params.ExpansionAdd == 0 {
		d.Params.ExpansionAdd = def.ExpansionAdd
	}
	if d.Params.ExpansionSearch == 0 {
		d.Params.ExpansionSearch = def.ExpansionSearch
	}
	return d
}

// Validate checks the definition for structural errors.
func (d IndexDefinition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid index name %q", d.Name)
	}
	if d.Table == "" {
		return fmt.Errorf("index %s: table is required", d.Name)
	}
	if d.VectorColumn == "" {
		return fmt.Errorf("index %s: vector column is required", d.Name)
	}
	if len(d.KeyColumns) == 0 {
		return fmt.Errorf("index %s: at least one key column is required", d.Name)
	}
	if d.Dimension <= 0 {
		return fmt.Errorf("index %s: dimension must be positive, got %d", d.Name, d.Dimension)
	}
	if !d.Metric.Valid() {
		return fmt.Errorf("index %s: unsupported metric %q", d.Name, d.Metric)
	}
	if d.Params.Connectivity < 2 {
		return fmt.Errorf("index %s: connectivity must be >= 2", d.Name)
	}
	if d.Params.ExpansionSearch <= 0 || d.Params.ExpansionAdd <= 0 {
		return fmt.Errorf("index %s: expansion parameters must be positive", d.Name)
	}
	return nil
}

// Equal reports whether two definitions describe the same index.
func (d IndexDefinition) Equal(o IndexDefinition) bool {
	if d.Name != o.Name || d.Table != o.Table || d.VectorColumn != o.VectorColumn ||
		d.Dimension != o.Dimension || d.Metric != o.Metric || d.Params != o.Params {
		return false
	}
	return slices.Equal(d.KeyColumns, o.KeyColumns) && slices.Equal(d.MetadataColumns, o.MetadataColumns)
}
