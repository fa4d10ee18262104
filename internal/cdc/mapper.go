// Package cdc normalizes raw change-stream records and scanned rows into
// model.ChangeEvent values for one index definition.
package cdc

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/source"
)

// Mapper turns source records into change events. It holds no state other
// than the index definition and is safe for concurrent use.
type Mapper struct {
	def model.IndexDefinition
}

// NewMapper creates a mapper for def.
func NewMapper(def model.IndexDefinition) *Mapper {
	return &Mapper{def: def}
}

// Map converts a stream record read from partition. A delete carries no
// vector and becomes a tombstone. An upsert whose vector column is null
// also becomes a tombstone since the row is no longer indexable.
func (m *Mapper) Map(partition string, rec source.Record) (model.ChangeEvent, error) {
	key, err := m.key(rec.Columns)
	if err != nil {
		return model.ChangeEvent{}, err
	}

	ev := model.ChangeEvent{
		Op:        rec.Op,
		Key:       key,
		Partition: partition,
		Position:  rec.Position,
		Timestamp: rec.Timestamp,
	}

	switch rec.Op {
	case model.OpDelete:
		return ev, nil
	case model.OpUpsert:
	default:
		return model.ChangeEvent{}, errors.SchemaMismatchError(fmt.Sprintf("index %s: unknown operation %d at %s/%d", m.def.Name, rec.Op, partition, rec.Position))
	}

	raw, ok := rec.Columns[m.def.VectorColumn]
	if !ok || raw == nil {
		ev.Op = model.OpDelete
		return ev, nil
	}

	vec, err := m.vector(raw)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	ev.Vector = vec
	ev.Metadata = m.metadata(rec.Columns)
	return ev, nil
}

// MapRow converts a scanned row into an upsert with a scan version. The
// version timestamp is the row write time, or fallback when the driver did
// not report one; it only orders scanned rows among themselves.
func (m *Mapper) MapRow(row source.Row, fallback time.Time) (model.ChangeEvent, error) {
	ts := row.WriteTime
	if ts.IsZero() {
		ts = fallback
	}
	ev, err := m.Map("", source.Record{
		Op:        model.OpUpsert,
		Columns:   row.Columns,
		Timestamp: ts,
	})
	if err != nil {
		return ev, err
	}
	ev.Scan = true
	return ev, nil
}

func (m *Mapper) key(cols map[string]any) (model.Key, error) {
	values := make([]any, len(m.def.KeyColumns))
	for i, col := range m.def.KeyColumns {
		v, ok := cols[col]
		if !ok || v == nil {
			return "", errors.SchemaMismatchError(fmt.Sprintf("index %s: missing key column %q", m.def.Name, col))
		}
		values[i] = v
	}
	key, err := EncodeKey(values...)
	if err != nil {
		return "", errors.SchemaMismatchError(fmt.Sprintf("index %s: %v", m.def.Name, err))
	}
	return key, nil
}

func (m *Mapper) vector(raw any) ([]float32, error) {
	var vec []float32
	switch v := raw.(type) {
	case []float32:
		vec = make([]float32, len(v))
		copy(vec, v)
	case []float64:
		vec = make([]float32, len(v))
		for i, f := range v {
			vec[i] = float32(f)
		}
	case []any:
		vec = make([]float32, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, errors.SchemaMismatchError(fmt.Sprintf("index %s: vector element %d has type %T", m.def.Name, i, x))
			}
			vec[i] = f
		}
	default:
		return nil, errors.SchemaMismatchError(fmt.Sprintf("index %s: column %q has type %T, want a vector", m.def.Name, m.def.VectorColumn, raw))
	}

	if len(vec) != m.def.Dimension {
		return nil, errors.SchemaMismatchError(fmt.Sprintf("index %s: vector dimension %d, want %d", m.def.Name, len(vec), m.def.Dimension))
	}
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, errors.SchemaMismatchError(fmt.Sprintf("index %s: vector element %d is not finite", m.def.Name, i))
		}
	}
	return vec, nil
}

func (m *Mapper) metadata(cols map[string]any) map[string]string {
	if len(m.def.MetadataColumns) == 0 {
		return nil
	}
	md := make(map[string]string, len(m.def.MetadataColumns))
	for _, col := range m.def.MetadataColumns {
		v, ok := cols[col]
		if !ok || v == nil {
			continue
		}
		md[col] = formatScalar(v)
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func toFloat(x any) (float32, bool) {
	switch n := x.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	case int:
		return float32(n), true
	case int64:
		return float32(n), true
	case int32:
		return float32(n), true
	default:
		return 0, false
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
