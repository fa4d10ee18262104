package cdc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vectorsync/internal/model"
)

// Type tags keep values of different column types from colliding.
const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagTime
	tagUUID
)

// EncodeKey builds a model.Key from primary key column values. Integers are
// big-endian with the sign bit flipped so that they order numerically;
// variable-length values are length-prefixed so composite keys never collide.
func EncodeKey(values ...any) (model.Key, error) {
	buf := make([]byte, 0, 16*len(values))
	for i, v := range values {
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return "", fmt.Errorf("key column %d: %w", i, err)
		}
	}
	return model.Key(buf), nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int:
		return appendInt(buf, int64(x)), nil
	case int8:
		return appendInt(buf, int64(x)), nil
	case int16:
		return appendInt(buf, int64(x)), nil
	case int32:
		return appendInt(buf, int64(x)), nil
	case int64:
		return appendInt(buf, x), nil
	case uint32:
		return appendInt(buf, int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", x)
		}
		return appendInt(buf, int64(x)), nil
	case float32:
		return appendFloat(buf, float64(x)), nil
	case float64:
		return appendFloat(buf, x), nil
	case string:
		return appendBytes(buf, tagString, []byte(x)), nil
	case []byte:
		return appendBytes(buf, tagBytes, x), nil
	case time.Time:
		buf = append(buf, tagTime)
		return binary.BigEndian.AppendUint64(buf, uint64(x.UnixMicro())^(1<<63)), nil
	case uuid.UUID:
		buf = append(buf, tagUUID)
		return append(buf, x[:]...), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	buf = append(buf, tagInt)
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func appendFloat(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf = append(buf, tagFloat)
	return binary.BigEndian.AppendUint64(buf, bits)
}

func appendBytes(buf []byte, tag byte, b []byte) []byte {
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}
