// Package archive saves and restores point-in-time copies of an index so a
// restarted server can skip the backfill.
//
// An archive is a msgpack document compressed with zstd. It carries the live
// records, the tombstones and the committed stream position of every
// partition at the moment it was taken. It is only usable when those
// positions still equal the stored checkpoints. An archive of an index whose
// backfill was interrupted also carries the backfill progress it reflects,
// and is only usable while the stored progress is the same.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

const formatVersion = 2

var magic = [4]byte{'V', 'S', 'A', formatVersion}

// Snapshot is the archived state of one index.
type Snapshot struct {
	Definition model.IndexDefinition     `msgpack:"def"`
	Positions  map[string]model.Position `msgpack:"pos"`
	Records    []model.VectorRecord      `msgpack:"rec"`
	Tombstones []index.Tombstone         `msgpack:"tomb"`
	CreatedAt  time.Time                 `msgpack:"at"`
	// Backfill is set when the index was archived mid-backfill.
	Backfill *checkpoint.BackfillProgress `msgpack:"bf,omitempty"`
}

// Matches reports whether the archived positions equal the committed ones.
// An archive taken before or after different progress cannot be restored.
func (s *Snapshot) Matches(committed map[string]model.Position) bool {
	return maps.Equal(s.Positions, committed)
}

// MatchesBackfill reports whether the archive reflects the stored backfill
// progress: both absent, or both present and equal.
func (s *Snapshot) MatchesBackfill(stored checkpoint.BackfillProgress, ok bool) bool {
	if s.Backfill == nil || !ok {
		return s.Backfill == nil && !ok
	}
	return s.Backfill.Equal(stored)
}

// Encode writes s to w.
func Encode(w io.Writer, s *Snapshot) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := msgpack.NewEncoder(zw)
	if err := enc.Encode(s); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush zstd writer: %w", err)
	}
	return nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr != magic {
		return nil, fmt.Errorf("not an archive (header %x)", hdr)
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var s Snapshot
	if err := msgpack.NewDecoder(zr).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Positions == nil {
		s.Positions = map[string]model.Position{}
	}
	return &s, nil
}

// Marshal encodes s into a byte slice.
func Marshal(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a byte slice produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	return Decode(bytes.NewReader(data))
}
