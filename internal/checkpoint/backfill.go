package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/model"
)

// BackfillProgress is the durable state of an unfinished backfill: the
// watermark it hands off at and, per scan range, the token after the last
// completed page.
type BackfillProgress struct {
	Watermark     map[string]model.Position `json:"watermark" msgpack:"wm"`
	WatermarkTime time.Time                 `json:"watermark_time" msgpack:"wmt"`
	// Ranges is the range count the scan was split with.
	Ranges int            `json:"ranges" msgpack:"ranges"`
	Tokens map[int]string `json:"tokens,omitempty" msgpack:"tokens,omitempty"`
	Done   map[int]bool   `json:"done,omitempty" msgpack:"done,omitempty"`
}

// Clone returns a deep copy.
func (p BackfillProgress) Clone() BackfillProgress {
	p.Watermark = maps.Clone(p.Watermark)
	p.Tokens = maps.Clone(p.Tokens)
	p.Done = maps.Clone(p.Done)
	return p
}

// Equal reports whether two records describe the same scan state.
func (p BackfillProgress) Equal(o BackfillProgress) bool {
	return p.Ranges == o.Ranges &&
		p.WatermarkTime.Equal(o.WatermarkTime) &&
		maps.Equal(p.Watermark, o.Watermark) &&
		maps.Equal(p.Tokens, o.Tokens) &&
		maps.Equal(p.Done, o.Done)
}

// BackfillStore persists scan progress per index. A record exists only
// while a backfill is unfinished.
type BackfillStore interface {
	// LoadBackfill returns the stored progress, and false when none exists.
	LoadBackfill(ctx context.Context, index string) (BackfillProgress, bool, error)
	// SaveBackfill replaces the stored progress.
	SaveBackfill(ctx context.Context, index string, p BackfillProgress) error
	DeleteBackfill(ctx context.Context, index string) error
}

func encodeProgress(index string, p BackfillProgress) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode backfill progress %s: %w", index, err)
	}
	return data, nil
}

func decodeProgress(data []byte) (BackfillProgress, error) {
	var p BackfillProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode backfill progress: %w", err)
	}
	return p, nil
}
