package ui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/stream"
)

func sampleStatus() registry.Status {
	return registry.Status{
		Name: "docs",
		Definition: model.IndexDefinition{
			Name: "docs", Table: "articles", KeyColumns: []string{"id"},
			VectorColumn: "embedding", MetadataColumns: []string{"lang"}, Dimension: 4,
		}.WithDefaults(),
		Status:     search.StatusStale,
		Size:       42,
		Tombstones: 3,
		Generation: 9,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		Backfill:   &registry.BackfillStatus{State: "complete", Rows: 40, RangesDone: 4, RangesTotal: 4},
		Partitions: []stream.Status{
			{Partition: "p0", State: "streaming", Applied: 10, Committed: 10, Head: 12, Lag: 2},
			{Partition: "p1", State: "failed", Applied: 5, Committed: 4, Head: 30, Lag: 25, Error: "schema mismatch"},
		},
	}
}

func TestNoColor(t *testing.T) {
	var buf bytes.Buffer

	assert.True(t, NoColor(&buf, false), "a buffer is not a terminal")
	assert.True(t, NoColor(nil, true))
	assert.False(t, IsTTY(nil))
}

func TestStyles_Status(t *testing.T) {
	styles := NoColorStyles()

	for _, st := range []search.Status{search.StatusFresh, search.StatusPartial, search.StatusStale, search.StatusDegraded} {
		assert.Equal(t, string(st), styles.Status(st))
		assert.Contains(t, DefaultStyles().Status(st), string(st))
	}
	assert.Equal(t, "other", styles.Status("other"))
}

func TestStatusRenderer_RenderList(t *testing.T) {
	// Given: one index with two partitions
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	// When: the list is rendered
	require.NoError(t, r.RenderList([]registry.Status{sampleStatus()}))

	// Then: one header and one row with the maximum lag
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INDEX")
	fields := strings.Fields(lines[1])
	assert.Equal(t, []string{"docs", "stale", "42", "3", "9", "25"}, fields)
}

func TestStatusRenderer_RenderListEmpty(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewStatusRenderer(&buf, true).RenderList(nil))

	assert.Equal(t, "no indexes\n", buf.String())
}

func TestStatusRenderer_Render(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.Render(sampleStatus()))

	out := buf.String()
	assert.Contains(t, out, "Index: docs  stale")
	assert.Contains(t, out, "articles")
	assert.Contains(t, out, "embedding (dim 4, cosine)")
	assert.Contains(t, out, "lang")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "ranges 4/4  rows 40")
	assert.Contains(t, out, "schema mismatch")
	assert.Contains(t, out, "p1")
}

func TestStatusRenderer_RenderHealth(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.RenderHealth(registry.Health{Healthy: true, Indexes: 2}))
	assert.Equal(t, "healthy  2 indexes\n", buf.String())

	buf.Reset()
	require.NoError(t, r.RenderHealth(registry.Health{
		Indexes:          1,
		FailedPartitions: []string{"docs/p1: schema mismatch"},
	}))
	assert.Contains(t, buf.String(), "unhealthy")
	assert.Contains(t, buf.String(), "docs/p1: schema mismatch")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewStatusRenderer(&buf, true).RenderJSON(sampleStatus()))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "docs", parsed["name"])
	assert.Equal(t, "stale", parsed["status"])
}

func TestStatusRenderer_RenderResults(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.RenderResults(search.Response{
		Status:     search.StatusFresh,
		Generation: 4,
		Cached:     true,
		Results: []index.Result{
			{Key: model.Key([]byte{0x05, 0x61}), Score: 0.25, Metadata: map[string]string{"z": "1", "lang": "en"}},
		},
	}))

	out := buf.String()
	assert.Contains(t, out, "fresh  generation 4 (cached)")
	assert.Contains(t, out, "1. 0.2500")
	assert.Contains(t, out, "0561")
	assert.Contains(t, out, "lang=en z=1")

	buf.Reset()
	require.NoError(t, r.RenderResults(search.Response{Status: search.StatusPartial}))
	assert.Contains(t, buf.String(), "no results")
}

func TestSparkline_Render(t *testing.T) {
	s := NewSparkline(4)
	assert.Equal(t, "    ", s.Render())

	s.Add(0)
	s.Add(7)
	assert.Equal(t, "▁█  ", s.Render())

	s.Add(7)
	s.Add(0)
	s.Add(7)
	assert.Equal(t, []float64{7, 7, 0, 7}, s.Values(), "oldest sample evicted")
	assert.Equal(t, "██▁█", s.Render())
	assert.Equal(t, 5, s.Count())
}

func TestLagHistory(t *testing.T) {
	// Given: two polls of the same index
	h := NewLagHistory(8)
	st := sampleStatus()
	h.Observe([]registry.Status{st})
	st.Partitions[1].Lag = 0
	h.Observe([]registry.Status{st})

	// Then: the lag history has both samples
	require.NotNil(t, h.Line("docs"))
	assert.Equal(t, []float64{25, 2}, h.Line("docs").Values())

	var buf bytes.Buffer
	h.Render(&buf, NoColorStyles())
	assert.Contains(t, buf.String(), "docs")
	assert.Contains(t, buf.String(), "█▁")

	// When: the index disappears
	h.Observe(nil)

	// Then: it is forgotten
	assert.Nil(t, h.Line("docs"))
}
