package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/registry"
)

func TestNewProgressRenderer_PlainForNonTTY(t *testing.T) {
	// Given: output that is not a terminal
	buf := &bytes.Buffer{}

	// When: choosing a renderer
	r := NewProgressRenderer(ProgressConfig{Output: buf, Index: "docs"})

	// Then: the plain renderer is used
	assert.IsType(t, &PlainProgress{}, r)
}

func TestNewTUIProgress_FailsForNonTTY(t *testing.T) {
	r, err := NewTUIProgress(ProgressConfig{Output: &bytes.Buffer{}})

	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestPlainProgress_PrintsOnRangeOrStateChange(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainProgress(ProgressConfig{Output: buf, Index: "docs"})
	require.NoError(t, r.Start(context.Background()))

	// When: rows grow inside a range, then a range and the state change
	r.Update(registry.BackfillStatus{State: "scanning", Rows: 10, RangesTotal: 4})
	r.Update(registry.BackfillStatus{State: "scanning", Rows: 20, RangesTotal: 4})
	r.Update(registry.BackfillStatus{State: "scanning", Rows: 30, RangesDone: 1, RangesTotal: 4, Resumed: true})
	r.Update(registry.BackfillStatus{State: "complete", Rows: 80, RangesDone: 4, RangesTotal: 4})
	require.NoError(t, r.Stop())

	// Then: one line per change, no carriage returns
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[backfill docs] scanning 0/4 ranges, 10 rows", lines[0])
	assert.Equal(t, "[backfill docs] scanning 1/4 ranges, 30 rows (resumed)", lines[1])
	assert.Equal(t, "[backfill docs] complete 4/4 ranges, 80 rows", lines[2])
	assert.NotContains(t, buf.String(), "\r")
}

func TestPlainProgress_ShowsError(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainProgress(ProgressConfig{Output: buf, Index: "docs"})

	r.Update(registry.BackfillStatus{State: "failed", Error: "schema mismatch"})

	assert.Contains(t, buf.String(), "failed 0/0 ranges, 0 rows: schema mismatch")
}

func TestBackfillModel_WaitingView(t *testing.T) {
	// Given: a model that has no status yet
	m := newBackfillModel("docs")
	m.styles = NoColorStyles()

	// When: rendering
	view := m.View()

	// Then: it names the index and waits
	assert.Contains(t, view, "Backfill docs")
	assert.Contains(t, view, "waiting for status")
}

func TestBackfillModel_ProgressView(t *testing.T) {
	// Given: a model receiving a half-done status
	m := newBackfillModel("docs")
	m.styles = NoColorStyles()

	// When: the status message arrives
	_, cmd := m.Update(backfillMsg(registry.BackfillStatus{
		State: "scanning", Rows: 120, RangesDone: 2, RangesTotal: 4, Resumed: true,
	}))

	// Then: the bar and counts reflect it
	assert.Nil(t, cmd)
	assert.InDelta(t, 0.5, m.fraction(), 1e-9)
	view := m.View()
	assert.Contains(t, view, " 50%")
	assert.Contains(t, view, "2 / 4 ranges")
	assert.Contains(t, view, "120 rows")
	assert.Contains(t, view, "(resumed)")
}

func TestBackfillModel_FractionClamped(t *testing.T) {
	m := newBackfillModel("docs")

	assert.Zero(t, m.fraction(), "unknown total")
	m.Update(backfillMsg(registry.BackfillStatus{RangesDone: 5, RangesTotal: 4}))
	assert.Equal(t, 1.0, m.fraction())
}

func TestBackfillModel_FinishQuits(t *testing.T) {
	// Given: a model mid-backfill
	m := newBackfillModel("docs")
	m.styles = NoColorStyles()
	m.Update(backfillMsg(registry.BackfillStatus{State: "complete", RangesDone: 4, RangesTotal: 4}))

	// When: the renderer finishes
	_, cmd := m.Update(finishMsg{})

	// Then: the program quits and the last frame shows completion
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "●")
	assert.Contains(t, m.View(), "100%")
}

func TestBackfillModel_ResizesBar(t *testing.T) {
	m := newBackfillModel("docs")

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Equal(t, 90, m.bar.Width)

	m.Update(tea.WindowSizeMsg{Width: 30, Height: 10})
	assert.Equal(t, 20, m.bar.Width, "minimum width")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 1m", formatDuration(time.Hour+time.Minute+10*time.Second))
}
