package ui

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Aman-CERP/vectorsync/internal/registry"
)

// ProgressRenderer shows backfill progress while a client waits on it.
type ProgressRenderer interface {
	// Start begins rendering. It returns immediately.
	Start(ctx context.Context) error
	// Update reports the latest backfill status.
	Update(b registry.BackfillStatus)
	// Stop finishes rendering and restores the terminal.
	Stop() error
}

// ProgressConfig configures backfill progress rendering.
type ProgressConfig struct {
	Output  io.Writer
	Index   string
	NoColor bool
	// ForcePlain disables the TUI even on a terminal.
	ForcePlain bool
}

// NewProgressRenderer returns the TUI renderer on a terminal and the plain
// renderer otherwise.
func NewProgressRenderer(cfg ProgressConfig) ProgressRenderer {
	if !cfg.ForcePlain && !DetectCI() {
		if r, err := NewTUIProgress(cfg); err == nil {
			return r
		}
	}
	return NewPlainProgress(cfg)
}

// PlainProgress prints one line per change of the backfill status (for
// CI and pipes).
type PlainProgress struct {
	mu    sync.Mutex
	out   io.Writer
	index string
	last  registry.BackfillStatus
	seen  bool
}

// NewPlainProgress creates a plain text renderer.
func NewPlainProgress(cfg ProgressConfig) *PlainProgress {
	return &PlainProgress{out: cfg.Output, index: cfg.Index}
}

// Start implements ProgressRenderer.
func (p *PlainProgress) Start(context.Context) error {
	return nil
}

// Update implements ProgressRenderer. Row counts alone do not print; a line
// is written when a range finishes or the state changes.
func (p *PlainProgress) Update(b registry.BackfillStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen && b.State == p.last.State && b.RangesDone == p.last.RangesDone {
		p.last = b
		return
	}
	p.seen = true
	p.last = b

	line := fmt.Sprintf("[backfill %s] %s %d/%d ranges, %d rows", p.index, b.State, b.RangesDone, b.RangesTotal, b.Rows)
	if b.Resumed {
		line += " (resumed)"
	}
	if b.Error != "" {
		line += ": " + b.Error
	}
	_, _ = fmt.Fprintln(p.out, line)
}

// Stop implements ProgressRenderer.
func (p *PlainProgress) Stop() error {
	return nil
}
