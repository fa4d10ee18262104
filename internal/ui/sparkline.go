package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/Aman-CERP/vectorsync/internal/registry"
)

// SparklineChars are the block characters used for sparklines, lowest first.
var SparklineChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline keeps the most recent samples in a ring buffer.
type Sparkline struct {
	samples []float64
	head    int
	count   int
}

// NewSparkline creates a sparkline holding width samples.
func NewSparkline(width int) *Sparkline {
	if width <= 0 {
		width = 60
	}
	return &Sparkline{samples: make([]float64, width)}
}

// Add records a sample, evicting the oldest when full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	s.count++
}

// Count returns the number of samples added.
func (s *Sparkline) Count() int {
	return s.count
}

// Values returns the retained samples, oldest first.
func (s *Sparkline) Values() []float64 {
	n := min(s.count, len(s.samples))
	out := make([]float64, 0, n)
	start := 0
	if s.count >= len(s.samples) {
		start = s.head
	}
	for i := range n {
		out = append(out, s.samples[(start+i)%len(s.samples)])
	}
	return out
}

// Render draws the retained samples scaled to their maximum, padded on
// the right to the sparkline width.
func (s *Sparkline) Render() string {
	values := s.Values()
	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}
	var sb strings.Builder
	for _, v := range values {
		idx := 0
		if peak > 0 {
			idx = int(v / peak * float64(len(SparklineChars)-1))
		}
		idx = min(max(idx, 0), len(SparklineChars)-1)
		sb.WriteRune(SparklineChars[idx])
	}
	sb.WriteString(strings.Repeat(" ", len(s.samples)-len(values)))
	return sb.String()
}

// LagHistory tracks the maximum partition lag of each index across
// repeated status polls.
type LagHistory struct {
	width  int
	lines  map[string]*Sparkline
	latest map[string]registry.Status
	order  []string
}

// NewLagHistory creates a history keeping width samples per index.
func NewLagHistory(width int) *LagHistory {
	return &LagHistory{
		width:  width,
		lines:  make(map[string]*Sparkline),
		latest: make(map[string]registry.Status),
	}
}

// Observe records one poll. Indexes missing from the poll are forgotten.
func (h *LagHistory) Observe(indexes []registry.Status) {
	seen := make(map[string]bool, len(indexes))
	h.order = h.order[:0]
	for _, st := range indexes {
		seen[st.Name] = true
		h.order = append(h.order, st.Name)
		line, ok := h.lines[st.Name]
		if !ok {
			line = NewSparkline(h.width)
			h.lines[st.Name] = line
		}
		line.Add(float64(MaxLag(st)))
		h.latest[st.Name] = st
	}
	for name := range h.lines {
		if !seen[name] {
			delete(h.lines, name)
			delete(h.latest, name)
		}
	}
}

// Line returns the sparkline for an index, or nil.
func (h *LagHistory) Line(name string) *Sparkline {
	return h.lines[name]
}

// Render prints one row per index: name, status, current lag and history.
func (h *LagHistory) Render(out io.Writer, styles Styles) {
	for _, name := range h.order {
		st := h.latest[name]
		_, _ = fmt.Fprintf(out, "%-24s %s %8d  %s\n",
			truncate(name, 24),
			strings.Replace(fmt.Sprintf("%-9s", st.Status), string(st.Status), styles.Status(st.Status), 1),
			MaxLag(st),
			styles.Spark.Render(h.lines[name].Render()))
	}
}
