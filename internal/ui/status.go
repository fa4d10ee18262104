package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// StatusRenderer displays index status and server health.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
	}
}

// RenderList prints one line per index.
func (r *StatusRenderer) RenderList(indexes []registry.Status) error {
	if len(indexes) == 0 {
		_, err := fmt.Fprintln(r.out, r.styles.Dim.Render("no indexes"))
		return err
	}
	_, _ = fmt.Fprintln(r.out, r.styles.Header.Render(
		fmt.Sprintf("%-24s %-9s %10s %10s %8s %8s", "INDEX", "STATUS", "SIZE", "TOMBSTONES", "GEN", "LAG")))
	for _, st := range indexes {
		// Pad before styling; escape codes would break the column widths.
		status := fmt.Sprintf("%-9s", st.Status)
		_, _ = fmt.Fprintf(r.out, "%-24s %s %10d %10d %8d %8d\n",
			truncate(st.Name, 24),
			strings.Replace(status, string(st.Status), r.styles.Status(st.Status), 1),
			st.Size, st.Tombstones, st.Generation, MaxLag(st))
	}
	return nil
}

// Render prints the full status of one index.
func (r *StatusRenderer) Render(st registry.Status) error {
	def := st.Definition
	_, _ = fmt.Fprintf(r.out, "%s  %s\n\n", r.styles.Header.Render("Index: "+st.Name), r.styles.Status(st.Status))

	r.field("Table", def.Table)
	r.field("Key columns", strings.Join(def.KeyColumns, ", "))
	r.field("Vector", fmt.Sprintf("%s (dim %d, %s)", def.VectorColumn, def.Dimension, def.Metric))
	if len(def.MetadataColumns) > 0 {
		r.field("Metadata", strings.Join(def.MetadataColumns, ", "))
	}
	r.field("Graph", fmt.Sprintf("M=%d ef_construction=%d ef_search=%d",
		def.Params.Connectivity, def.Params.ExpansionAdd, def.Params.ExpansionSearch))
	if !st.CreatedAt.IsZero() {
		r.field("Created", formatTime(st.CreatedAt))
	}
	_, _ = fmt.Fprintln(r.out)

	r.field("Vectors", fmt.Sprintf("%d", st.Size))
	r.field("Tombstones", fmt.Sprintf("%d", st.Tombstones))
	r.field("Generation", fmt.Sprintf("%d", st.Generation))
	if st.Restored {
		r.field("Restored", "from archive")
	}
	if st.Degraded != "" {
		r.field("Degraded", r.styles.Error.Render(st.Degraded))
	}

	if b := st.Backfill; b != nil {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Backfill:")
		resumed := ""
		if b.Resumed {
			resumed = "  (resumed)"
		}
		_, _ = fmt.Fprintf(r.out, "    %-10s ranges %d/%d  rows %d%s\n",
			b.State, b.RangesDone, b.RangesTotal, b.Rows, resumed)
		if b.Error != "" {
			_, _ = fmt.Fprintf(r.out, "    %s\n", r.styles.Error.Render(b.Error))
		}
	}

	if len(st.Partitions) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Partitions:")
		_, _ = fmt.Fprintln(r.out, r.styles.Label.Render(
			fmt.Sprintf("    %-12s %-13s %10s %10s %10s %8s", "PARTITION", "STATE", "APPLIED", "COMMITTED", "HEAD", "LAG")))
		for _, p := range st.Partitions {
			_, _ = fmt.Fprintf(r.out, "    %-12s %-13s %10d %10d %10d %8d\n",
				p.Partition, p.State, p.Applied, p.Committed, p.Head, p.Lag)
			if p.Error != "" {
				_, _ = fmt.Fprintf(r.out, "      %s\n", r.styles.Error.Render(p.Error))
			}
		}
	}
	return nil
}

// RenderHealth prints the health summary.
func (r *StatusRenderer) RenderHealth(h registry.Health) error {
	if h.Healthy {
		_, err := fmt.Fprintf(r.out, "%s  %d indexes\n", r.styles.Fresh.Render("healthy"), h.Indexes)
		return err
	}
	_, _ = fmt.Fprintf(r.out, "%s  %d indexes\n", r.styles.Degraded.Render("unhealthy"), h.Indexes)
	for _, name := range h.Degraded {
		_, _ = fmt.Fprintf(r.out, "  degraded index:    %s\n", name)
	}
	for _, p := range h.FailedPartitions {
		_, _ = fmt.Fprintf(r.out, "  failed partition:  %s\n", p)
	}
	for _, name := range h.FailedBackfills {
		_, _ = fmt.Fprintf(r.out, "  failed backfill:   %s\n", name)
	}
	return nil
}

// RenderJSON outputs v as indented JSON.
func (r *StatusRenderer) RenderJSON(v any) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (r *StatusRenderer) field(label, value string) {
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render(fmt.Sprintf("%-12s", label+":")), value)
}

// RenderResults prints search results, best first.
func (r *StatusRenderer) RenderResults(resp search.Response) error {
	cached := ""
	if resp.Cached {
		cached = " " + r.styles.Dim.Render("(cached)")
	}
	_, _ = fmt.Fprintf(r.out, "%s  generation %d%s\n", r.styles.Status(resp.Status), resp.Generation, cached)
	if len(resp.Results) == 0 {
		_, err := fmt.Fprintln(r.out, r.styles.Dim.Render("no results"))
		return err
	}
	for i, res := range resp.Results {
		_, _ = fmt.Fprintf(r.out, "%3d. %-8.4f %s", i+1, res.Score, res.Key.String())
		if len(res.Metadata) > 0 {
			_, _ = fmt.Fprintf(r.out, "  %s", r.styles.Label.Render(formatMetadata(res.Metadata)))
		}
		_, _ = fmt.Fprintln(r.out)
	}
	return nil
}

// MaxLag is the largest partition lag of an index.
func MaxLag(st registry.Status) uint64 {
	var lag uint64
	for _, p := range st.Partitions {
		lag = max(lag, p.Lag)
	}
	return lag
}

func formatMetadata(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
