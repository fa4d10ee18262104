package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/vectorsync/internal/registry"
)

// TUIProgress renders backfill progress with bubbletea.
type TUIProgress struct {
	mu      sync.Mutex
	cfg     ProgressConfig
	program *tea.Program
	model   *backfillModel
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIProgress creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIProgress(cfg ProgressConfig) (*TUIProgress, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}
	m := newBackfillModel(cfg.Index)
	if cfg.NoColor || DetectNoColor() {
		m.styles = NoColorStyles()
	}
	return &TUIProgress{cfg: cfg, model: m, done: make(chan struct{})}, nil
}

// Start implements ProgressRenderer.
func (r *TUIProgress) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)

	// Interrupts reach the command's context, not the program.
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithInput(nil), tea.WithoutSignalHandler()}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// Update implements ProgressRenderer.
func (r *TUIProgress) Update(b registry.BackfillStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		r.program.Send(backfillMsg(b))
	}
}

// Stop implements ProgressRenderer. It waits briefly for the final frame.
func (r *TUIProgress) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program == nil {
		return nil
	}
	r.program.Send(finishMsg{})
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		r.program.Kill()
	}
	r.cancel()
	return nil
}

type backfillMsg registry.BackfillStatus
type finishMsg struct{}

// backfillModel is the bubbletea model for one waiting backfill.
type backfillModel struct {
	index    string
	status   registry.BackfillStatus
	received bool
	finished bool
	started  time.Time
	width    int
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
}

func newBackfillModel(index string) *backfillModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	return &backfillModel{
		index:   index,
		started: time.Now(),
		width:   80,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorLime),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *backfillModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *backfillModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-30, 20)

	case backfillMsg:
		m.status = registry.BackfillStatus(msg)
		m.received = true

	case finishMsg:
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// fraction is the share of scan ranges finished.
func (m *backfillModel) fraction() float64 {
	if m.status.RangesTotal <= 0 {
		return 0
	}
	return min(float64(m.status.RangesDone)/float64(m.status.RangesTotal), 1)
}

// View implements tea.Model.
func (m *backfillModel) View() string {
	icon := m.spinner.View()
	if m.finished {
		icon = m.styles.Fresh.Render("●")
	}
	header := fmt.Sprintf("%s %s %s", icon, m.styles.Header.Render("Backfill"), m.index)

	if !m.received {
		return header + "\n  " + m.styles.Dim.Render("waiting for status...") + "\n"
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n  ")
	b.WriteString(m.bar.ViewAs(m.fraction()))
	fmt.Fprintf(&b, "  %3.0f%%\n  ", m.fraction()*100)

	line := fmt.Sprintf("%d / %d ranges • %d rows • %s", m.status.RangesDone, m.status.RangesTotal,
		m.status.Rows, formatDuration(time.Since(m.started)))
	b.WriteString(m.styles.Label.Render(line))
	if m.status.Resumed {
		b.WriteString(m.styles.Dim.Render(" (resumed)"))
	}
	b.WriteString("\n")
	if m.status.Error != "" {
		b.WriteString("  " + m.styles.Error.Render(m.status.Error) + "\n")
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
