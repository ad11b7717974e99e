package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"robot-telemetry/internal/ingest"
	"robot-telemetry/internal/layout"
)

// Controller is the connection side the dashboard drives.
type Controller interface {
	Exec(ctx context.Context, cmd ingest.Command) error
	Snapshot() ingest.Snapshot
}

type Options struct {
	Querier    Querier
	Registry   *layout.Registry
	Attitude   AttitudeConfig
	Controller Controller
	// Interval is the refresh period.
	Interval time.Duration
	// GraphSamples is how many recent samples the graph of the selected
	// item covers.
	GraphSamples int
}

type tickMsg time.Time

type execResultMsg struct{ err error }

// Model is the Bubble Tea model of the terminal dashboard.
type Model struct {
	ctx  context.Context
	opts Options

	board    Board
	status   ingest.Snapshot
	graph    []int64
	selected int
	width    int
	notice   string
	bar      progress.Model
	quitting bool
}

func NewModel(ctx context.Context, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	if opts.GraphSamples <= 0 {
		opts.GraphSamples = 500
	}
	m := Model{
		ctx:  ctx,
		opts: opts,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(16),
			progress.WithoutPercentage(),
		),
		width: 80,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) refresh() {
	m.board = BuildBoard(m.opts.Querier, m.opts.Registry, m.opts.Attitude)
	if m.opts.Controller != nil {
		m.status = m.opts.Controller.Snapshot()
	}
	items := m.board.Items()
	if m.selected >= len(items) {
		m.selected = max(len(items)-1, 0)
	}
	m.graph = nil
	if len(items) > 0 {
		m.graph = m.opts.Querier.Tail(items[m.selected].Channel, m.opts.GraphSamples)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.refresh()
		return m, m.tickCmd()

	case execResultMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		m.refresh()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	n := len(m.board.Items())
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < n-1 {
			m.selected++
		}
	case "c":
		m.notice = "closing connection"
		return m, m.execCmd(ingest.CloseCommand{})
	case "r":
		if m.status.Port == "" {
			m.notice = "no port to reconnect"
			return m, nil
		}
		m.notice = fmt.Sprintf("reconnecting %s", m.status.Port)
		return m, m.execCmd(ingest.OpenCommand{Port: m.status.Port, Baud: m.status.Baud})
	}
	m.refresh()
	return m, nil
}

func (m Model) execCmd(cmd ingest.Command) tea.Cmd {
	ctl := m.opts.Controller
	ctx := m.ctx
	return func() tea.Msg {
		if ctl == nil {
			return execResultMsg{err: errors.New("no connection controller")}
		}
		return execResultMsg{err: ctl.Exec(ctx, cmd)}
	}
}

func (m Model) Selected() int { return m.selected }

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var sections []string
	sections = append(sections, m.renderHeader())
	if grid := m.renderGroups(); grid != "" {
		sections = append(sections, grid)
	} else {
		sections = append(sections, mutedStyle.Render("no layout configured"))
	}
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top,
		groupStyle.Render(renderAttitude(m.board.Attitude, 17, 9)),
		groupStyle.Render(m.renderGraph()),
	))
	if m.notice != "" {
		sections = append(sections, mutedStyle.Render(m.notice))
	}
	sections = append(sections, mutedStyle.Render("↑/↓ select  c close  r reconnect  q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	s := m.status
	state := s.State
	if state == "" {
		state = ingest.StateDisconnected
	}
	parts := []string{
		titleStyle.Render("robot-telemetry"),
		stateStyle(state).Render(state),
	}
	if s.Port != "" {
		parts = append(parts, fmt.Sprintf("%s @ %d", s.Port, s.Baud))
	}
	var dropped uint64
	for _, n := range s.Discarded {
		dropped += n
	}
	parts = append(parts, mutedStyle.Render(fmt.Sprintf("lines %d  samples %d  dropped %d", s.Lines, s.Samples, dropped)))
	line := strings.Join(parts, "  ")
	if s.LastError != "" && state != ingest.StateConnected {
		line += "\n" + errorStyle.Render(s.LastError)
	}
	return line
}

func (m Model) renderGroups() string {
	if len(m.board.Groups) == 0 {
		return ""
	}
	rows := map[int][]GroupView{}
	var ys []int
	for _, g := range m.board.Groups {
		if _, ok := rows[g.Y]; !ok {
			ys = append(ys, g.Y)
		}
		rows[g.Y] = append(rows[g.Y], g)
	}
	sort.Ints(ys)

	idx := 0
	var rendered []string
	for _, y := range ys {
		var boxes []string
		for _, g := range rows[y] {
			lines := []string{groupTitleStyle.Render(g.Name)}
			for _, it := range g.Items {
				lines = append(lines, m.renderItem(it, idx == m.selected))
				idx++
			}
			boxes = append(boxes, groupStyle.Render(strings.Join(lines, "\n")))
		}
		rendered = append(rendered, lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rendered...)
}

func (m Model) renderItem(it ItemView, selected bool) string {
	name := fmt.Sprintf("%-10s", it.Name)
	if selected {
		name = selectedStyle.Render(name)
	}
	text := it.Text
	if !it.HasData {
		text = mutedStyle.Render(text)
	}
	return fmt.Sprintf("%s %12s %8s %s", name, text, it.RawText, m.bar.ViewAs(it.Fraction))
}

func (m Model) renderGraph() string {
	items := m.board.Items()
	if len(items) == 0 {
		return mutedStyle.Render("no items")
	}
	it := items[m.selected]
	width := m.width - 30
	if width < 10 {
		width = 10
	}
	title := groupTitleStyle.Render(fmt.Sprintf("%s (%s)", it.Name, it.Channel))
	if len(m.graph) == 0 {
		return title + "\n" + mutedStyle.Render("no data")
	}
	return fmt.Sprintf("%s\n%s\n%s", title,
		renderSparkline(m.graph, width, it.Position, it.Fraction),
		mutedStyle.Render(fmt.Sprintf("last %d of %d samples", len(m.graph), it.Length)))
}

// renderAttitude places the ball on a w×h grid spanning ±90° on both axes.
func renderAttitude(a Attitude, w, h int) string {
	if w < 3 || h < 3 {
		return ""
	}
	col := scaleToGrid(a.X, w)
	row := h - 1 - scaleToGrid(a.Y, h)

	var sb strings.Builder
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			switch {
			case a.HasData && r == row && c == col:
				sb.WriteRune('●')
			case r == h/2 && c == w/2:
				sb.WriteRune('+')
			case r == h/2:
				sb.WriteRune('─')
			case c == w/2:
				sb.WriteRune('│')
			default:
				sb.WriteRune(' ')
			}
		}
		if r < h-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func scaleToGrid(deg float64, n int) int {
	if math.IsNaN(deg) {
		deg = 0
	}
	f := (deg + 90) / 180
	f = math.Max(0, math.Min(1, f))
	return int(math.Round(f * float64(n-1)))
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(NewModel(ctx, opts), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
