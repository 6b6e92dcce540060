package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dstockto/labprep/runner"
)

const maxLogLines = 6

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	stepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// EventMsg carries a runner event into the program.
type EventMsg runner.Event

// DoneMsg tells the program the run has ended.
type DoneMsg struct {
	Err error
}

type reservoirBar struct {
	name      string
	remaining float64
	perWell   float64
	well      int
}

// Model renders the current step and the remaining volume of every tracked
// reagent's active well.
type Model struct {
	protocol    string
	step        int
	steps       int
	description string
	order       []string
	bars        map[string]*reservoirBar
	log         []string
	progress    progress.Model
	spinner     spinner.Model
	done        bool
	err         error
}

func New(protocol string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		protocol: protocol,
		bars:     make(map[string]*reservoirBar),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  s,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q", "esc":
			if m.done {
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		w := msg.Width - 40
		if w > 60 {
			w = 60
		}
		if w < 10 {
			w = 10
		}
		m.progress.Width = w
	case EventMsg:
		m.apply(runner.Event(msg))
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(e runner.Event) {
	m.step = e.Step
	m.steps = e.Steps
	switch e.Kind {
	case runner.EventStepStart:
		m.description = e.Description
		m.addLog(fmt.Sprintf("Step %d/%d: %s", e.Step, e.Steps, e.Description))
	case runner.EventStepEnd:
		m.addLog(fmt.Sprintf("Step %d took %s", e.Step, e.Elapsed.Round(time.Millisecond)))
	case runner.EventAspirate, runner.EventWellAdvance:
		b, ok := m.bars[e.Reagent]
		if !ok {
			b = &reservoirBar{name: e.Reagent}
			m.bars[e.Reagent] = b
			m.order = append(m.order, e.Reagent)
		}
		b.remaining = e.Remaining
		b.perWell = e.VolumePerWell
		if e.Kind == runner.EventWellAdvance {
			b.well++
			m.addLog(warnStyle.Render(fmt.Sprintf("%s: switched to well #%d", e.Reagent, b.well+1)))
		}
	case runner.EventPause:
		m.addLog(warnStyle.Render("Paused: " + e.Message))
	case runner.EventFinished:
		m.description = "finished"
	}
}

func (m *Model) addLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.protocol))
	b.WriteString("\n\n")

	if m.done {
		if m.err != nil {
			b.WriteString(errStyle.Render("Run failed: " + m.err.Error()))
		} else {
			b.WriteString(stepStyle.Render("Run complete."))
		}
	} else if m.steps > 0 {
		b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), stepStyle.Render(fmt.Sprintf("Step %d/%d: %s", m.step, m.steps, m.description))))
	} else {
		b.WriteString(m.spinner.View() + " starting...")
	}
	b.WriteString("\n\n")

	for _, name := range m.order {
		bar := m.bars[name]
		pct := 0.0
		if bar.perWell > 0 {
			pct = bar.remaining / bar.perWell
		}
		if pct < 0 {
			pct = 0
		}
		b.WriteString(fmt.Sprintf("%-12s %s  well #%d %7.1fµl\n", truncate(name, 12), m.progress.ViewAs(pct), bar.well+1, bar.remaining))
	}
	if len(m.order) > 0 {
		b.WriteString("\n")
	}

	for _, l := range m.log {
		b.WriteString(dimStyle.Render("  " + l))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Observer forwards runner events to a running program.
type Observer struct {
	program *tea.Program
}

func (o Observer) OnEvent(e runner.Event) {
	o.program.Send(EventMsg(e))
}

// Run shows the live view while fn executes the protocol. Quitting the view
// cancels the context handed to fn.
func Run(ctx context.Context, protocol string, fn func(ctx context.Context, obs runner.Observer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(protocol))
	errCh := make(chan error, 1)
	go func() {
		err := fn(ctx, Observer{program: p})
		p.Send(DoneMsg{Err: err})
		errCh <- err
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("run view: %w", err)
	}
	cancel()
	return <-errCh
}
