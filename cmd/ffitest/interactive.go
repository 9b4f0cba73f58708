package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/config"
	"github.com/wippyai/ffi-marshal/conformance"
	"github.com/wippyai/ffi-marshal/marshal"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// callRecord is one foreign call seen while a scenario ran.
type callRecord struct {
	err   error
	info  marshal.CallInfo
	stats marshal.CallStats
}

// recorder is a marshal.Hook that keeps every finished call.
type recorder struct {
	mu    sync.Mutex
	calls []callRecord
}

func (r *recorder) OnCallStart(ctx context.Context, _ marshal.CallInfo) (context.Context, marshal.HookToken) {
	return ctx, nil
}

func (r *recorder) OnCallEnd(_ context.Context, _ marshal.HookToken, info marshal.CallInfo, stats *marshal.CallStats, err error) {
	rec := callRecord{info: info, err: err}
	if stats != nil {
		rec.stats = *stats
		rec.stats.States = append([]marshal.State(nil), stats.States...)
	}
	r.mu.Lock()
	r.calls = append(r.calls, rec)
	r.mu.Unlock()
}

func (r *recorder) take() []callRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

type modelState int

const (
	stateSelect modelState = iota
	stateFilter
	stateRunning
	stateResult
)

type interactiveModel struct {
	err       error
	lib       ffimarshal.Library
	rec       *recorder
	report    *conformance.Report
	cfg       config.Config
	scenarios []conformance.Scenario
	calls     []callRecord
	filter    textinput.Model
	spin      spinner.Model
	selected  int
	state     modelState
}

type loadedMsg struct {
	err error
	lib ffimarshal.Library
}

type ranMsg struct {
	report conformance.Report
	calls  []callRecord
}

func newInteractiveModel(cfg config.Config) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "scenario name"
	ti.Prompt = "/ "
	ti.Width = 30

	return &interactiveModel{
		cfg:       cfg,
		rec:       &recorder{},
		scenarios: conformance.Scenarios(),
		filter:    ti,
		spin:      spinner.New(spinner.WithSpinner(spinner.Dot)),
		state:     stateSelect,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	// Logs and telemetry would corrupt the alt screen; loggers stay no-ops
	// and the recorder is the only hook.
	lib, err := openLibrary(context.Background(), m.cfg)
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{lib: lib}
}

func (m *interactiveModel) close() {
	if m.lib != nil {
		_ = m.lib.Close(context.Background())
	}
}

// visible returns the scenarios matching the filter.
func (m *interactiveModel) visible() []conformance.Scenario {
	q := strings.TrimSpace(m.filter.Value())
	if q == "" {
		return m.scenarios
	}
	var out []conformance.Scenario
	for _, sc := range m.scenarios {
		if strings.Contains(sc.Name, q) {
			out = append(out, sc)
		}
	}
	return out
}

func (m *interactiveModel) runScenarios(names []string) tea.Cmd {
	lib, cfg, rec := m.lib, m.cfg, m.rec
	return func() tea.Msg {
		report := conformance.Run(context.Background(), lib, conformance.Options{
			Hook:         rec,
			Only:         names,
			AsyncTimeout: cfg.AsyncTimeout,
			Policy:       cfg.Policy(),
		})
		return ranMsg{report: report, calls: rec.take()}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateFilter {
			switch msg.String() {
			case "enter", "esc":
				m.filter.Blur()
				m.state = stateSelect
				m.selected = 0
				return m, nil
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			m.close()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelect && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelect && m.selected < len(m.visible())-1 {
				m.selected++
			}

		case "/":
			if m.state == stateSelect {
				m.state = stateFilter
				return m, m.filter.Focus()
			}

		case "p":
			if m.state == stateSelect {
				if m.cfg.Policy() == marshal.ReleaseStrict {
					m.cfg.ReleasePolicy = marshal.ReleaseIdempotent.String()
				} else {
					m.cfg.ReleasePolicy = marshal.ReleaseStrict.String()
				}
			}

		case "a":
			if m.state == stateSelect && m.lib != nil {
				var names []string
				for _, sc := range m.visible() {
					names = append(names, sc.Name)
				}
				m.state = stateRunning
				return m, tea.Batch(m.spin.Tick, m.runScenarios(names))
			}

		case "enter":
			switch m.state {
			case stateSelect:
				vis := m.visible()
				if m.lib == nil || len(vis) == 0 {
					return m, nil
				}
				m.state = stateRunning
				return m, tea.Batch(m.spin.Tick, m.runScenarios([]string{vis[m.selected].Name}))
			case stateResult:
				m.state = stateSelect
				m.report, m.calls = nil, nil
			}

		case "esc":
			if m.state == stateResult {
				m.state = stateSelect
				m.report, m.calls = nil, nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.lib = msg.lib

	case ranMsg:
		m.report = &msg.report
		m.calls = msg.calls
		m.state = stateResult

	case spinner.TickMsg:
		if m.state == stateRunning {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return failStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.lib == nil {
		return "Loading library..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("FFI Marshalling"))
	fmt.Fprintf(&b, " %s (%s, %s release)\n\n", m.lib.Name(), m.cfg.Backend, m.cfg.Policy())

	switch m.state {
	case stateSelect, stateFilter:
		if m.state == stateFilter || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n\n")
		}
		vis := m.visible()
		if len(vis) == 0 {
			b.WriteString(helpStyle.Render("no scenario matches"))
			b.WriteString("\n")
		}
		for i, sc := range vis {
			line := fmt.Sprintf("%-16s %s", sc.Name, sc.Description)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + nameStyle.Render(fmt.Sprintf("%-16s", sc.Name)) + " " + sc.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • a run all • / filter • p toggle policy • q quit"))

	case stateRunning:
		b.WriteString(m.spin.View())
		b.WriteString(" running...")

	case stateResult:
		writeText(&b, *m.report, true)
		if len(m.calls) > 0 {
			b.WriteString("\nCalls:\n")
			for _, c := range m.calls {
				b.WriteString("  ")
				b.WriteString(formatCall(c))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatCall(c callRecord) string {
	states := make([]string, len(c.stats.States))
	for i, s := range c.stats.States {
		states[i] = s.String()
	}

	var b strings.Builder
	b.WriteString(nameStyle.Render(c.info.Symbol))
	if c.info.Async {
		b.WriteString(" (async)")
	}
	fmt.Fprintf(&b, " buffers %d/%d, %dB, callbacks %d ",
		c.stats.BuffersAcquired, c.stats.BuffersReleased, c.stats.BytesAcquired, c.stats.CallbacksInvoked)
	b.WriteString(stateStyle.Render(strings.Join(states, " > ")))
	if c.err != nil {
		b.WriteString(" ")
		b.WriteString(failStyle.Render(c.err.Error()))
	}
	return b.String()
}

func runInteractive(cfg config.Config) error {
	p := tea.NewProgram(newInteractiveModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
