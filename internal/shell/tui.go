package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"droneops-gcs/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// refreshMsg asks the model to re-read the shell state.
type refreshMsg struct{}

// resultMsg carries the outcome of an asynchronous shell call.
type resultMsg struct{ err error }

const alertsHeight = 6

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	blockerStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("9")).Padding(1, 3)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
)

// TUI runs the operator terminal interface for a Shell.
type TUI struct {
	shell   *Shell
	program teaProgram
	unsub   func()
}

func NewTUI(s *Shell) *TUI { return &TUI{shell: s} }

// Run starts the shell, blocks until the operator quits or ctx is done,
// then closes the shell.
func (t *TUI) Run(ctx context.Context) error {
	p := tea.NewProgram(newModel(ctx, t.shell), tea.WithAltScreen(), tea.WithContext(ctx))
	t.attach(p)
	defer t.detach()
	defer t.shell.Close()
	go func() {
		if err := t.shell.Start(ctx); err != nil {
			t.shell.log.Warn("start", "err", err)
		}
	}()
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	return err
}

func (t *TUI) attach(p teaProgram) {
	t.program = p
	t.unsub = t.shell.OnChange(func() { p.Send(refreshMsg{}) })
}

func (t *TUI) detach() {
	if t.unsub != nil {
		t.unsub()
	}
}

type model struct {
	ctx    context.Context
	shell  *Shell
	state  State
	table  table.Model
	alerts viewport.Model
	width  int
	height int
	status string
}

func newModel(ctx context.Context, s *Shell) model {
	cols := []table.Column{
		{Title: " ", Width: 1},
		{Title: "Drone", Width: 10},
		{Title: "Link", Width: 5},
		{Title: "Batt", Width: 6},
		{Title: "Ready", Width: 5},
		{Title: "Armed", Width: 5},
		{Title: "Status", Width: 8},
		{Title: "Position", Width: 22},
		{Title: "Hdg", Width: 5},
		{Title: "Trail", Width: 5},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(true), table.WithHeight(8))
	m := model{ctx: ctx, shell: s, table: t, alerts: viewport.New(80, alertsHeight)}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd { return nil }

func (m *model) refresh() {
	m.state = m.shell.State()
	m.table.SetRows(droneRows(m.state))
	m.refreshAlerts()
}

func (m *model) refreshAlerts() {
	width := m.alerts.Width
	if width <= 0 {
		width = 80
	}
	lines := make([]string, 0, len(m.state.Alerts))
	for _, a := range m.state.Alerts {
		style := warnStyle
		if a.Level == "error" {
			style = badStyle
		}
		line := fmt.Sprintf("%s %s", a.Time.Format("15:04:05"), a.Message)
		lines = append(lines, style.Render(wordwrap.String(line, width)))
	}
	m.alerts.SetContent(strings.Join(lines, "\n"))
	m.alerts.GotoBottom()
}

func droneRows(st State) []table.Row {
	sel := make(map[string]bool, len(st.Selected))
	for _, id := range st.Selected {
		sel[id] = true
	}
	rows := make([]table.Row, 0, len(st.Drones))
	for _, d := range st.Drones {
		mark := " "
		if sel[d.ID] {
			mark = "*"
		}
		pos, hdg := "no fix", "-"
		if d.HasFix() {
			pos = fmt.Sprintf("%.5f,%.5f", *d.Latitude, *d.Longitude)
		}
		if d.HeadingDeg != nil {
			hdg = fmt.Sprintf("%.0f", *d.HeadingDeg)
		}
		rows = append(rows, table.Row{
			mark, d.ID, yesNo(d.Connected), fmt.Sprintf("%.0f%%", d.Battery),
			yesNo(d.Ready), yesNo(d.Armed), string(d.Status), pos, hdg,
			fmt.Sprintf("%d", len(st.Trails[d.ID])),
		})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// run executes a shell call off the UI goroutine.
func run(fn func() error) tea.Cmd {
	return func() tea.Msg { return resultMsg{err: fn()} }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetWidth(msg.Width)
		m.alerts.Width = msg.Width
		m.refreshAlerts()
		return m, nil
	case refreshMsg:
		m.refresh()
		return m, nil
	case resultMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = "ok"
		}
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) cursorDrone() string {
	row := m.table.SelectedRow()
	if len(row) < 2 {
		return ""
	}
	return row[1]
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	s := m.shell
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		if m.state.View != ViewDashboard {
			m.status = "retrying..."
			return m, run(func() error { return s.Retry(m.ctx) })
		}
		return m, nil
	}
	if m.state.View != ViewDashboard {
		return m, nil
	}
	switch msg.String() {
	case " ":
		if id := m.cursorDrone(); id != "" {
			s.Toggle(id)
		}
		return m, nil
	case "a":
		s.SelectAll()
		return m, nil
	case "m":
		return m, run(func() error { return s.SendPlanAroundSelection(0.0005) })
	case "s":
		return m, run(s.StartMission)
	case "p":
		return m, run(s.TogglePause)
	case "e":
		return m, run(s.EmergencyReturn)
	case "t":
		return m, run(s.Takeoff)
	case "l":
		return m, run(s.Land)
	case "c":
		return m, run(func() error { s.link.ClearTrails(); return nil })
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	switch m.state.View {
	case ViewBlocked:
		return m.renderBlocked()
	case ViewGate:
		return m.renderGate()
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	if len(m.state.Drones) == 0 {
		b.WriteString(dimStyle.Render("Waiting for drone data..."))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(m.renderMission()))
	b.WriteString("\n")
	b.WriteString(m.alerts.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("space select  a all  m plan  s start  p pause/resume  e emergency  t takeoff  l land  c clear trails  q quit"))
	if m.status != "" {
		b.WriteString("\n" + dimStyle.Render(m.status))
	}
	return b.String()
}

func (m model) renderHeader() string {
	link := okStyle.Render("● " + m.state.Link.String())
	if !m.state.Connected {
		link = badStyle.Render("● " + m.state.Link.String())
	}
	ctl := okStyle.Render("● in control")
	if !m.state.Holding {
		ctl = badStyle.Render("● no control")
	}
	sel := fmt.Sprintf("%d selected", len(m.state.Selected))
	return lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("Drone GCS"), "  ", link, "  ", ctl, "  ", dimStyle.Render(sel))
}

func (m model) renderMission() string {
	ms := m.state.Mission
	if ms == nil {
		if m.state.PlanID != "" {
			return "Mission: " + m.state.PlanID + " (uploaded)"
		}
		return dimStyle.Render("No mission")
	}
	state := ms.State.UIState()
	style := okStyle
	switch state {
	case telemetry.MissionPaused:
		style = warnStyle
	case telemetry.MissionEmergency:
		style = badStyle
	}
	return fmt.Sprintf("Mission %s  %s  drones: %s", ms.MissionID, style.Render(state.String()), strings.Join(ms.DroneIDs, ","))
}

func (m model) renderGate() string {
	msg := fmt.Sprintf("Connecting to the bridge (%s)...", m.state.Link)
	if !m.state.Holding {
		msg = "Acquiring operator control..."
	}
	out := titleStyle.Render("Drone GCS") + "\n\n" + msg
	if m.status != "" {
		out += "\n" + dimStyle.Render(m.status)
	}
	return out + "\n\n" + m.alerts.View() + "\n" + dimStyle.Render("r retry  q quit")
}

func (m model) renderBlocked() string {
	width := m.width - 8
	if width < 20 {
		width = 60
	}
	body := badStyle.Render("Session blocked") + "\n\n" + wordwrap.String(m.state.BlockReason, width) +
		"\n\n" + dimStyle.Render("r retry  q quit")
	return blockerStyle.Render(body)
}
