// Package console is the operator terminal for a fatigue session: it shows
// the live controller snapshot and drives Start, End and Close from the
// keyboard.
package console

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/e7canasta/orion-fatigue/modules/report"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

// Key bindings.
const (
	KeyStart = "s"
	KeyEnd   = "e"
	KeyQuit  = "q"
	KeyCtrlC = "ctrl+c"
)

// DefaultInterval is the snapshot refresh period.
const DefaultInterval = 200 * time.Millisecond

// Controller is the part of the session controller driven from the console.
type Controller interface {
	Start(condition string) error
	End() (report.Summary, error)
	Close() error
	Snapshot() session.Snapshot
}

// Model is the root bubbletea model.
type Model struct {
	ctrl     Controller
	interval time.Duration

	snap session.Snapshot

	// Condition prompt
	prompting bool
	input     string
	lastCond  string

	// Errors
	errorMessage   string
	errorTransient bool

	statusText string
	quitting   bool

	width  int
	height int
}

// New creates a Model polling ctrl every interval (DefaultInterval if <= 0).
func New(ctrl Controller, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		ctrl:       ctrl,
		interval:   interval,
		snap:       ctrl.Snapshot(),
		statusText: "Ready",
	}
}

// Run drives the console until the operator quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller, interval time.Duration) error {
	p := tea.NewProgram(New(ctrl, interval), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func snapshotCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{Snapshot: ctrl.Snapshot()}
	}
}

func startCmd(ctrl Controller, condition string) tea.Cmd {
	return func() tea.Msg {
		return startedMsg{Condition: condition, Err: ctrl.Start(condition)}
	}
}

func endCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		sum, err := ctrl.End()
		return endedMsg{Summary: sum, Err: err}
	}
}

func closeCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return closedMsg{Err: ctrl.Close()}
	}
}

// clearErrorCmd fires after a delay to clear transient errors.
func clearErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return clearErrorMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.snap = m.ctrl.Snapshot()
		return m, tickCmd(m.interval)

	case snapshotMsg:
		m.snap = msg.Snapshot
		return m, nil

	case startedMsg:
		if msg.Err != nil {
			return m.fail(msg.Err)
		}
		m.lastCond = msg.Condition
		m.statusText = "Recording " + msg.Condition
		return m, snapshotCmd(m.ctrl)

	case endedMsg:
		if msg.Err != nil {
			return m.fail(msg.Err)
		}
		m.statusText = fmt.Sprintf("Trial saved: %d rows, %d blinks in %s",
			msg.Summary.Rows, msg.Summary.Blinks, msg.Summary.Duration.Round(time.Second))
		return m, snapshotCmd(m.ctrl)

	case closedMsg:
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
		}
		return m, tea.Quit

	case clearErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

func (m Model) fail(err error) (tea.Model, tea.Cmd) {
	m.errorMessage = err.Error()
	m.errorTransient = true
	return m, tea.Batch(clearErrorCmd(), snapshotCmd(m.ctrl))
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == KeyCtrlC {
		return m.quit()
	}
	if m.prompting {
		return m.handlePromptKey(msg)
	}

	switch msg.String() {
	case KeyQuit, "Q":
		return m.quit()

	case KeyStart:
		if m.snap.State != session.Preview {
			return m, nil
		}
		m.prompting = true
		m.input = m.lastCond
		return m, nil

	case KeyEnd:
		if m.snap.State != session.Recording {
			return m, nil
		}
		m.statusText = "Ending trial..."
		return m, endCmd(m.ctrl)
	}
	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		cond := strings.TrimSpace(m.input)
		if cond == "" {
			return m, nil
		}
		m.prompting = false
		m.input = ""
		m.statusText = "Starting trial..."
		return m, startCmd(m.ctrl, cond)

	case tea.KeyEsc:
		m.prompting = false
		m.input = ""
		return m, nil

	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
		return m, nil

	case tea.KeySpace:
		m.input += " "
		return m, nil

	case tea.KeyRunes:
		m.input += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}
	m.quitting = true
	m.prompting = false
	m.statusText = "Closing session..."
	return m, closeCmd(m.ctrl)
}

func (m Model) View() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderSession())
	sections = append(sections, m.renderMetrics())
	if m.snap.LastSummary != nil {
		sections = append(sections, m.renderSummary(*m.snap.LastSummary))
	}
	if m.prompting {
		sections = append(sections, promptStyle.Render("Condition: ")+m.input+"█")
	}
	if m.errorMessage != "" {
		sections = append(sections, errorStyle.Render("Error: ")+m.errorMessage)
	}
	sections = append(sections, labelStyle.Render(m.statusText))
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	var dot string
	switch m.snap.State {
	case session.Recording:
		dot = recordingStyle.Render("● REC")
	case session.Preview:
		dot = previewStyle.Render("● PREVIEW")
	default:
		dot = idleStyle.Render("○ " + strings.ToUpper(m.snap.State.String()))
	}
	return titleStyle.Render("orion-fatigue") + "  " + dot
}

func field(label, value string) string {
	return labelStyle.Render(label+": ") + valueStyle.Render(value)
}

func (m Model) renderSession() string {
	s := m.snap
	lines := []string{
		field("Participant", s.Participant) + "  " + field("Camera", s.Camera),
		field("Session", orDash(s.SessionID)),
	}
	if s.State == session.Recording {
		lines = append(lines,
			field("Condition", s.Condition)+"  "+field("Elapsed", formatElapsed(s.Elapsed)))
	}
	lines = append(lines, field("Capture", fmt.Sprintf("%.1f fps (target %d)", s.Source.MeasuredFPS, s.Source.TargetFPS))+
		"  "+field("Queue", fmt.Sprintf("%d/%d, %d dropped", s.Queue.Depth, s.Queue.Capacity, s.Queue.Dropped)))
	if s.Source.Ended {
		lines = append(lines, errorStyle.Render("Camera stopped: ")+s.Source.EndReason)
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderMetrics() string {
	rec := m.snap.Latest
	if rec == nil || m.snap.State != session.Recording {
		return panelStyle.Render(labelStyle.Render("No trial running"))
	}
	if !rec.FaceDetected {
		return panelStyle.Render(field("Faces", fmt.Sprint(rec.FaceCount)) + "  " +
			bandStyles["unavailable"].Render("face not tracked"))
	}

	perclos := formatNumber(rec.Perclos, "%.1f %%")
	if !rec.PerclosReady {
		perclos += labelStyle.Render(" (filling)")
	}
	rate := formatNumber(rec.BlinkRate, "%.1f /min")
	if !rec.BlinkRateReady {
		rate += labelStyle.Render(" (filling)")
	}
	band := rec.Alertness.String()

	lines := []string{
		field("Eye opening", fmt.Sprintf("L %s  R %s", formatNumber(rec.LeftOpening, "%.3f"), formatNumber(rec.RightOpening, "%.3f"))),
		field("PERCLOS", perclos) + "  " + labelStyle.Render("Alertness: ") + bandStyles[band].Render(strings.ToUpper(band)),
		field("Blink rate", rate) + "  " + field("Blinks", fmt.Sprint(rec.BlinksInWindow)),
		field("Last blink", formatNumber(rec.BlinkSeconds(), "%.3f s")),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderSummary(sum report.Summary) string {
	line := lipgloss.JoinHorizontal(lipgloss.Top,
		field("Last trial", sum.Condition), "  ",
		field("Duration", formatElapsed(sum.Duration)), "  ",
		field("Rows", fmt.Sprint(sum.Rows)), "  ",
		field("PERCLOS", formatNumber(sum.MeanPerclos, "%.1f %%")),
	)
	return line
}

func (m Model) renderFooter() string {
	var keys []string
	switch {
	case m.prompting:
		keys = []string{"enter start", "esc cancel"}
	case m.snap.State == session.Preview:
		keys = []string{"s start trial", "q quit"}
	case m.snap.State == session.Recording:
		keys = []string{"e end trial", "q quit"}
	default:
		keys = []string{"q quit"}
	}
	return footerStyle.Render(strings.Join(keys, " • "))
}

func formatNumber(v float64, format string) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf(format, v)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
