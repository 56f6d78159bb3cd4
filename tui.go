package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scribe/session"
	"scribe/transcript"
)

// TUI message types
type StatusMsg struct {
	Status    session.Status
	SessionID string
}
type LevelMsg struct {
	Level   float64
	Elapsed time.Duration
}
type EntryMsg struct{ Entry transcript.Entry }
type NoVoiceMsg struct{ On bool }
type DeviceLineMsg struct{ Text string }
type ModeLineMsg struct{ Text string }
type tickMsg time.Time

// tuiActions are the key bindings' effects outside the model.
type tuiActions struct {
	toggle   func()
	favorite func(entryID string)
}

type tuiModel struct {
	act tuiActions

	status    session.Status
	sessionID string
	elapsed   time.Duration
	level     float64
	noVoice   bool
	frame     int

	entries  []transcript.Entry
	selected int // index into entries, -1 follows the newest

	width, height int
	modeLine      string
	deviceLine    string
	hotkeyLabel   string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	recStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	connStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	idleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	finalStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	partialStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Italic(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	starStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	meterOn       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	meterOff      = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
)

const (
	sidebarWidth = 34
	meterWidth   = 24
)

func newTUIModel(act tuiActions, hotkeyLabel string) tuiModel {
	return tuiModel{act: act, selected: -1, hotkeyLabel: hotkeyLabel}
}

func NewTUIProgram(act tuiActions, hotkeyLabel string) *tea.Program {
	return tea.NewProgram(newTUIModel(act, hotkeyLabel), tea.WithAltScreen())
}

// tuiSend delivers msg to the running TUI, if any.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case StatusMsg:
		m.status = msg.Status
		m.sessionID = msg.SessionID
		if msg.Status == session.StatusConnecting {
			m.elapsed, m.level, m.noVoice = 0, 0, false
		}
		if msg.Status != session.StatusRecording {
			m.level = 0
		}

	case LevelMsg:
		if m.status == session.StatusRecording {
			m.level = m.level*0.6 + msg.Level*0.4
			m.elapsed = msg.Elapsed
		}

	case NoVoiceMsg:
		m.noVoice = msg.On

	case EntryMsg:
		m.upsert(msg.Entry)

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case " ":
		if m.act.toggle != nil {
			return m, action(m.act.toggle)
		}
	case "up", "k":
		if len(m.entries) > 0 {
			if m.selected < 0 {
				m.selected = len(m.entries) - 1
			}
			m.selected = max(0, m.selected-1)
		}
	case "down", "j":
		if m.selected >= 0 {
			m.selected++
			if m.selected >= len(m.entries) {
				m.selected = -1
			}
		}
	case "f":
		if e, ok := m.current(); ok && e.Sealed() && m.act.favorite != nil {
			return m, action(func() { m.act.favorite(e.ID) })
		}
	}
	return m, nil
}

// action runs fn off the event loop. fn may call back into tuiSend, which
// would block if run from Update.
func action(fn func()) tea.Cmd {
	return func() tea.Msg {
		fn()
		return nil
	}
}

// upsert replaces the entry with the same id or appends a new one.
func (m *tuiModel) upsert(e transcript.Entry) {
	for i := range m.entries {
		if m.entries[i].ID == e.ID {
			m.entries[i] = e
			return
		}
	}
	m.entries = append(m.entries, e)
}

func (m tuiModel) current() (transcript.Entry, bool) {
	if len(m.entries) == 0 {
		return transcript.Entry{}, false
	}
	i := m.selected
	if i < 0 || i >= len(m.entries) {
		i = len(m.entries) - 1
	}
	return m.entries[i], true
}

func (m tuiModel) statusLine() string {
	switch m.status {
	case session.StatusConnecting:
		dots := strings.Repeat(".", m.frame%4)
		return connStyle.Render("◌ CONNECTING" + dots)
	case session.StatusRecording:
		return recStyle.Render(fmt.Sprintf("● REC %.1fs", m.elapsed.Seconds()))
	case session.StatusProcessing:
		return connStyle.Render("◐ WAITING FOR FINAL")
	}
	return idleStyle.Render("○ STANDBY")
}

// renderMeter draws level in [0, 1] as a bar; speech sits around 0.05-0.3,
// so the scale is stretched.
func renderMeter(level float64, width int) string {
	n := min(width, int(level*4*float64(width)+0.5))
	return meterOn.Render(strings.Repeat("█", n)) + meterOff.Render(strings.Repeat("░", width-n))
}

func (m tuiModel) sidebar() []string {
	lines := []string{m.statusLine()}
	recording := m.status == session.StatusRecording
	if recording {
		lines = append(lines, renderMeter(m.level, meterWidth))
		if m.noVoice {
			lines = append(lines, warnStyle.Render("⚠ no voice detected"))
		}
	}
	lines = append(lines, "")
	if m.modeLine != "" {
		lines = append(lines, infoStyle.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		lines = append(lines, idleStyle.Render(m.deviceLine))
	}
	if m.sessionID != "" {
		lines = append(lines, dimStyle.Render("session "+shortID(m.sessionID)))
	}
	lines = append(lines, "")
	bold := dimStyle.Bold(true)
	if m.hotkeyLabel != "" {
		lines = append(lines, bold.Render(m.hotkeyLabel)+dimStyle.Render(" tap/hold to record"))
	}
	lines = append(lines,
		bold.Render("space")+dimStyle.Render(" toggle  ")+bold.Render("f")+dimStyle.Render(" favorite"),
		bold.Render("↑/↓")+dimStyle.Render(" select  ")+bold.Render("q")+dimStyle.Render(" quit"),
		dimStyle.Render("scribe "+version),
	)
	return lines
}

func (m tuiModel) renderEntries(width, height int) string {
	if len(m.entries) == 0 {
		return idleStyle.Render("No transcripts yet")
	}
	cur, _ := m.current()

	// Newest last; render backwards until the panel is full.
	var blocks [][]string
	used := 0
	for i := len(m.entries) - 1; i >= 0 && used < height; i-- {
		e := m.entries[i]
		style := finalStyle
		text := e.Text
		switch e.Status {
		case transcript.StatusStreaming:
			style = partialStyle
			text += " …"
		case transcript.StatusError:
			style = errorStyle
			text = "✗ " + text
		}
		if e.ID == cur.ID && m.selected >= 0 {
			style = selectedStyle
		}

		prefix := "  "
		if e.Favorite {
			prefix = starStyle.Render("★") + " "
		}
		var block []string
		for j, line := range wrapText(text, width-2) {
			if j == 0 {
				block = append(block, prefix+style.Render(line))
			} else {
				block = append(block, "  "+style.Render(line))
			}
		}
		block = append(block, "")
		blocks = append(blocks, block)
		used += len(block)
	}

	var b strings.Builder
	for i := len(blocks) - 1; i >= 0; i-- {
		for _, line := range blocks[i] {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	side := lipgloss.NewStyle().
		Width(sidebarWidth).
		Height(m.height).
		Render(strings.Join(m.sidebar(), "\n"))

	logWidth := max(20, m.width-sidebarWidth-1)
	panel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.renderEntries(logWidth-1, m.height))

	return lipgloss.JoinHorizontal(lipgloss.Top, side, panel)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// wrapText splits text on spaces into lines of at most width runes. Words
// longer than width are cut.
func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 1
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		r := []rune(para)
		if len(r) == 0 {
			lines = append(lines, "")
			continue
		}
		for len(r) > width {
			cut := width
			for i := width; i > 0; i-- {
				if r[i] == ' ' {
					cut = i
					break
				}
			}
			lines = append(lines, string(r[:cut]))
			r = []rune(strings.TrimLeft(string(r[cut:]), " "))
		}
		if len(r) > 0 {
			lines = append(lines, string(r))
		}
	}
	return lines
}
