// Package ui is the terminal front end. It renders session snapshots and
// forwards key presses to the orchestrator as intents; it holds no session
// state of its own.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/session"
)

// Controller is the orchestrator as seen from the UI.
type Controller interface {
	SubmitJobDescription(text, url string) error
	SelectRole(role protocol.Role) error
	StartInterview()
	StartListening()
	StopListening()
	SetVoiceOutput(enabled bool)
	StartNewInterview()
	Snapshot() session.Snapshot
}

// KeyboardInput receives typed answers when no microphone is used.
type KeyboardInput interface {
	Active() bool
	Type(text string)
	Submit(text string) bool
}

// SnapshotMsg delivers a new session snapshot to the program.
type SnapshotMsg session.Snapshot

const (
	headerLines = 3
	footerLines = 6
)

// Model is the bubbletea model.
type Model struct {
	ctrl     Controller
	keyboard KeyboardInput

	snap     session.Snapshot
	input    textinput.Model
	viewport viewport.Model
	urlMode  bool
	notice   string
	width    int
	height   int
}

// New creates the model. keyboard is nil when answers are spoken.
func New(ctrl Controller, keyboard KeyboardInput) Model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Focus()

	m := Model{
		ctrl:     ctrl,
		keyboard: keyboard,
		snap:     ctrl.Snapshot(),
		input:    input,
		viewport: viewport.New(80, 20),
		width:    80,
		height:   30,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerLines-footerLines, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case SnapshotMsg:
		m.snap = session.Snapshot(msg)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.keyboard != nil && m.input.Value() != before && m.keyboard.Active() {
		m.keyboard.Type(m.input.Value())
	}
	return m, cmd
}

// handleKey maps a key press to an intent. It reports false when the key
// should go to the text input instead.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return tea.Quit, true
	case tea.KeyCtrlN:
		m.input.Reset()
		m.notice = ""
		m.ctrl.StartNewInterview()
		return nil, true
	case tea.KeyCtrlT:
		m.ctrl.SetVoiceOutput(!m.snap.VoiceOutput)
		return nil, true
	}

	switch m.snap.Phase {
	case session.PhaseConfig:
		return m.configKey(msg)
	case session.PhaseInterview:
		return m.interviewKey(msg)
	case session.PhaseFeedback:
		if msg.Type == tea.KeyEnter {
			m.input.Reset()
			m.ctrl.StartNewInterview()
			return nil, true
		}
		return nil, true
	}
	return nil, false
}

func (m *Model) configKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyTab:
		m.urlMode = !m.urlMode
		m.refresh()
		return nil, true
	case tea.KeyCtrlR:
		next := protocol.RoleTechnicalManager
		if m.snap.Config.Role == protocol.RoleTechnicalManager {
			next = protocol.RoleHR
		}
		if err := m.ctrl.SelectRole(next); err != nil {
			m.notice = err.Error()
		}
		return nil, true
	case tea.KeyCtrlS:
		m.notice = ""
		m.ctrl.StartInterview()
		return nil, true
	case tea.KeyEnter:
		text, url := m.input.Value(), ""
		if m.urlMode {
			text, url = "", m.input.Value()
		}
		if err := m.ctrl.SubmitJobDescription(text, url); err != nil {
			m.notice = err.Error()
			return nil, true
		}
		m.notice = ""
		m.input.Reset()
		return nil, true
	}
	return nil, false
}

func (m *Model) interviewKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyEsc:
		m.ctrl.StopListening()
		return nil, true
	case tea.KeyEnter:
		if !m.snap.Listening {
			m.ctrl.StartListening()
			return nil, true
		}
		if m.keyboard == nil {
			m.ctrl.StopListening()
			return nil, true
		}
		if m.keyboard.Submit(m.input.Value()) {
			m.input.Reset()
		}
		return nil, true
	}
	// Without a keyboard recognizer there is nothing to type.
	return nil, m.keyboard == nil
}

// refresh re-renders the transcript into the viewport.
func (m *Model) refresh() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderTranscript(m.snap.Transcript, m.viewport.Width))
	if atBottom || m.viewport.TotalLineCount() <= m.viewport.Height {
		m.viewport.GotoBottom()
	}

	switch m.snap.Phase {
	case session.PhaseConfig:
		if m.urlMode {
			m.input.Placeholder = "Job description URL"
		} else {
			m.input.Placeholder = "Paste the job description"
		}
	case session.PhaseInterview:
		if m.keyboard != nil {
			m.input.Placeholder = "Type your answer"
		} else {
			m.input.Placeholder = ""
		}
	default:
		m.input.Placeholder = ""
	}
}

func renderTranscript(entries []session.Entry, width int) string {
	if width <= 0 {
		width = 80
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderEntry(e, width))
	}
	return b.String()
}

func renderEntry(e session.Entry, width int) string {
	label := aiStyle.Render(string(e.Speaker))
	if e.Speaker == session.SpeakerUser {
		label = userStyle.Render(string(e.Speaker))
	}
	header := fmt.Sprintf("%s %s", timeStyle.Render(e.Timestamp), label)
	body := indent.String(wordwrap.String(e.Text, max(width-4, 20)), 2)
	return header + "\n" + body
}

func (m Model) View() string {
	var sections []string

	status := m.snap.Status.String()
	statusText := lipgloss.NewStyle().Foreground(statusColors[status]).Render(status)
	voice := "off"
	if m.snap.VoiceOutput {
		voice = "on"
	}
	sections = append(sections,
		titleStyle.Render("AI Interview Simulator"),
		statusStyle.Render(fmt.Sprintf("phase: %s | role: %s | voice: %s | ", m.snap.Phase, m.snap.Config.Role, voice))+statusText,
		"",
		m.viewport.View(),
	)

	if m.snap.Interim != "" {
		sections = append(sections, interimStyle.Render("… "+m.snap.Interim))
	}
	if m.snap.STTError != "" {
		sections = append(sections, errorStyle.Render(m.snap.STTError))
	}
	if m.notice != "" {
		sections = append(sections, errorStyle.Render(m.notice))
	}
	if m.snap.Phase == session.PhaseFeedback && m.snap.Feedback != nil {
		sections = append(sections, feedbackStyle.Width(max(m.width-4, 20)).Render(
			"Interview Feedback\n\n"+wordwrap.String(*m.snap.Feedback, max(m.width-8, 20))))
	}

	if m.showInput() {
		sections = append(sections, m.input.View())
	}
	sections = append(sections, helpStyle.Render(m.help()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) showInput() bool {
	switch m.snap.Phase {
	case session.PhaseConfig:
		return true
	case session.PhaseInterview:
		return m.keyboard != nil
	}
	return false
}

func (m Model) help() string {
	switch m.snap.Phase {
	case session.PhaseConfig:
		mode := "url"
		if m.urlMode {
			mode = "text"
		}
		return fmt.Sprintf("enter: save job description • tab: use %s • ctrl+r: switch role • ctrl+s: start • ctrl+c: quit", mode)
	case session.PhaseInterview:
		if m.snap.Listening {
			if m.keyboard != nil {
				return "enter: send answer • esc: stop • ctrl+t: voice • ctrl+n: end interview"
			}
			return "listening… enter/esc: stop • ctrl+t: voice • ctrl+n: end interview"
		}
		return "enter: answer • ctrl+t: voice • ctrl+n: end interview • ctrl+c: quit"
	default:
		return "enter/ctrl+n: start a new interview • ctrl+c: quit"
	}
}
