package ui

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/transport"
)

// maxNotices bounds the notice history kept for the viewport.
const maxNotices = 200

// UIState represents the state of the download shown by the TUI
type UIState struct {
	URL      string
	Output   string
	Phase    engine.RunState
	Snapshot engine.Snapshot
	Notices  []string
	Aborting bool
	Done     bool
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState *UIState
	onAbort     func()
	spinner     spinner.Model
	progress    progress.Model
	viewport    viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	noticeStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg carries a progress snapshot
type TUIUpdateMsg struct {
	Snapshot engine.Snapshot
}

// TUIStateMsg reports an orchestrator state change
type TUIStateMsg engine.RunState

// TUINoticeMsg carries a diagnostic notice
type TUINoticeMsg string

// TUIResponseMsg carries the response information
type TUIResponseMsg transport.Result

// TUIDoneMsg ends the program
type TUIDoneMsg struct{}

// NewTUIModel creates the model. onAbort is called when the user quits
// while the download is still running.
func NewTUIModel(initialState *UIState, onAbort func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		engineState:  initialState,
		onAbort:      onAbort,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		noticeStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.engineState.Done {
				m.engineState.Aborting = true
				if m.onAbort != nil {
					m.onAbort()
				}
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(msg.Width-14, 10)

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))
		m.viewport.SetContent(strings.Join(m.engineState.Notices, "\n"))

	case TUIUpdateMsg:
		m.engineState.Snapshot = msg.Snapshot

	case TUIStateMsg:
		m.engineState.Phase = engine.RunState(msg)

	case TUINoticeMsg:
		m.addNotice(m.noticeStyle.Render("--> " + string(msg)))

	case TUIResponseMsg:
		for _, line := range ResponseInfo(transport.Result(msg)) {
			m.addNotice(line)
		}

	case TUIDoneMsg:
		m.engineState.Done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *TUIModel) addNotice(line string) {
	st := m.engineState
	st.Notices = append(st.Notices, line)
	if len(st.Notices) > maxNotices {
		st.Notices = st.Notices[len(st.Notices)-maxNotices:]
	}
	m.viewport.SetContent(strings.Join(st.Notices, "\n"))
	m.viewport.GotoBottom()
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	st := m.engineState
	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s gfetch %s", m.spinner.View(), m.titleStyle.Render(st.URL))
	sb.WriteString(header + "\n")
	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("Output: %s | State: %s", st.Output, st.Phase)) + "\n")

	snap := st.Snapshot
	percent, ok := snap.Percent()
	if !ok {
		percent = 0
	}
	sb.WriteString(m.progress.ViewAs(percent/100) + "\n")
	if st.Phase >= engine.RunTransferring {
		sb.WriteString(ProgressLine(snap) + "\n\n")
	} else {
		sb.WriteString("\n\n")
	}

	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: abort download")
	switch {
	case st.Aborting:
		help = m.errorStyle.Render("Aborting...")
	case st.Done && st.Phase == engine.RunFailed:
		help = m.errorStyle.Render("Download failed.")
	case st.Done:
		help = m.successStyle.Render("Download complete!")
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// TUIRenderer runs the TUI as a bubbletea program fed by the fetcher.
type TUIRenderer struct {
	program *tea.Program
	done    chan error
}

// NewTUIRenderer creates a TUI for a download of u into output, drawn on
// out. onAbort is called when the user quits early.
func NewTUIRenderer(u *url.URL, output string, out io.Writer, onAbort func()) *TUIRenderer {
	model := NewTUIModel(&UIState{URL: u.Redacted(), Output: output}, onAbort)
	return &TUIRenderer{
		program: tea.NewProgram(model, tea.WithOutput(out)),
		done:    make(chan error, 1),
	}
}

// Start implements Renderer.
func (r *TUIRenderer) Start() error {
	go func() {
		_, err := r.program.Run()
		r.done <- err
	}()
	return nil
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() {
	r.program.Send(TUIDoneMsg{})
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		r.program.Kill()
	}
}

// OnMessage implements engine.Observer.
func (r *TUIRenderer) OnMessage(text string) {
	r.program.Send(TUINoticeMsg(text))
}

// OnState implements engine.Observer.
func (r *TUIRenderer) OnState(s engine.RunState) {
	r.program.Send(TUIStateMsg(s))
}

// OnResponse implements engine.Observer.
func (r *TUIRenderer) OnResponse(res transport.Result) {
	r.program.Send(TUIResponseMsg(res))
}

// OnProgress implements engine.Observer.
func (r *TUIRenderer) OnProgress(s engine.Snapshot) {
	r.program.Send(TUIUpdateMsg{Snapshot: s})
}
