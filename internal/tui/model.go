package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/qterm-cli/qterm/internal/tools"
)

// uiMode says what the live region is doing.
type uiMode int

const (
	modeInput    uiMode = iota // waiting for a prompt
	modeBusy                   // a turn is running
	modeConsent                // waiting on a y/n for a tool call
	modeQuestion               // the AskUser tool wants answers
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A855F7")).Bold(true)
)

// model holds only what display and dispatch need; everything it acts on
// lives behind the AppConfig references.
type model struct {
	cfg      AppConfig
	ctx      context.Context
	cancelFn context.CancelFunc

	mode    uiMode
	width   int
	input   textarea.Model
	spinner spinner.Model
	md      *glamour.TermRenderer
	slash   *slashTable

	// Turn in flight.
	streamBuf  string
	activeTool string
	tokensIn   int
	tokensOut  int

	// Pending interactions.
	consent  *consentRequestMsg
	question *tools.AskUserRequestMsg
	answers  map[string]string
	qIndex   int

	initialPrompt string
	modelName     string
	quitting      bool
	exitAction    ExitAction
}

func newModel(cfg AppConfig, ctx context.Context, cancel context.CancelFunc, width int, initialPrompt string) model {
	input := textarea.New()
	input.Placeholder = "Type a message, or / for commands"
	input.Prompt = promptStyle.Render("> ")
	input.SetWidth(width)
	input.SetHeight(1)
	input.ShowLineNumbers = false
	input.FocusedStyle.CursorLine = lipgloss.NewStyle()
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	md, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)

	return model{
		cfg:           cfg,
		ctx:           ctx,
		cancelFn:      cancel,
		mode:          modeInput,
		width:         width,
		input:         input,
		spinner:       sp,
		md:            md,
		slash:         newSlashTable(cfg.Skills),
		initialPrompt: initialPrompt,
		modelName:     cfg.Model,
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink}
	if m.initialPrompt != "" {
		prompt := m.initialPrompt
		cmds = append(cmds, func() tea.Msg { return submitMsg{Text: prompt} })
	}
	return tea.Batch(cmds...)
}

// submitMsg carries user input from Init or key handling into dispatch.
type submitMsg struct {
	Text string
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.input.SetWidth(msg.Width)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case submitMsg:
		return m.dispatch(msg.Text)

	case streamTextMsg:
		m.streamBuf += msg.Text
		return m, nil

	case toolCallMsg:
		// A tool call boundary: flush the text so far, then show the call.
		line := toolStyle.Render("• "+msg.Name)
		if msg.Summary != "" {
			line += "  " + dimStyle.Render(msg.Summary)
		}
		flushed, cmd := m.flushStream()
		return flushed, tea.Batch(cmd, tea.Println(line))

	case usageMsg:
		m.tokensIn += msg.Input
		m.tokensOut += msg.Output
		return m, nil

	case streamErrMsg:
		return m, tea.Println(errStyle.Render("Stream error: " + msg.Err.Error()))

	case turnDoneMsg:
		flushed, cmd := m.flushStream()
		m = flushed
		cmds := []tea.Cmd{cmd}
		if msg.Err != nil && m.ctx.Err() == nil {
			cmds = append(cmds, tea.Println(errStyle.Render("Error: "+msg.Err.Error())))
		}
		m.activeTool = ""
		m.mode = modeInput
		m.input.Focus()
		return m, tea.Batch(append(cmds, textarea.Blink)...)

	case consentRequestMsg:
		m.consent = &msg
		m.mode = modeConsent
		return m, nil

	case tools.AskUserRequestMsg:
		m.question = &msg
		m.answers = make(map[string]string)
		m.qIndex = 0
		m.mode = modeQuestion
		m.input.Reset()
		m.input.Focus()
		return m, nil

	case tools.TodoUpdateMsg:
		return m, tea.Println(dimStyle.Render(todoSummary(msg.Todos)))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.mode == modeInput || m.mode == modeQuestion {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// flushStream renders the accumulated assistant text as markdown into
// scrollback and clears the buffer.
func (m model) flushStream() (model, tea.Cmd) {
	if m.streamBuf == "" {
		return m, nil
	}
	text := m.streamBuf
	m.streamBuf = ""
	if m.md != nil {
		if rendered, err := m.md.Render(text); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	}
	return m, tea.Println(text)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeConsent:
		return m.handleConsentKey(msg)
	case modeQuestion:
		return m.handleQuestionKey(msg)
	case modeBusy:
		if msg.Type == tea.KeyCtrlC {
			m.cancelFn()
			return m, nil
		}
		return m, nil
	}

	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlD:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		return m.dispatch(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// dispatch routes a submitted line: slash command, bare exit, or a prompt
// for the loop.
func (m model) dispatch(text string) (tea.Model, tea.Cmd) {
	echo := tea.Println(promptStyle.Render("> ") + text)

	switch text {
	case "exit", "quit", ":q":
		m.quitting = true
		return m, tea.Batch(echo, tea.Quit)
	}

	if strings.HasPrefix(text, "/") {
		name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
		if cmd, ok := m.slash.lookup(name); ok {
			next, run := cmd.run(&m, strings.TrimSpace(args))
			return next, tea.Batch(echo, run)
		}
		return m, tea.Batch(echo, tea.Println("Unknown command: /"+name+" (try /help)"))
	}

	return m.sendToLoop(text, echo)
}

// sendToLoop starts an agentic turn for prompt. The loop runs on its own
// goroutine; its stream handler feeds events back as messages.
func (m model) sendToLoop(prompt string, extra ...tea.Cmd) (tea.Model, tea.Cmd) {
	m.mode = modeBusy
	m.input.Blur()
	turn := func() tea.Msg {
		return turnDoneMsg{Err: m.cfg.Loop.SendMessage(m.ctx, prompt)}
	}
	cmds := append(extra, turn, m.spinner.Tick)
	return m, tea.Batch(cmds...)
}

func (m model) handleConsentKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.consent == nil {
		m.mode = modeBusy
		return m, nil
	}
	switch msg.String() {
	case "y", "Y":
		m.consent.Reply <- true
		line := dimStyle.Render("Allowed " + m.consent.Tool)
		m.consent = nil
		m.mode = modeBusy
		return m, tea.Println(line)
	case "n", "N", "ctrl+c":
		m.consent.Reply <- false
		line := dimStyle.Render("Denied " + m.consent.Tool)
		m.consent = nil
		m.mode = modeBusy
		return m, tea.Println(line)
	}
	return m, nil
}

// handleQuestionKey collects one typed answer per question: a bare number
// picks the matching option, anything else is a free-form answer.
func (m model) handleQuestionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.question == nil {
		m.mode = modeBusy
		return m, nil
	}
	if msg.Type != tea.KeyEnter {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	q := m.question.Questions[m.qIndex]
	answer := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
		answer = q.Options[n-1].Label
	}
	m.answers[q.Question] = answer

	m.qIndex++
	if m.qIndex < len(m.question.Questions) {
		return m, nil
	}
	m.question.ResponseCh <- m.answers
	m.question = nil
	m.mode = modeBusy
	m.input.Blur()
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	if m.streamBuf != "" {
		b.WriteString(m.streamBuf)
		b.WriteString("\n")
	}

	switch m.mode {
	case modeBusy:
		b.WriteString(m.spinner.View() + " Working...\n")
	case modeConsent:
		if m.consent != nil {
			b.WriteString(boldStyle.Render("Allow "+m.consent.Tool+"?"))
			if m.consent.Summary != "" {
				b.WriteString("  " + dimStyle.Render(m.consent.Summary))
			}
			b.WriteString("\n" + dimStyle.Render("  y = allow, n = deny") + "\n")
		}
	case modeQuestion:
		if m.question != nil && m.qIndex < len(m.question.Questions) {
			q := m.question.Questions[m.qIndex]
			b.WriteString(boldStyle.Render(q.Question) + "\n")
			for i, opt := range q.Options {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, opt.Label)
			}
			b.WriteString(m.input.View() + "\n")
		}
	case modeInput:
		b.WriteString(m.input.View() + "\n")
	}

	b.WriteString(m.statusLine())
	return b.String()
}

// statusLine is the single dim footer: model name and the running token
// tally for this session.
func (m model) statusLine() string {
	status := m.modelName
	if m.tokensIn > 0 || m.tokensOut > 0 {
		status += fmt.Sprintf("  %d in / %d out", m.tokensIn, m.tokensOut)
	}
	return dimStyle.Render(status)
}

// todoSummary condenses a task-list update to one scrollback line.
func todoSummary(todos []tools.TodoItem) string {
	done, active := 0, ""
	for _, t := range todos {
		switch t.Status {
		case "completed":
			done++
		case "in_progress":
			active = t.Content
		}
	}
	line := fmt.Sprintf("Tasks: %d/%d done", done, len(todos))
	if active != "" {
		line += " · " + active
	}
	return line
}
