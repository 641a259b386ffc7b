// Package tui is the terminal collaborator for the chat loop: it reads
// prompt lines, renders the streamed response, and asks for consent when a
// tool needs it. All real behavior lives in the core packages (the
// conversation loop, tool dispatcher, context manager, hook executor);
// this package is display and dispatch glue only.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/config"
	"github.com/qterm-cli/qterm/internal/contextfiles"
	"github.com/qterm-cli/qterm/internal/conversation"
	"github.com/qterm-cli/qterm/internal/session"
	"github.com/qterm-cli/qterm/internal/skills"
	"github.com/qterm-cli/qterm/internal/store"
)

// MCPStatus is the slice of the MCP manager the UI needs for /mcp and
// /prompts, kept as an interface so this package stays display-only.
type MCPStatus interface {
	Servers() []string
	ServerStatus(name string) string
}

// ExitAction tells the caller what to do after the UI exits.
type ExitAction int

const (
	ExitNone  ExitAction = iota
	ExitLogin            // user ran /login; caller re-runs the login flow
)

// AppConfig carries the core subsystems the UI fronts.
type AppConfig struct {
	Loop        *conversation.Loop
	Session     *session.Session
	SessStore   *session.Store
	Version     string
	Model       string
	Cwd         string
	BillingType string
	MCPManager  MCPStatus
	Skills      []skills.Skill
	Settings    *config.Settings
	RuleHandler *config.RuleBasedPermissionHandler
	LogoutFunc  func() error

	ContextManager *contextfiles.Manager
	StateStore     *store.Store
}

// App runs the interactive chat session.
type App struct {
	cfg           AppConfig
	initialPrompt string
	exitAction    ExitAction
}

// New creates the UI for one chat session.
func New(cfg AppConfig) *App {
	return &App{cfg: cfg}
}

// SetInitialPrompt queues a prompt to send as soon as the UI starts.
func (a *App) SetInitialPrompt(prompt string) {
	a.initialPrompt = prompt
}

// ExitAction reports what the user asked for on the way out.
func (a *App) ExitAction() ExitAction {
	return a.exitAction
}

// Run blocks until the user quits. It owns the wiring between the loop
// and the Bubble Tea program: the stream relay, the consent relay, and
// the program handle for tools that render through it.
func (a *App) Run(ctx context.Context) error {
	width := 80
	if w, _, err := term.GetSize(0); err == nil && w > 0 {
		width = w
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	m := newModel(a.cfg, loopCtx, loopCancel, width, a.initialPrompt)
	p := tea.NewProgram(m)

	a.cfg.Loop.SetHandler(newStreamRelay(p))
	a.cfg.Loop.SetPermissionHandler(newConsentRelay(p, a.cfg.RuleHandler))

	// Tools that render through the program (AskUser, TodoWrite).
	type programSetter interface {
		SetProgram(p *tea.Program)
	}
	if ps, ok := a.cfg.Loop.ToolExecutor().(programSetter); ok {
		ps.SetProgram(p)
	}

	printBanner(a.cfg)

	finalModel, err := p.Run()
	if fm, ok := finalModel.(model); ok {
		a.exitAction = fm.exitAction
	}
	return err
}

// printBanner writes the startup header to scrollback before the program
// takes over the live region.
func printBanner(cfg AppConfig) {
	fmt.Println()
	fmt.Printf("\033[1m✻ qterm\033[0m v%s\n", cfg.Version)
	display := api.ModelDisplayName(cfg.Model)
	if cfg.BillingType != "" {
		fmt.Printf("  %s · %s\n", display, cfg.BillingType)
	} else {
		fmt.Printf("  %s\n", display)
	}
	if cfg.Cwd != "" {
		fmt.Printf("  %s\n", cfg.Cwd)
	}
	fmt.Println()
}
