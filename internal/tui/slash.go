package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/config"
	"github.com/qterm-cli/qterm/internal/hooks"
	"github.com/qterm-cli/qterm/internal/session"
	"github.com/qterm-cli/qterm/internal/skills"
	"github.com/qterm-cli/qterm/internal/tools"
)

// slashCommand is one /command. Every handler is a thin call into a core
// package; the UI only formats the result.
type slashCommand struct {
	name    string
	summary string
	alias   bool // hidden from /help, points at a primary command's run
	run     func(m *model, args string) (tea.Model, tea.Cmd)
}

// slashTable holds the command set for one session.
type slashTable struct {
	byName map[string]slashCommand
	names  []string
}

func (t *slashTable) add(cmd slashCommand) {
	t.byName[cmd.name] = cmd
	t.names = append(t.names, cmd.name)
	sort.Strings(t.names)
}

func (t *slashTable) lookup(name string) (slashCommand, bool) {
	cmd, ok := t.byName[name]
	return cmd, ok
}

func (t *slashTable) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range t.names {
		cmd := t.byName[name]
		if cmd.alias {
			continue
		}
		fmt.Fprintf(&b, "  /%-10s %s\n", cmd.name, cmd.summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// say wraps a text-producing handler.
func say(fn func(m *model, args string) string) func(*model, string) (tea.Model, tea.Cmd) {
	return func(m *model, args string) (tea.Model, tea.Cmd) {
		return *m, tea.Println(fn(m, args))
	}
}

func newSlashTable(loadedSkills []skills.Skill) *slashTable {
	t := &slashTable{byName: make(map[string]slashCommand)}

	t.add(slashCommand{name: "help", summary: "Show this list", run: say(func(m *model, _ string) string {
		return m.slash.helpText()
	})})
	t.add(slashCommand{name: "version", summary: "Show version", run: say(func(m *model, _ string) string {
		return "qterm " + m.cfg.Version + " (Go)"
	})})
	t.add(slashCommand{name: "usage", summary: "Show token usage", run: say(usageText)})
	t.add(slashCommand{name: "cost", alias: true, run: say(usageText)})
	t.add(slashCommand{name: "model", summary: "Show or switch model", run: say(modelText)})
	t.add(slashCommand{name: "mcp", summary: "Show MCP server status", run: say(mcpText)})
	t.add(slashCommand{name: "prompts", summary: "List MCP prompt templates", run: say(promptsText)})
	t.add(slashCommand{name: "context", summary: "Show or edit context patterns", run: say(contextText)})
	t.add(slashCommand{name: "tools", summary: "Show or change tool trust", run: say(toolsText)})
	t.add(slashCommand{name: "profile", summary: "Show or switch profile", run: say(profileText)})
	t.add(slashCommand{name: "hooks", summary: "Show configured hooks", run: say(hooksText)})
	t.add(slashCommand{name: "editor", summary: "Toggle vim input mode", run: say(editorText)})
	t.add(slashCommand{name: "save", summary: "Save the conversation", run: say(saveText)})
	t.add(slashCommand{name: "load", summary: "Load a saved conversation", run: say(loadText)})
	t.add(slashCommand{name: "clear", summary: "Start a fresh conversation", run: say(clearText)})
	t.add(slashCommand{name: "compact", summary: "Summarize older history", run: runCompact})
	t.add(slashCommand{name: "login", summary: "Re-run the login flow", run: runLogin})
	t.add(slashCommand{name: "logout", summary: "Sign out and quit", run: runLogout})
	t.add(slashCommand{name: "quit", summary: "Exit", run: runQuit})
	t.add(slashCommand{name: "exit", alias: true, run: runQuit})

	// Skill triggers become commands that send the skill body as a prompt.
	for _, s := range loadedSkills {
		if s.Trigger == "" {
			continue
		}
		body := s.Content
		t.add(slashCommand{
			name:    strings.TrimPrefix(s.Trigger, "/"),
			summary: s.Description,
			run: func(m *model, args string) (tea.Model, tea.Cmd) {
				prompt := body
				if args != "" {
					prompt += "\n\nArguments: " + args
				}
				return m.sendToLoop(prompt)
			},
		})
	}
	return t
}

func usageText(m *model, _ string) string {
	return fmt.Sprintf("Tokens this session: %d in / %d out\nMessages in history: %d",
		m.tokensIn, m.tokensOut, m.cfg.Loop.History().Len())
}

func modelText(m *model, args string) string {
	if args == "" {
		return "Model: " + api.ModelDisplayName(m.modelName) + " (" + m.modelName + ")"
	}
	resolved := api.ResolveModelAlias(args)
	m.cfg.Loop.SetModel(resolved)
	m.modelName = resolved
	if m.cfg.Session != nil {
		m.cfg.Session.Model = resolved
	}
	return "Switched to " + api.ModelDisplayName(resolved)
}

func mcpText(m *model, _ string) string {
	if m.cfg.MCPManager == nil {
		return "No MCP servers configured."
	}
	servers := m.cfg.MCPManager.Servers()
	if len(servers) == 0 {
		return "No MCP servers connected."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MCP servers (%d):\n", len(servers))
	for _, name := range servers {
		b.WriteString("  " + m.cfg.MCPManager.ServerStatus(name) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func promptsText(m *model, _ string) string {
	type promptLister interface {
		PromptSummaries(ctx context.Context) map[string][]string
	}
	lister, ok := m.cfg.MCPManager.(promptLister)
	if m.cfg.MCPManager == nil || !ok {
		return "No MCP servers configured."
	}
	summaries := lister.PromptSummaries(m.ctx)
	if len(summaries) == 0 {
		return "No prompt templates advertised by connected MCP servers."
	}
	servers := make([]string, 0, len(summaries))
	for name := range summaries {
		servers = append(servers, name)
	}
	sort.Strings(servers)
	var b strings.Builder
	b.WriteString("MCP prompt templates:")
	for _, server := range servers {
		fmt.Fprintf(&b, "\n%s:\n  %s", server, strings.Join(summaries[server], "\n  "))
	}
	return b.String()
}

func contextText(m *model, args string) string {
	mgr := m.cfg.ContextManager
	if mgr == nil {
		return "Context manager not available."
	}

	fields := strings.Fields(args)
	sub := "show"
	if len(fields) > 0 {
		sub, fields = fields[0], fields[1:]
	}
	global := false
	var patterns []string
	for _, f := range fields {
		if f == "--global" {
			global = true
		} else {
			patterns = append(patterns, f)
		}
	}

	persist := func() {
		if m.cfg.StateStore != nil {
			_ = mgr.Save(m.ctx, m.cfg.StateStore)
		}
	}

	switch sub {
	case "show":
		var b strings.Builder
		fmt.Fprintf(&b, "Global patterns: %s\n", patternList(mgr.Global.Patterns))
		fmt.Fprintf(&b, "Profile patterns (%s): %s\n", mgr.ProfileName, patternList(mgr.Profile.Patterns))
		if cwd, err := os.Getwd(); err == nil {
			if result, err := mgr.MatchedFiles(cwd); err == nil {
				fmt.Fprintf(&b, "Matched files: %d (~%d tokens)", len(result.Files), result.TotalTokens)
				if result.DroppedCount > 0 {
					fmt.Fprintf(&b, "\nDropped to fit the budget: %d (%s)",
						result.DroppedCount, strings.Join(result.Dropped, ", "))
				}
			}
		}
		return strings.TrimRight(b.String(), "\n")
	case "add":
		for _, p := range patterns {
			mgr.Add(global, p)
		}
		persist()
		return fmt.Sprintf("Added %d pattern(s) to the %s config.", len(patterns), scopeName(global))
	case "rm":
		removed := 0
		for _, p := range patterns {
			if mgr.Remove(global, p) {
				removed++
			}
		}
		persist()
		return fmt.Sprintf("Removed %d pattern(s) from the %s config.", removed, scopeName(global))
	case "clear":
		mgr.Clear(global)
		persist()
		return "Cleared the " + scopeName(global) + " config."
	default:
		return "Usage: /context [show|add|rm|clear] [--global] [PATTERN...]"
	}
}

func patternList(patterns []string) string {
	if len(patterns) == 0 {
		return "(none)"
	}
	return strings.Join(patterns, ", ")
}

func scopeName(global bool) string {
	if global {
		return "global"
	}
	return "profile"
}

func toolsText(m *model, args string) string {
	type trustProvider interface {
		Trust() *tools.TrustState
	}
	tp, ok := m.cfg.Loop.ToolExecutor().(trustProvider)
	if !ok {
		return "Tool trust is not available in this session."
	}
	trust := tp.Trust()

	fields := strings.Fields(args)
	if len(fields) == 0 {
		trustAll, trusted, pending := trust.Snapshot()
		if trustAll {
			return "All tools are trusted (trust-all is on)."
		}
		return fmt.Sprintf("Trusted tools: %s\nPending patterns: %s\nUsage: /tools [trust|untrust|trust-all|reset] [NAME...]",
			patternList(trusted), patternList(pending))
	}

	names := fields[1:]
	switch fields[0] {
	case "trust":
		for _, name := range names {
			// Wildcards wait as pending patterns for tools not yet loaded.
			if strings.ContainsAny(name, "*?[") {
				trust.AddPendingPattern(name)
			} else {
				trust.Trust(name)
			}
		}
		return "Trusted: " + patternList(names)
	case "untrust":
		for _, name := range names {
			trust.Untrust(name)
		}
		return "Untrusted: " + patternList(names)
	case "trust-all":
		trust.SetTrustAll(true)
		return "All tools trusted. Every tool now runs without asking."
	case "reset":
		trust.Reset()
		return "Tool trust reset to defaults."
	default:
		return "Usage: /tools [trust|untrust|trust-all|reset] [NAME...]"
	}
}

func profileText(m *model, args string) string {
	mgr := m.cfg.ContextManager
	if mgr == nil {
		return "Profiles are not available in this session."
	}
	name := strings.TrimSpace(args)
	if name == "" {
		return fmt.Sprintf("Active profile: %s (%d context patterns)", mgr.ProfileName, len(mgr.Profile.Patterns))
	}
	if m.cfg.StateStore == nil {
		return "Profile switching requires the state store."
	}
	if err := mgr.SetProfile(m.ctx, m.cfg.StateStore, name); err != nil {
		return "Switching profile: " + err.Error()
	}
	return fmt.Sprintf("Switched to profile %q (%d context patterns).", name, len(mgr.Profile.Patterns))
}

func hooksText(m *model, _ string) string {
	if m.cfg.Settings == nil || m.cfg.Settings.ContextHooks == nil {
		return "No context hooks configured.\nAdd them under \"contextHooks\" in .qterm/settings.json"
	}
	var configured []hooks.Hook
	if err := json.Unmarshal(m.cfg.Settings.ContextHooks, &configured); err != nil {
		return "Error parsing contextHooks: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Context hooks (%d):\n", len(configured))
	for _, h := range configured {
		state := ""
		if h.Disabled {
			state = " (disabled)"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s%s\n", h.Name, h.Trigger, h.Command, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func editorText(m *model, _ string) string {
	mode := "vim"
	if m.cfg.Settings != nil && m.cfg.Settings.EditorMode == "vim" {
		mode = "normal"
	}
	if m.cfg.Settings != nil {
		m.cfg.Settings.EditorMode = mode
	}
	_ = config.SaveUserSetting("editorMode", mode)
	return "Editor mode: " + mode
}

func saveText(m *model, _ string) string {
	if m.cfg.SessStore == nil || m.cfg.Session == nil {
		return "Session store not available."
	}
	m.cfg.Session.Messages = m.cfg.Loop.History().Messages()
	if err := m.cfg.SessStore.Save(m.cfg.Session); err != nil {
		return "Saving session: " + err.Error()
	}
	return "Saved session " + m.cfg.Session.ID
}

func loadText(m *model, args string) string {
	if m.cfg.SessStore == nil || m.cfg.Session == nil {
		return "Session store not available."
	}
	id := strings.TrimSpace(args)
	if id == "" {
		return loadListText(m.cfg.SessStore)
	}
	sess, err := m.cfg.SessStore.Load(id)
	if err != nil {
		return "Loading session: " + err.Error()
	}
	*m.cfg.Session = *sess
	m.cfg.Loop.History().SetMessages(sess.Messages)
	return fmt.Sprintf("Loaded session %s (%d messages)", sess.ID, len(sess.Messages))
}

// loadListText shows the saved sessions /load can target.
func loadListText(st *session.Store) string {
	sessions, err := st.List()
	if err != nil || len(sessions) == 0 {
		return "No saved sessions."
	}
	var b strings.Builder
	b.WriteString("Saved sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "  %s (%d messages)\n", s.ID, len(s.Messages))
	}
	b.WriteString("Usage: /load SESSION_ID")
	return b.String()
}

func clearText(m *model, _ string) string {
	m.cfg.Loop.Clear()
	m.tokensIn, m.tokensOut = 0, 0
	if m.cfg.Session != nil {
		m.cfg.Session.ID = session.GenerateID()
		m.cfg.Session.Messages = nil
	}
	return "Conversation cleared. Starting fresh."
}

func runCompact(m *model, _ string) (tea.Model, tea.Cmd) {
	m.mode = modeBusy
	m.input.Blur()
	compact := func() tea.Msg {
		return turnDoneMsg{Err: m.cfg.Loop.Compact(m.ctx)}
	}
	return *m, tea.Batch(compact, m.spinner.Tick)
}

func runLogin(m *model, _ string) (tea.Model, tea.Cmd) {
	m.exitAction = ExitLogin
	m.quitting = true
	return *m, tea.Quit
}

func runLogout(m *model, _ string) (tea.Model, tea.Cmd) {
	var out tea.Cmd
	if m.cfg.LogoutFunc != nil {
		if err := m.cfg.LogoutFunc(); err != nil {
			out = tea.Println(errStyle.Render("Logout: " + err.Error()))
		} else {
			out = tea.Println("Logged out.")
		}
	}
	m.quitting = true
	return *m, tea.Batch(out, tea.Quit)
}

func runQuit(m *model, _ string) (tea.Model, tea.Cmd) {
	m.quitting = true
	return *m, tea.Quit
}
