package tui

import (
	"context"
	"strings"
	"testing"

	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/contextfiles"
	"github.com/qterm-cli/qterm/internal/conversation"
	"github.com/qterm-cli/qterm/internal/mock"
	"github.com/qterm-cli/qterm/internal/session"
	"github.com/qterm-cli/qterm/internal/skills"
	"github.com/qterm-cli/qterm/internal/tools"
)

// fixture builds a model over real core objects: a tool registry with a
// trust table, a context manager, and a loop against the mock backend.
func fixture(t *testing.T) model {
	t.Helper()

	b := mock.NewBackend(&mock.StaticResponder{
		Response: mock.TextResponse("ok", 1),
	})
	t.Cleanup(b.Close)

	registry := tools.NewRegistry(nil)
	loop := conversation.NewLoop(conversation.LoopConfig{
		Client:   b.Client(api.WithModel("qterm-standard-4-20250514")),
		ToolExec: registry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := AppConfig{
		Loop:           loop,
		Version:        "1.0.0-test",
		Model:          "qterm-standard-4-20250514",
		Session:        &session.Session{ID: "s-test", Model: "qterm-standard-4-20250514"},
		ContextManager: contextfiles.NewManager(),
	}
	return newModel(cfg, ctx, cancel, 80, "")
}

func TestSlashTableLookupAndAliases(t *testing.T) {
	table := newSlashTable(nil)

	for _, name := range []string{
		"help", "version", "usage", "model", "mcp", "prompts", "context",
		"tools", "profile", "hooks", "editor", "save", "load", "clear",
		"compact", "login", "logout", "quit",
	} {
		if _, ok := table.lookup(name); !ok {
			t.Errorf("/%s should be registered", name)
		}
	}

	// Aliases resolve but stay out of help.
	if _, ok := table.lookup("exit"); !ok {
		t.Error("/exit should alias /quit")
	}
	if _, ok := table.lookup("cost"); !ok {
		t.Error("/cost should alias /usage")
	}
	help := table.helpText()
	for _, hidden := range []string{"/exit", "/cost"} {
		if strings.Contains(help, hidden+" ") || strings.Contains(help, hidden+"\n") {
			t.Errorf("help should hide alias %s", hidden)
		}
	}
	if !strings.Contains(help, "/context") || !strings.Contains(help, "/tools") {
		t.Error("help should list primary commands")
	}
}

func TestSlashTableRegistersSkillTriggers(t *testing.T) {
	table := newSlashTable([]skills.Skill{
		{Name: "commit", Description: "Create a commit", Trigger: "/commit", Content: "commit body"},
		{Name: "untriggered", Content: "ignored"},
	})
	if _, ok := table.lookup("commit"); !ok {
		t.Error("skill trigger should register a command")
	}
	if _, ok := table.lookup("untriggered"); ok {
		t.Error("skill without trigger should not register")
	}
}

func TestContextCommandEditsPatterns(t *testing.T) {
	m := fixture(t)

	contextText(&m, "add *.md docs/**")
	if got := m.cfg.ContextManager.Profile.Patterns; len(got) != 2 {
		t.Fatalf("profile patterns = %v", got)
	}
	contextText(&m, "add --global AGENTS.md")
	if got := m.cfg.ContextManager.Global.Patterns; len(got) != 1 || got[0] != "AGENTS.md" {
		t.Fatalf("global patterns = %v", got)
	}

	show := contextText(&m, "")
	if !strings.Contains(show, "AGENTS.md") || !strings.Contains(show, "*.md") {
		t.Errorf("show should list both scopes, got %q", show)
	}

	contextText(&m, "rm *.md")
	if got := m.cfg.ContextManager.Profile.Patterns; len(got) != 1 || got[0] != "docs/**" {
		t.Fatalf("after rm: %v", got)
	}
	contextText(&m, "clear --global")
	if len(m.cfg.ContextManager.Global.Patterns) != 0 {
		t.Error("clear --global should empty the global config")
	}
}

func TestToolsCommandDrivesTrustTable(t *testing.T) {
	m := fixture(t)
	trust := m.cfg.Loop.ToolExecutor().(interface{ Trust() *tools.TrustState }).Trust()

	toolsText(&m, "trust Bash mcp__github__*")
	if !trust.IsTrusted("Bash") {
		t.Error("explicit name should be trusted")
	}
	if !trust.IsTrusted("mcp__github__create_issue") {
		t.Error("wildcard should bind as a pending pattern")
	}

	toolsText(&m, "untrust Bash")
	if trust.IsTrusted("Bash") {
		t.Error("untrust should shadow the name")
	}

	out := toolsText(&m, "")
	if !strings.Contains(out, "mcp__github__create_issue") {
		t.Errorf("status should list resolved trust, got %q", out)
	}

	toolsText(&m, "reset")
	if trust.IsTrusted("mcp__github__create_issue") {
		t.Error("reset should forget everything")
	}
}

func TestModelCommandSwitchesLoopModel(t *testing.T) {
	m := fixture(t)

	out := modelText(&m, "")
	if !strings.Contains(out, "qterm-standard-4-20250514") {
		t.Errorf("no-arg should show the current model, got %q", out)
	}

	modelText(&m, "opus")
	if m.modelName == "qterm-standard-4-20250514" {
		t.Error("switch should change the tracked model name")
	}
	if m.cfg.Session.Model != m.modelName {
		t.Error("switch should update the session record")
	}
}

func TestClearCommandResetsHistoryAndSession(t *testing.T) {
	m := fixture(t)
	m.cfg.Loop.History().AddUserMessage("hello")
	m.tokensIn = 10

	clearText(&m, "")
	if m.cfg.Loop.History().Len() != 0 {
		t.Error("clear should empty the history")
	}
	if m.tokensIn != 0 {
		t.Error("clear should reset the token tally")
	}
	if m.cfg.Session.ID == "s-test" {
		t.Error("clear should mint a fresh session id")
	}
}

func TestProfileCommandWithoutStoreDegrades(t *testing.T) {
	m := fixture(t)
	out := profileText(&m, "work")
	if !strings.Contains(out, "state store") {
		t.Errorf("switching without a store should explain itself, got %q", out)
	}
	if got := profileText(&m, ""); !strings.Contains(got, "default") {
		t.Errorf("no-arg should report the active profile, got %q", got)
	}
}
