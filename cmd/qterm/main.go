// Package main is the entry point for the qterm CLI.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/auth"
	"github.com/qterm-cli/qterm/internal/config"
	"github.com/qterm-cli/qterm/internal/contextfiles"
	"github.com/qterm-cli/qterm/internal/conversation"
	"github.com/qterm-cli/qterm/internal/hooks"
	"github.com/qterm-cli/qterm/internal/mcp"
	"github.com/qterm-cli/qterm/internal/session"
	"github.com/qterm-cli/qterm/internal/skills"
	"github.com/qterm-cli/qterm/internal/store"
	"github.com/qterm-cli/qterm/internal/telemetry"
	"github.com/qterm-cli/qterm/internal/tools"
	"github.com/qterm-cli/qterm/internal/tui"
)

var (
	version = "dev"
)

// subcommand defines a CLI subcommand (e.g. `qterm login`).
type subcommand struct {
	Name string
	Run  func(args []string) // args is everything after the subcommand name
}

// subcommandRegistry holds all registered CLI subcommands.
var subcommandRegistry []subcommand

func registerSubcommand(cmd subcommand) {
	subcommandRegistry = append(subcommandRegistry, cmd)
}

func init() {
	registerSubcommand(subcommand{Name: "login", Run: func(args []string) { runLogin(args) }})
	registerSubcommand(subcommand{Name: "logout", Run: func(args []string) { runLogout() }})
	registerSubcommand(subcommand{Name: "status", Run: func(args []string) { runStatus(args) }})
	registerSubcommand(subcommand{Name: "whoami", Run: func(args []string) { runWhoami(args) }})
	registerSubcommand(subcommand{Name: "profile", Run: func(args []string) { runProfile(args) }})
	registerSubcommand(subcommand{Name: "mcp", Run: func(args []string) { runMCP(args) }})
}

// dispatchSubcommand checks os.Args for a registered subcommand and runs it.
// Returns true if a subcommand was dispatched.
func dispatchSubcommand() bool {
	args := os.Args[1:]
	if len(args) == 0 {
		return false
	}

	// Match "qterm <subcmd> [flags]".
	for _, cmd := range subcommandRegistry {
		if args[0] == cmd.Name {
			cmd.Run(args[1:])
			return true
		}
	}

	// Match "qterm auth status [flags]" (compound subcommand).
	if args[0] == "auth" && len(args) > 1 && args[1] == "status" {
		runStatus(args[2:])
		return true
	}

	return false
}

func main() {
	// Check for subcommands before flag parsing.
	if dispatchSubcommand() {
		return
	}

	// CLI flags.
	modelFlag := flag.String("model", "", "Model to use (opus, sonnet, haiku, or full model ID)")
	printMode := flag.Bool("p", false, "Print mode: non-interactive, exit after response")
	continueFlag := flag.Bool("c", false, "Continue most recent session")
	resumeFlag := flag.String("r", "", "Resume specific session by ID")
	maxTokens := flag.Int("max-tokens", api.DefaultMaxTokens, "Maximum response tokens")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	loginFlag := flag.Bool("login", false, "Log in with OAuth")
	dangerousNoPermissions := flag.Bool("dangerously-skip-permissions", false, "Skip all permission prompts (use with caution)")
	permissionModeFlag := flag.String("permission-mode", "", "Set session permission mode: default, plan, acceptEdits, bypassPermissions")
	outputFormat := flag.String("output-format", "text", "Output format: text, json, stream-json")

	// Session management flags.
	sessionIDFlag := flag.String("session-id", "", "Specify session UUID")

	// Model/thinking control flags.
	effortFlag := flag.String("effort", "", "Effort level: low, medium, high, max")
	thinkingFlag := flag.String("thinking", "", "Thinking mode: enabled, adaptive, disabled")
	maxThinkingTokens := flag.Int("max-thinking-tokens", 0, "Maximum thinking tokens")

	// System prompt override flags.
	systemPromptFlag := flag.String("system-prompt", "", "Custom system prompt (replaces default)")
	appendSystemPromptFlag := flag.String("append-system-prompt", "", "Append to default system prompt")

	// Agent/print mode control flags.
	maxTurnsFlag := flag.Int("max-turns", 0, "Maximum agentic turns (print mode)")

	// Permission control flags.
	allowedToolsFlag := flag.String("allowedTools", "", "Comma-separated list of tools to allow")
	disallowedToolsFlag := flag.String("disallowedTools", "", "Comma-separated list of tools to deny")
	trustAllToolsFlag := flag.Bool("trust-all-tools", false, "Run every tool without asking")
	acceptAllFlag := flag.Bool("accept-all", false, "Run every tool without asking (alias for -trust-all-tools)")
	noInteractiveFlag := flag.Bool("no-interactive", false, "Exit after the first response (alias for -p)")
	trustToolsFlag := flag.String("trust-tools", "", "Comma-separated tool names or patterns to trust")

	// Profile selection.
	profileFlag := flag.String("profile", "", "Context profile to activate")

	// Debug flags.
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("qterm %s (Go)\n", version)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	// Credential store.
	credStore, err := auth.NewCredentialStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *noInteractiveFlag {
		*printMode = true
	}

	// Handle --login (legacy flag, same as `qterm login` subcommand).
	if *loginFlag {
		if err := doLogin(ctx, credStore, loginFlowOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Check authentication.
	tokenProvider := auth.NewTokenProvider(credStore)
	if _, err := tokenProvider.GetAccessToken(ctx); err != nil {
		fmt.Println("Not authenticated. Starting login flow...")
		if err := doLogin(ctx, credStore, loginFlowOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
		// Reload after login.
		tokenProvider = auth.NewTokenProvider(credStore)
	}

	// Determine billing/subscription display name for the startup banner.
	var billingType string
	if tokens, err := credStore.Load(); err == nil && tokens.SubscriptionType != "" {
		billingType = auth.SubscriptionDisplayName(tokens.SubscriptionType)
	}

	// Working directory.
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}

	// Load settings from all levels.
	settings, err := config.LoadSettings(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error loading settings: %v\n", err)
		settings = &config.Settings{}
	}

	// Phase 7: Load skills.
	loadedSkills := skills.LoadSkills(cwd)
	skillContent := skills.ActiveSkillContent(loadedSkills)

	// Resolve model: CLI flag > settings > default.
	model := api.ModelLarge5
	if settings.Model != "" {
		model = api.ResolveModelAlias(settings.Model)
	}
	if *modelFlag != "" {
		model = api.ResolveModelAlias(*modelFlag)
	}

	// Apply verbose flag to settings.
	if *verboseFlag {
		settings.Verbose = config.BoolPtr(true)
	}

	// Create API client.
	client := api.NewClient(
		tokenProvider,
		api.WithModel(model),
		api.WithMaxTokens(*maxTokens),
		api.WithVersion(version),
	)

	// Collect context for system prompt and user message injection.
	memoryEntries := config.LoadProjectMemoryEntries(cwd)
	memoryFormatted := config.FormatProjectMemoryForContext(memoryEntries)
	gitStatus := conversation.CollectGitStatus(cwd)

	// Build system prompt with settings context, skill content, and git status.
	// Git status is appended to the system prompt (so the model sees repo state at conversation start).
	system := conversation.BuildSystemPrompt(&conversation.PromptContext{
		CWD:          cwd,
		Model:        model,
		Settings:     settings,
		SkillContent: skillContent,
		Version:      version,
		GitStatus:    gitStatus,
	})

	// AGENTS.md and date are injected as user message context (kept out of the system prompt so it can be cached).
	userContext := conversation.UserContext{
		ProjectMemory:    memoryFormatted,
		CurrentDate: conversation.FormatCurrentDate(),
	}
	contextMessage := conversation.BuildContextMessage(userContext)

	// Apply system prompt overrides from CLI flags.
	if *systemPromptFlag != "" {
		// Replace entire system prompt with custom prompt.
		system = []api.SystemBlock{{Type: "text", Text: *systemPromptFlag}}
	}
	if *appendSystemPromptFlag != "" {
		// Append to existing system prompt.
		system = append(system, api.SystemBlock{Type: "text", Text: *appendSystemPromptFlag})
	}

	// Determine the initial permission mode.
	// Priority: --dangerously-skip-permissions > --permission-mode > settings > default.
	initialPermMode := config.ModeDefault
	if settings.DefaultPermissionMode != "" {
		initialPermMode = config.ValidatePermissionMode(settings.DefaultPermissionMode)
	}
	if *permissionModeFlag != "" {
		initialPermMode = config.ValidatePermissionMode(*permissionModeFlag)
	}
	if *dangerousNoPermissions {
		initialPermMode = config.ModeBypassPermissions
	}

	// Enforce bypass-permissions restrictions.
	if initialPermMode == config.ModeBypassPermissions {
		// Cannot use bypass with root/sudo.
		if u, err := user.Current(); err == nil && u.Uid == "0" {
			fmt.Fprintf(os.Stderr, "Error: --dangerously-skip-permissions cannot be used with root/sudo privileges for security reasons.\n")
			os.Exit(1)
		}

		// Cannot use bypass if disabled by policy.
		if config.IsPermissionModeDisabled(config.ModeBypassPermissions, settings.DisableBypassPermissions) {
			fmt.Fprintf(os.Stderr, "Error: Bypass permissions mode is disabled by settings or configuration.\n")
			os.Exit(1)
		}

		// Show warning dialog for bypass mode (interactive only).
		if !*printMode && term.IsTerminal(int(os.Stdin.Fd())) {
			if !showBypassPermissionsWarning() {
				fmt.Println("Bypass permissions mode declined. Exiting.")
				os.Exit(0)
			}
		}
	}

	// Apply --allowedTools / --disallowedTools to permission rules.
	if *allowedToolsFlag != "" {
		for _, t := range strings.Split(*allowedToolsFlag, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				settings.Permissions = append([]config.PermissionRule{{
					Tool: t, Action: "allow",
				}}, settings.Permissions...)
			}
		}
	}
	if *disallowedToolsFlag != "" {
		for _, t := range strings.Split(*disallowedToolsFlag, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				settings.Permissions = append([]config.PermissionRule{{
					Tool: t, Action: "deny",
				}}, settings.Permissions...)
			}
		}
	}

	// Set up permission handler with rule-based evaluation.
	var permHandler tools.PermissionHandler
	var ruleHandler *config.RuleBasedPermissionHandler
	terminalHandler := tools.NewTerminalPermissionHandler()
	ruleHandler = config.NewRuleBasedPermissionHandler(
		settings.Permissions,
		terminalHandler,
	)
	// Set the initial permission mode.
	ruleHandler.GetPermissionContext().SetMode(initialPermMode)
	permHandler = ruleHandler

	// Persistent state store (settings kv, conversation blobs, command
	// history, and the Knowledge tool's notes), rooted at ~/.qterm.
	var persistentStore *store.Store
	if home, herr := os.UserHomeDir(); herr == nil {
		persistentStore, err = store.Open(ctx, filepath.Join(home, ".qterm"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: state store error: %v\n", err)
			persistentStore = nil
		} else {
			defer persistentStore.Close()
		}
	}

	// Telemetry: a single background consumer draining a lossy queue into
	// the service's telemetry endpoint. The client id persists in the state
	// store; Q_TELEMETRY_CLIENT_ID overrides it, Q_DISABLE_TELEMETRY (or
	// the telemetryEnabled setting) turns the whole channel into a no-op.
	telemetryEnabled := settings.TelemetryEnabled == nil || *settings.TelemetryEnabled
	clientID := os.Getenv("Q_TELEMETRY_CLIENT_ID")
	if clientID == "" && persistentStore != nil {
		if stored, ok, err := persistentStore.ClientID(ctx); err == nil && ok {
			clientID = stored
		}
	}
	telemetrySink := &apiTelemetrySink{client: client}
	telemetryCh := telemetry.New(telemetryEnabled, clientID, telemetrySink)
	telemetrySink.clientID = telemetryCh.ClientID()
	if persistentStore != nil && telemetryCh.Enabled() && clientID == "" {
		_ = persistentStore.SetClientID(ctx, telemetryCh.ClientID())
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second)
		defer flushCancel()
		_ = telemetryCh.Close(flushCtx)
	}()
	telemetryCh.Emit("cli_start", map[string]string{"model": model, "version": version})

	// Context file manager: glob-matched file sets injected ahead of each
	// prompt, persisted through the state store when available.
	var contextMgr *contextfiles.Manager
	if persistentStore != nil {
		contextMgr, err = contextfiles.Load(ctx, persistentStore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: context config error: %v\n", err)
			contextMgr = contextfiles.NewManager()
		}
	} else {
		contextMgr = contextfiles.NewManager()
	}
	if *profileFlag != "" {
		if persistentStore != nil {
			if err := contextMgr.SetProfile(ctx, persistentStore, *profileFlag); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: switching profile: %v\n", err)
			}
		} else {
			contextMgr.ProfileName = *profileFlag
		}
	}

	// Context hook executor: conversation-start and per-prompt shell
	// snippets from settings, run concurrently with cached output.
	hookExec := hooks.NewExecutor()
	hookExec.Progress = &hooks.WriterProgressSink{W: os.Stderr}
	var contextHooks []hooks.Hook
	if settings.ContextHooks != nil {
		if err := json.Unmarshal(settings.ContextHooks, &contextHooks); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: invalid contextHooks config: %v\n", err)
		}
	}

	// Background task store shared by Agent, TaskOutput, and TaskStop tools.
	bgStore := tools.NewBackgroundTaskStore()

	// Create tool registry with all tools.
	registry := tools.NewRegistry(permHandler)

	// Tool trust from flags. Patterns go in as pending trust so tools
	// loaded later (MCP) are covered on first sighting.
	if *trustAllToolsFlag || *acceptAllFlag {
		registry.Trust().SetTrustAll(true)
	}
	if *trustToolsFlag != "" {
		for _, name := range strings.Split(*trustToolsFlag, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			registry.Trust().AddPendingPattern(name)
		}
	}
	if len(settings.Env) > 0 {
		registry.Register(tools.NewBashToolWithEnv(cwd, settings.Env))
	} else {
		registry.Register(tools.NewBashTool(cwd))
	}
	registry.Register(tools.NewFileReadTool())
	registry.Register(tools.NewFileEditTool())
	registry.Register(tools.NewFileWriteTool())
	registry.Register(tools.NewGlobTool(cwd))
	registry.Register(tools.NewGrepTool(cwd))

	// Phase 4 tools.
	registry.Register(tools.NewTodoWriteTool())
	registry.Register(tools.NewAskUserTool())
	registry.Register(tools.NewWebFetchTool(nil))
	registry.Register(tools.NewWebSearchTool())
	registry.Register(tools.NewNotebookEditTool())
	registry.Register(tools.NewConfigTool(cwd))
	registry.Register(tools.NewWorktreeTool(cwd))
	registry.Register(tools.NewExitPlanModeTool())
	registry.Register(tools.NewUseAwsTool(cwd))
	registry.Register(tools.NewGhIssueTool(cwd))
	registry.Register(tools.NewThinkingTool())
	if persistentStore != nil {
		registry.Register(tools.NewKnowledgeTool(persistentStore))
	}
	registry.Register(tools.NewTaskOutputTool(bgStore))
	registry.Register(tools.NewTaskStopTool(bgStore))

	// Phase 6: MCP server initialization.
	// Load MCP config and start servers before AgentTool so MCP tools
	// are visible to sub-agents via registry.Definitions().
	mcpConfig, err := mcp.LoadMCPConfig(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: MCP config error: %v\n", err)
	}

	var mcpManager *mcp.Manager
	if mcpConfig != nil && len(mcpConfig.MCPServers) > 0 {
		mcpManager = mcp.NewManager(cwd)
		if err := mcpManager.StartServers(ctx, mcpConfig.MCPServers, registry); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: MCP startup error: %v\n", err)
		}
		defer mcpManager.Shutdown()

		// Register MCP management tools (these need the manager reference).
		registry.Register(mcp.NewListMcpResourcesTool(mcpManager))
		registry.Register(mcp.NewReadMcpResourceTool(mcpManager))
		registry.Register(mcp.NewSubscribeMcpResourceTool(mcpManager))
		registry.Register(mcp.NewUnsubscribeMcpResourceTool(mcpManager))
		registry.Register(mcp.NewSubscribePollingTool(mcpManager))
		registry.Register(mcp.NewUnsubscribePollingTool(mcpManager))
	}

	// Agent tool registered last — gets tool definitions that include everything above.
	agentTool := tools.NewAgentTool(client, system, registry.Definitions(), registry, bgStore)
	registry.Register(agentTool)

	// Session management.
	sessionStore, err := session.NewStore(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: session store unavailable: %v\n", err)
	}

	// Check for session resume.
	var history *conversation.History
	var currentSession *session.Session

	if *continueFlag && sessionStore != nil {
		sess, err := sessionStore.MostRecent()
		if err != nil {
			fmt.Fprintf(os.Stderr, "No previous session found: %v\n", err)
		} else {
			history = conversation.NewHistoryFrom(sess.Messages)
			currentSession = sess
			fmt.Printf("Resuming session %s (%d messages)\n", sess.ID, len(sess.Messages))
		}
	}

	if *resumeFlag != "" && sessionStore != nil {
		sess, err := sessionStore.Load(*resumeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot load session %s: %v\n", *resumeFlag, err)
			os.Exit(1)
		}
		history = conversation.NewHistoryFrom(sess.Messages)
		currentSession = sess
		fmt.Printf("Resuming session %s (%d messages)\n", sess.ID, len(sess.Messages))
	}

	// Create a new session if not resuming.
	if currentSession == nil {
		sid := session.GenerateID()
		if *sessionIDFlag != "" {
			sid = *sessionIDFlag
		}
		currentSession = &session.Session{
			ID:    sid,
			Model: model,
			CWD:   cwd,
		}
	}

	// Create compactor for auto-compaction (unless disabled).
	var compactor *conversation.Compactor
	disableCompact := os.Getenv("DISABLE_COMPACT") != ""
	if !disableCompact {
		compactor = conversation.NewCompactor(client)
	}

	// Resolve fast mode from settings.
	fastMode := settings.FastMode != nil && *settings.FastMode
	if fastMode && !api.IsOpus46Model(model) {
		// Fast mode requires Opus 4.6; switch if needed.
		model = api.ModelAliases[api.FastModeModelAlias]
		client.SetModel(model)
	}

	// Create conversation loop with tools.
	// In TUI mode, the handler and permission handler will be replaced by app.Run().
	// In print mode, use the simple PrintStreamHandler.
	handler := &conversation.ToolAwareStreamHandler{}
	loop := conversation.NewLoop(conversation.LoopConfig{
		Client:         client,
		System:         system,
		Tools:          registry.Definitions(),
		ToolExec:       registry,
		Handler:        handler,
		History:        history,
		Compactor:      compactor,
		ContextMessage: contextMessage,
		ResolveContextFiles: func(ctx context.Context) (string, error) {
			result, err := contextMgr.MatchedFiles(cwd)
			if err != nil {
				return "", err
			}
			return result.Snippet(cwd), nil
		},
		ResolvePromptHooks: func(ctx context.Context) (string, error) {
			if len(contextHooks) == 0 {
				return "", nil
			}
			var outputs []hooks.HookOutput
			outputs = append(outputs, hookExec.Run(ctx, hooks.TriggerConversationStart, contextHooks)...)
			outputs = append(outputs, hookExec.Run(ctx, hooks.TriggerPerPrompt, contextHooks)...)
			return renderHookOutputs(outputs), nil
		},
		OnTurnComplete: func(h *conversation.History) {
			telemetryCh.Emit("turn_complete", map[string]string{"messages": strconv.Itoa(h.Len())})
			// Save session after each turn.
			if sessionStore != nil && currentSession != nil {
				currentSession.Messages = h.Messages()
				if err := sessionStore.Save(currentSession); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to save session: %v\n", err)
				}
			}
		},
	})
	loop.SetFastMode(fastMode)

	// Apply thinking/effort configuration from CLI flags.
	thinkingMode := ""
	if *thinkingFlag != "" {
		thinkingMode = *thinkingFlag
	} else if *effortFlag != "" {
		// Effort maps to thinking: low/medium = disabled, high/max = enabled.
		switch *effortFlag {
		case "low", "medium":
			thinkingMode = "disabled"
		case "high", "max":
			thinkingMode = "enabled"
		}
	} else if settings.ThinkingEnabled != nil && *settings.ThinkingEnabled {
		thinkingMode = "enabled"
	}
	if thinkingMode == "enabled" {
		thinkingTokens := *maxThinkingTokens
		if thinkingTokens == 0 {
			thinkingTokens = 10000 // default thinking budget
		}
		loop.SetThinking(&api.ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: thinkingTokens,
		})
	}

	// Handle initial prompt from arguments.
	args := flag.Args()
	initialPrompt := ""
	if len(args) > 0 {
		initialPrompt = strings.Join(args, " ")
	}

	// Phase 7: Pipe/stdin support — if stdin is not a terminal, read prompt from stdin.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err == nil && len(data) > 0 {
			pipeInput := strings.TrimSpace(string(data))
			if initialPrompt != "" {
				// Combine: CLI prompt + piped content.
				initialPrompt = initialPrompt + "\n\n" + pipeInput
			} else {
				initialPrompt = pipeInput
			}
			*printMode = true // force print mode when piped
		}
	}

	// Apply max-turns for print mode.
	if *maxTurnsFlag > 0 {
		loop.SetMaxTurns(*maxTurnsFlag)
	}

	// Print mode: use simple handler, no TUI.
	if *printMode {
		if initialPrompt != "" {
			// Phase 7: Select handler based on --output-format.
			switch *outputFormat {
			case "json":
				loop.SetHandler(conversation.NewJSONStreamHandler(os.Stdout))
			case "stream-json":
				loop.SetHandler(conversation.NewStreamJSONStreamHandler(os.Stdout))
			default:
				loop.SetHandler(&conversation.PrintStreamHandler{})
			}

			if err := loop.SendMessage(ctx, initialPrompt); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		os.Exit(0)
	}

	// Interactive mode: launch the TUI.
	// A nil *mcp.Manager must stay a nil interface so the UI's nil checks
	// hold.
	var mcpStatus tui.MCPStatus
	if mcpManager != nil {
		mcpStatus = mcpManager
	}

	app := tui.New(tui.AppConfig{
		Loop:        loop,
		Session:     currentSession,
		SessStore:   sessionStore,
		Version:     version,
		Model:       model,
		Cwd:         cwd,
		BillingType: billingType,
		MCPManager:  mcpStatus,
		Skills:      loadedSkills,
		Settings:    settings,
		RuleHandler: ruleHandler,
		LogoutFunc:  func() error { return credStore.Delete() },

		ContextManager: contextMgr,
		StateStore:     persistentStore,
	})

	if initialPrompt != "" {
		app.SetInitialPrompt(initialPrompt)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Handle /login: the TUI exited requesting a re-authentication flow.
	if app.ExitAction() == tui.ExitLogin {
		loginCtx, loginCancel := context.WithCancel(context.Background())
		defer loginCancel()
		if err := doLogin(loginCtx, credStore, loginFlowOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
	}
}

// runStatus executes the status subcommand. Output is JSON by default;
// use --text for human-readable output.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	textFlag := fs.Bool("text", false, "Output as human-readable text")
	fs.Bool("json", true, "Output as JSON (default)")
	fs.Parse(args)

	format := "json"
	if *textFlag {
		format = "plain"
	}
	printAuthStatus(format)
}

// runProfile handles the `qterm profile` subcommand: show or switch the
// active context profile.
func runProfile(args []string) {
	ctx := context.Background()
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(ctx, filepath.Join(home, ".qterm"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	mgr, err := contextfiles.Load(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 {
		fmt.Printf("Active profile: %s (%d context patterns)\n",
			mgr.ProfileName, len(mgr.Profile.Patterns))
		return
	}

	name := args[0]
	if err := mgr.SetProfile(ctx, st, name); err != nil {
		fmt.Fprintf(os.Stderr, "Error switching profile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Switched to profile %q (%d context patterns)\n",
		name, len(mgr.Profile.Patterns))
}

// runWhoami handles the `qterm whoami` subcommand.
func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	format := fs.String("format", "plain", "Output format: plain, json, json-pretty")
	fs.Parse(args)
	printAuthStatus(*format)
}

// printAuthStatus renders the auth status shared by `status` and
// `whoami`, exiting 1 when not logged in and 2 on a bad format.
func printAuthStatus(format string) {
	store, err := auth.NewCredentialStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	status := auth.GetAuthStatus(store)

	switch format {
	case "plain":
		fmt.Println(auth.FormatStatusText(status))
	case "json", "json-pretty":
		output, err := auth.FormatStatusJSON(status)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if format == "json-pretty" {
			var buf bytes.Buffer
			if err := json.Indent(&buf, []byte(output), "", "  "); err == nil {
				output = buf.String()
			}
		}
		fmt.Println(output)
	default:
		fmt.Fprintf(os.Stderr, "Unknown format %q (want plain, json, or json-pretty)\n", format)
		os.Exit(2)
	}

	if !status.LoggedIn {
		os.Exit(1)
	}
}

// runLogin handles the `qterm login` subcommand.
// [--identity-provider URL] [--region R] [--use-device-flow]
func runLogin(args []string) {
	loginFS := flag.NewFlagSet("login", flag.ExitOnError)
	loginFS.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: qterm login [--email <email>] [--sso] [--license free|pro] [--identity-provider URL] [--region R] [--use-device-flow]\n\nSign in to your account.\n\nOptions:\n")
		loginFS.PrintDefaults()
	}
	email := loginFS.String("email", "", "Pre-populate email address on the login page")
	sso := loginFS.Bool("sso", false, "Force SSO login flow")
	license := loginFS.String("license", "", "License tier to request: free or pro")
	identityProvider := loginFS.String("identity-provider", "", "Identity provider base URL (overrides the default issuer)")
	region := loginFS.String("region", "", "Region to associate with the login session")
	useDeviceFlow := loginFS.Bool("use-device-flow", false, "Use the device-code flow instead of a browser redirect")
	loginFS.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := auth.NewCredentialStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *license != "" && *license != "free" && *license != "pro" {
		fmt.Fprintf(os.Stderr, "Error: --license must be \"free\" or \"pro\"\n")
		os.Exit(2)
	}

	flow := loginFlowOptions{
		Options: auth.LoginOptions{
			Email: *email,
			SSO:   *sso,
		},
		License:          *license,
		IdentityProvider: *identityProvider,
		Region:           *region,
		UseDeviceFlow:    *useDeviceFlow,
	}
	if err := doLogin(ctx, store, flow); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// runLogout handles the `qterm logout` subcommand.
func runLogout() {
	store, err := auth.NewCredentialStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := doLogout(store); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to log out.\n")
		os.Exit(1)
	}
	fmt.Println("Successfully logged out.")
	os.Exit(0)
}

// loginFlowOptions bundles a `qterm login` invocation's CLI flags. Options
// (Email/SSO) feeds the authorization URL; IdentityProvider, when set,
// rewrites every OAuth endpoint off that base URL; UseDeviceFlow selects the
// device-code flow instead of the PKCE coordinator, and Region is stamped
// onto the device-flow session (the PKCE paths ignore it). License is
// carried but not used by doLogin.
type loginFlowOptions struct {
	Options          auth.LoginOptions
	License          string
	IdentityProvider string
	Region           string
	UseDeviceFlow    bool
}

func doLogin(ctx context.Context, store *auth.CredentialStore, flow loginFlowOptions) error {
	cfg, err := auth.GetOAuthConfig()
	if err != nil {
		return fmt.Errorf("initializing OAuth flow: %w", err)
	}
	if flow.IdentityProvider != "" {
		base := strings.TrimRight(flow.IdentityProvider, "/")
		cfg.BaseAPIURL = base
		cfg.AuthorizeURL = base + "/oauth/authorize"
		cfg.TokenURL = base + "/v1/oauth/token"
		cfg.DeviceCodeURL = base + "/v1/oauth/device/code"
		cfg.APIKeyURL = base + "/api/oauth/qterm_cli/create_api_key"
		cfg.RolesURL = base + "/api/oauth/qterm_cli/roles"
		cfg.SuccessURL = base + "/oauth/code/success?app=qterm"
		cfg.ManualRedirectURL = base + "/oauth/code/callback"
	}

	var result *auth.LoginResult
	switch {
	case flow.UseDeviceFlow:
		result, err = doDeviceFlowLogin(ctx, cfg, flow.Region)
		if err != nil {
			return err
		}
	case os.Getenv("SSH_CLIENT") != "" || os.Getenv("CODESPACES") != "":
		// Remote sessions can't reliably complete a localhost redirect, so
		// fall back to the manual paste-the-code flow instead of racing the
		// PKCE coordinator's local callback listener against a browser that
		// isn't on this machine.
		oauthFlow, err := auth.NewOAuthFlow()
		if err != nil {
			return fmt.Errorf("initializing OAuth flow: %w", err)
		}
		result, err = oauthFlow.Login(ctx, flow.Options)
		if err != nil {
			return err
		}
	default:
		result, err = auth.LoginViaCoordinator(ctx, auth.DefaultPKCECoordinator(), cfg, flow.Options)
		if err != nil {
			return err
		}
	}

	if err := store.Save(result.Tokens); err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}

	// Store account metadata.
	if result.Account != nil {
		if err := store.SaveAccount(result.Account); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save account info: %v\n", err)
		}
	}

	// Store API key.
	if result.APIKey != "" {
		if err := store.SaveAPIKey(result.APIKey); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save API key: %v\n", err)
		}
	}

	fmt.Println("Login successful.")
	return nil
}

// doDeviceFlowLogin runs the device-code alternative to the browser-redirect
// PKCE flow: start a session, show the user_code and verification URL, then
// poll until the grant completes or the user interrupts (ctx cancellation).
func doDeviceFlowLogin(ctx context.Context, cfg *auth.OAuthURLConfig, region string) (*auth.LoginResult, error) {
	coord := auth.NewDeviceFlowCoordinator(cfg)

	session, err := coord.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting device login: %w", err)
	}
	session.Region = region

	fmt.Printf("To sign in, visit %s and enter code: %s\n\n", session.VerificationURI, session.UserCode)

	result, err := coord.Poll(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("device login: %w", err)
	}
	return result, nil
}

func doLogout(store *auth.CredentialStore) error {
	return store.Delete()
}

// runMCP handles the `qterm mcp` subcommand for MCP server management.
func runMCP(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: qterm mcp <command> [options]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  list                       List configured MCP servers")
		fmt.Println("  add <name> <cmd> [args]    Add an MCP server")
		fmt.Println("  remove <name>              Remove an MCP server")
		fmt.Println("  import <file>              Merge servers from another config file")
		fmt.Println("  status                     Connect to each server and report health")
		fmt.Println()
		fmt.Println("add and import accept --scope workspace|global (default workspace).")
		return
	}

	cwd, _ := os.Getwd()

	// Extract a --scope flag wherever it appears after the subcommand.
	scope := "workspace"
	cmdArgsIn := args[1:]
	var rest []string
	for i := 0; i < len(cmdArgsIn); i++ {
		if cmdArgsIn[i] == "--scope" && i+1 < len(cmdArgsIn) {
			scope = cmdArgsIn[i+1]
			i++
			continue
		}
		rest = append(rest, cmdArgsIn[i])
	}
	args = append(args[:1], rest...)

	switch args[0] {
	case "list":
		mcpCfg, err := mcp.LoadMCPConfig(cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading MCP config: %v\n", err)
			os.Exit(1)
		}
		if mcpCfg == nil || len(mcpCfg.MCPServers) == 0 {
			fmt.Println("No MCP servers configured.")
			return
		}
		fmt.Println("Configured MCP servers:")
		for name, cfg := range mcpCfg.MCPServers {
			fmt.Printf("  %s: %s %v\n", name, cfg.Command, cfg.Args)
		}

	case "add":
		if len(args) < 3 {
			fmt.Println("Usage: qterm mcp add [--scope workspace|global] <name> <command> [args...]")
			os.Exit(1)
		}
		name := args[1]
		command := args[2]
		cmdArgs := args[3:]
		if err := mcp.AddServerToConfigScope(cwd, scope, name, mcp.ServerConfig{Command: command, Args: cmdArgs}); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding MCP server: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added MCP server: %s (%s scope)\n", name, scope)

	case "remove":
		if len(args) < 2 {
			fmt.Println("Usage: qterm mcp remove <name>")
			os.Exit(1)
		}
		name := args[1]
		if err := mcp.RemoveServerFromConfig(cwd, name); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing MCP server: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed MCP server: %s\n", name)

	case "import":
		if len(args) < 2 {
			fmt.Println("Usage: qterm mcp import [--scope workspace|global] <file>")
			os.Exit(1)
		}
		n, err := mcp.ImportServersToConfig(cwd, scope, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing MCP servers: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d MCP server(s) into the %s config\n", n, scope)

	case "status":
		mcpCfg, err := mcp.LoadMCPConfig(cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading MCP config: %v\n", err)
			os.Exit(1)
		}
		if mcpCfg == nil || len(mcpCfg.MCPServers) == 0 {
			fmt.Println("No MCP servers configured.")
			return
		}
		ctx := context.Background()
		manager := mcp.NewManager(cwd)
		if err := manager.StartServers(ctx, mcpCfg.MCPServers, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		for name := range mcpCfg.MCPServers {
			fmt.Println("  " + manager.ServerStatus(name))
		}
		manager.Shutdown()

	default:
		fmt.Fprintf(os.Stderr, "Unknown mcp command: %s\n", args[0])
		os.Exit(1)
	}
}

// showBypassPermissionsWarning displays a warning dialog for bypass permissions mode.
// Returns true if the user accepts, false if they decline.
func showBypassPermissionsWarning() bool {
	// Red/bold warning header.
	fmt.Println()
	fmt.Println("\033[1;31mWARNING: qterm running in Bypass Permissions mode\033[0m")
	fmt.Println()
	fmt.Println("In Bypass Permissions mode, qterm will not ask for your")
	fmt.Println("approval before running potentially dangerous commands.")
	fmt.Println()
	fmt.Println("This mode should only be used in a sandboxed container/VM that")
	fmt.Println("has restricted internet access and can easily be restored if damaged.")
	fmt.Println()
	fmt.Println("By proceeding, you accept all responsibility for actions taken while")
	fmt.Println("running in Bypass Permissions mode.")
	fmt.Println()
	fmt.Print("Accept and proceed? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.TrimSpace(strings.ToLower(line))
	return answer == "y" || answer == "yes"
}

// renderHookOutputs renders hook stdout into the preamble block injected
// ahead of the user's prompt. Empty when no hook produced output.
func renderHookOutputs(outputs []hooks.HookOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Hook output:\n")
	for _, out := range outputs {
		fmt.Fprintf(&b, "\n[%s]\n%s", out.Hook.Name, out.Output)
		if !strings.HasSuffix(out.Output, "\n") {
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// apiTelemetrySink forwards telemetry events to the streaming service's
// telemetry endpoint. Failures are swallowed by the channel.
type apiTelemetrySink struct {
	client   *api.Client
	clientID string
}

func (s *apiTelemetrySink) Send(ctx context.Context, e telemetry.Event) error {
	return s.client.SendTelemetryEvent(ctx, api.TelemetryEventBody{
		ClientID:   s.clientID,
		Name:       e.Name,
		Attributes: e.Attributes,
		Time:       e.Time.Unix(),
	})
}
