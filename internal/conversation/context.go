package conversation

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// UserContext holds context data that gets injected into user messages
// as <system-reminder> blocks. The git snapshot goes to the system
// prompt instead (see BuildSystemPrompt), not here.
type UserContext struct {
	ProjectMemory string // formatted AGENTS.md content with path annotations
	CurrentDate   string // "Today's date is YYYY-MM-DD."
}

// gitStatusCap bounds the status section; a pathological working tree
// should not eat the context window.
const gitStatusCap = 40_000

// git runs one git subcommand in cwd and returns its trimmed stdout, or
// "" on any failure. --no-optional-locks keeps snapshot reads from
// contending with a concurrent git process.
func git(cwd string, args ...string) string {
	cmd := exec.Command("git", append([]string{"--no-optional-locks"}, args...)...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// gitSnapshot is the repository state captured once at conversation start.
type gitSnapshot struct {
	branch  string
	main    string
	status  string
	commits string
}

// collectSnapshot fills the four snapshot fields concurrently; each is an
// independent git invocation.
func collectSnapshot(cwd string) gitSnapshot {
	var snap gitSnapshot
	done := make(chan struct{})
	for _, part := range []struct {
		dst  *string
		read func() string
	}{
		{&snap.branch, func() string { return currentBranch(cwd) }},
		{&snap.main, func() string { return mainBranch(cwd) }},
		{&snap.status, func() string { return git(cwd, "status", "--short") }},
		{&snap.commits, func() string { return git(cwd, "log", "--oneline", "-n", "5") }},
	} {
		go func(dst *string, read func() string) {
			*dst = read()
			done <- struct{}{}
		}(part.dst, part.read)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	return snap
}

// CollectGitStatus renders the repository snapshot injected into the
// system prompt, or "" outside a git repository.
func CollectGitStatus(cwd string) string {
	if git(cwd, "rev-parse", "--is-inside-work-tree") != "true" {
		return ""
	}

	snap := collectSnapshot(cwd)
	if snap.status == "" {
		snap.status = "(clean)"
	}
	if len(snap.status) > gitStatusCap {
		snap.status = snap.status[:gitStatusCap] +
			"\n... (truncated; run \"git status\" with the Bash tool for the rest)"
	}

	return fmt.Sprintf(`This is the git status at the start of the conversation. Note that this status is a snapshot in time, and will not update during the conversation.
Current branch: %s

Main branch (you will usually use this for PRs): %s

Status:
%s

Recent commits:
%s`, snap.branch, snap.main, snap.status, snap.commits)
}

// currentBranch names the checked-out branch, falling back to the short
// SHA on a detached HEAD.
func currentBranch(cwd string) string {
	if branch := git(cwd, "branch", "--show-current"); branch != "" {
		return branch
	}
	if sha := git(cwd, "rev-parse", "--short", "HEAD"); sha != "" {
		return sha
	}
	return "unknown"
}

// mainBranch resolves the repository's default branch: the remote HEAD
// when one is configured, else whichever of main/master exists locally.
func mainBranch(cwd string) string {
	if ref := git(cwd, "symbolic-ref", "refs/remotes/origin/HEAD"); ref != "" {
		if idx := strings.LastIndexByte(ref, '/'); idx >= 0 {
			return ref[idx+1:]
		}
	}
	for _, name := range []string{"main", "master"} {
		cmd := exec.Command("git", "--no-optional-locks", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
		cmd.Dir = cwd
		if cmd.Run() == nil {
			return name
		}
	}
	return "main"
}

// FormatCurrentDate returns the date string for the context block.
func FormatCurrentDate() string {
	return fmt.Sprintf("Today's date is %s.", time.Now().Format("2006-01-02"))
}

// BuildContextMessage creates the <system-reminder> context message that
// gets prepended to conversation messages. Returns "" when there is no
// context to inject.
func BuildContextMessage(ctx UserContext) string {
	var sections []string
	if ctx.ProjectMemory != "" {
		sections = append(sections, "# agentsMd\n"+ctx.ProjectMemory)
	}
	if ctx.CurrentDate != "" {
		sections = append(sections, "# currentDate\n"+ctx.CurrentDate)
	}
	if len(sections) == 0 {
		return ""
	}

	return fmt.Sprintf(`<system-reminder>
As you answer the user's questions, you can use the following context:
%s

      IMPORTANT: this context may or may not be relevant to your tasks. You should not respond to this context unless it is highly relevant to your task.
</system-reminder>
`, strings.Join(sections, "\n"))
}
