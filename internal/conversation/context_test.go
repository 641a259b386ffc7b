package conversation

import (
	"os/exec"
	"strings"
	"testing"
)

func TestBuildContextMessage(t *testing.T) {
	if got := BuildContextMessage(UserContext{}); got != "" {
		t.Errorf("no context should produce no message, got %q", got)
	}

	got := BuildContextMessage(UserContext{
		ProjectMemory: "Prefer table-driven tests.",
		CurrentDate:   "Today's date is 2026-08-01.",
	})
	if !strings.HasPrefix(got, "<system-reminder>") || !strings.Contains(got, "</system-reminder>") {
		t.Error("context must be wrapped in a system-reminder block")
	}
	for _, want := range []string{"# agentsMd", "Prefer table-driven tests.", "# currentDate", "2026-08-01"} {
		if !strings.Contains(got, want) {
			t.Errorf("message should contain %q", want)
		}
	}
	if strings.Index(got, "# agentsMd") > strings.Index(got, "# currentDate") {
		t.Error("project memory comes before the date")
	}
}

func TestFormatCurrentDate(t *testing.T) {
	got := FormatCurrentDate()
	if !strings.HasPrefix(got, "Today's date is ") || !strings.HasSuffix(got, ".") {
		t.Errorf("date line = %q", got)
	}
}

func TestCollectGitStatusOutsideRepo(t *testing.T) {
	if got := CollectGitStatus(t.TempDir()); got != "" {
		t.Errorf("non-repo should yield no snapshot, got %q", got)
	}
}

func TestCollectGitStatusInRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"-c", "user.email=t@t", "-c", "user.name=t", "commit", "--allow-empty", "-m", "first"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git %v: %v (%s)", args, err, out)
		}
	}

	got := CollectGitStatus(dir)
	if !strings.Contains(got, "Current branch: main") {
		t.Errorf("snapshot should name the branch, got %q", got)
	}
	if !strings.Contains(got, "(clean)") {
		t.Errorf("clean tree should say so, got %q", got)
	}
	if !strings.Contains(got, "first") {
		t.Errorf("snapshot should list recent commits, got %q", got)
	}
}
