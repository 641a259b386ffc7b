package contextfiles

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qterm-cli/qterm/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMatchedFilesUnionsAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "alpha")
	writeFile(t, filepath.Join(dir, "b.md"), "bravo")
	writeFile(t, filepath.Join(dir, "sub", "c.md"), "charlie")

	m := NewManager()
	m.Global.Patterns = []string{"*.md"}
	// "a.md" also matches the global pattern; it must appear once.
	m.Profile.Patterns = []string{"a.md", "sub/**/*.md"}

	result, err := m.MatchedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Files) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(result.Files), result.Files)
	}
	seen := make(map[string]string)
	for _, f := range result.Files {
		seen[filepath.Base(f.Path)] = f.Text
	}
	if seen["a.md"] != "alpha" || seen["b.md"] != "bravo" || seen["c.md"] != "charlie" {
		t.Errorf("unexpected file contents: %v", seen)
	}
	if result.DroppedCount != 0 {
		t.Errorf("nothing should be dropped, got %d", result.DroppedCount)
	}
}

func TestMatchedFilesDropsLargestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "small.txt"), strings.Repeat("s", 40))
	writeFile(t, filepath.Join(dir, "big.txt"), strings.Repeat("b", 4000))
	writeFile(t, filepath.Join(dir, "mid.txt"), strings.Repeat("m", 400))

	m := NewManager()
	m.Global.Patterns = []string{"*.txt"}
	// Budget fits small + mid but not big.
	m.Budget = 120

	result, err := m.MatchedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Files) != 2 {
		t.Fatalf("expected 2 kept files, got %d", len(result.Files))
	}
	for _, f := range result.Files {
		if filepath.Base(f.Path) == "big.txt" {
			t.Error("largest file should have been dropped")
		}
	}
	if result.DroppedCount != 1 || len(result.Dropped) != 1 ||
		filepath.Base(result.Dropped[0]) != "big.txt" {
		t.Errorf("dropped = %v (count %d)", result.Dropped, result.DroppedCount)
	}
	if result.TotalTokens > m.Budget {
		t.Errorf("total %d exceeds budget %d", result.TotalTokens, m.Budget)
	}
}

func TestMatchedFilesDroppedReportCapped(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		writeFile(t, filepath.Join(dir, string(rune('a'+i))+".txt"), strings.Repeat("x", 100))
	}

	m := NewManager()
	m.Global.Patterns = []string{"*.txt"}
	m.Budget = 1

	result, err := m.MatchedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if result.DroppedCount != 12 {
		t.Errorf("DroppedCount = %d, want 12", result.DroppedCount)
	}
	if len(result.Dropped) != 10 {
		t.Errorf("Dropped display list = %d entries, want 10", len(result.Dropped))
	}
}

func TestMatchedFilesExpandsTildeFirstComponentOnly(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, "ctx", "notes.md"), "from home")

	dir := t.TempDir()
	m := NewManager()
	m.Global.Patterns = []string{"~/ctx/*.md"}

	result, err := m.MatchedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Files) != 1 || result.Files[0].Text != "from home" {
		t.Fatalf("tilde pattern did not resolve against home: %v", result.Files)
	}
}

func TestAddRemoveClear(t *testing.T) {
	m := NewManager()
	if !m.Add(true, "*.md") {
		t.Error("first add should succeed")
	}
	if m.Add(true, "*.md") {
		t.Error("duplicate add should be rejected")
	}
	m.Add(false, "docs/**")
	if len(m.Global.Patterns) != 1 || len(m.Profile.Patterns) != 1 {
		t.Fatalf("unexpected configs: %v / %v", m.Global.Patterns, m.Profile.Patterns)
	}
	if !m.Remove(true, "*.md") || m.Remove(true, "*.md") {
		t.Error("remove should succeed once")
	}
	m.Clear(false)
	if len(m.Profile.Patterns) != 0 {
		t.Errorf("clear left %v", m.Profile.Patterns)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := NewManager()
	m.Global.Patterns = []string{"README.md", "docs/**/*.md"}
	m.Profile.Patterns = []string{"AGENTS.md"}
	if err := m.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Global.Patterns) != 2 || loaded.Global.Patterns[0] != "README.md" {
		t.Errorf("global patterns = %v", loaded.Global.Patterns)
	}
	if len(loaded.Profile.Patterns) != 1 || loaded.Profile.Patterns[0] != "AGENTS.md" {
		t.Errorf("profile patterns = %v", loaded.Profile.Patterns)
	}
}

func TestSetProfilePersistsAndSwitchesConfig(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := NewManager()
	m.Profile.Patterns = []string{"default.md"}
	if err := m.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	// Stash patterns for the "work" profile, then switch to it.
	if err := st.SetContextPatterns(ctx, "profile:work", []string{"work.md"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetProfile(ctx, st, "work"); err != nil {
		t.Fatal(err)
	}
	if m.ProfileName != "work" || len(m.Profile.Patterns) != 1 || m.Profile.Patterns[0] != "work.md" {
		t.Fatalf("after switch: name=%q patterns=%v", m.ProfileName, m.Profile.Patterns)
	}

	name, err := st.CurrentProfile(ctx)
	if err != nil || name != "work" {
		t.Errorf("persisted profile = %q, %v", name, err)
	}

	// Reload from the store: the switched profile's config comes back.
	loaded, err := Load(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ProfileName != "work" || len(loaded.Profile.Patterns) != 1 {
		t.Errorf("reload: name=%q patterns=%v", loaded.ProfileName, loaded.Profile.Patterns)
	}
}
