// Package contextfiles maintains the glob-matched context file sets that
// are injected ahead of each user prompt: a global config plus the current
// profile's config, unioned and trimmed to a token budget.
package contextfiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qterm-cli/qterm/internal/store"
	"github.com/qterm-cli/qterm/internal/tools"
)

// MaxContextTokens caps the estimated token cost of the matched file set.
// Files beyond the budget are dropped largest-first.
const MaxContextTokens = 150_000

// maxDroppedReported caps how many dropped paths are surfaced for display.
const maxDroppedReported = 10

// Config is an ordered set of glob patterns resolved against the working
// directory. A leading "~" expands to the user's home only as the first
// path component.
type Config struct {
	Patterns []string `json:"paths"`
}

// MatchedFile pairs a matched path with its loaded text.
type MatchedFile struct {
	Path string
	Text string
}

// MatchResult is the deduplicated union of the global and profile pattern
// matches, trimmed to the token budget.
type MatchResult struct {
	Files []MatchedFile
	// Dropped lists up to maxDroppedReported paths removed to fit the
	// budget; DroppedCount is the full count.
	Dropped      []string
	DroppedCount int
	TotalTokens  int
}

// Manager holds the two active context configs and the active profile name.
type Manager struct {
	Global      Config
	Profile     Config
	ProfileName string

	// Budget overrides MaxContextTokens when positive; tests use this.
	Budget int
}

// NewManager returns a manager with empty configs and the default profile.
func NewManager() *Manager {
	return &Manager{ProfileName: "default"}
}

// Load reads the persisted global and current-profile configs from the
// state store.
func Load(ctx context.Context, st *store.Store) (*Manager, error) {
	m := NewManager()
	name, err := st.CurrentProfile(ctx)
	if err != nil {
		return nil, err
	}
	if name != "" {
		m.ProfileName = name
	}
	if m.Global.Patterns, err = st.ContextPatterns(ctx, "global"); err != nil {
		return nil, err
	}
	if m.Profile.Patterns, err = st.ContextPatterns(ctx, "profile:"+m.ProfileName); err != nil {
		return nil, err
	}
	return m, nil
}

// Save persists both configs.
func (m *Manager) Save(ctx context.Context, st *store.Store) error {
	if err := st.SetContextPatterns(ctx, "global", m.Global.Patterns); err != nil {
		return err
	}
	return st.SetContextPatterns(ctx, "profile:"+m.ProfileName, m.Profile.Patterns)
}

// SetProfile switches the active profile, persisting the profile name and
// loading that profile's patterns.
func (m *Manager) SetProfile(ctx context.Context, st *store.Store, name string) error {
	if err := st.SetCurrentProfile(ctx, name); err != nil {
		return err
	}
	patterns, err := st.ContextPatterns(ctx, "profile:"+name)
	if err != nil {
		return err
	}
	m.ProfileName = name
	m.Profile = Config{Patterns: patterns}
	return nil
}

// Add appends a pattern to the global or profile config if not already
// present. Returns false if the pattern was already there.
func (m *Manager) Add(global bool, pattern string) bool {
	cfg := m.config(global)
	for _, p := range cfg.Patterns {
		if p == pattern {
			return false
		}
	}
	cfg.Patterns = append(cfg.Patterns, pattern)
	return true
}

// Remove deletes a pattern from the global or profile config. Returns
// false if the pattern was not present.
func (m *Manager) Remove(global bool, pattern string) bool {
	cfg := m.config(global)
	for i, p := range cfg.Patterns {
		if p == pattern {
			cfg.Patterns = append(cfg.Patterns[:i], cfg.Patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every pattern from the global or profile config.
func (m *Manager) Clear(global bool) {
	m.config(global).Patterns = nil
}

func (m *Manager) config(global bool) *Config {
	if global {
		return &m.Global
	}
	return &m.Profile
}

// EstimateTokens approximates the token cost of s as len/4, rounded up.
// It is an approximation, not the model's tokenizer; compaction does not
// use it (its threshold is measured on API-reported usage).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// MatchedFiles resolves both configs against cwd and returns the
// deduplicated, budget-trimmed file set. Unreadable files and directories
// are skipped; an invalid pattern is skipped rather than failing the
// whole resolution.
func (m *Manager) MatchedFiles(cwd string) (MatchResult, error) {
	patterns := make([]string, 0, len(m.Global.Patterns)+len(m.Profile.Patterns))
	patterns = append(patterns, m.Global.Patterns...)
	patterns = append(patterns, m.Profile.Patterns...)

	seen := make(map[string]bool)
	var files []MatchedFile
	total := 0
	for _, pat := range patterns {
		p := tools.ExpandTilde(pat)
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			continue
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			files = append(files, MatchedFile{Path: path, Text: string(data)})
			total += EstimateTokens(string(data))
		}
	}

	budget := m.Budget
	if budget <= 0 {
		budget = MaxContextTokens
	}

	var dropped []string
	for total > budget && len(files) > 0 {
		largest := 0
		for i, f := range files {
			if len(f.Text) > len(files[largest].Text) {
				largest = i
			}
		}
		total -= EstimateTokens(files[largest].Text)
		dropped = append(dropped, files[largest].Path)
		files = append(files[:largest], files[largest+1:]...)
	}

	result := MatchResult{Files: files, DroppedCount: len(dropped), TotalTokens: total}
	if len(dropped) > maxDroppedReported {
		result.Dropped = dropped[:maxDroppedReported]
	} else {
		result.Dropped = dropped
	}
	return result, nil
}

// Snippet renders the matched set for injection into a user turn's
// preamble. Paths are shown relative to cwd where that reads better.
// Returns "" when nothing matched.
func (r MatchResult) Snippet(cwd string) string {
	if len(r.Files) == 0 && r.DroppedCount == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context files matched for this conversation:\n")
	for _, f := range r.Files {
		fmt.Fprintf(&b, "\n[%s]\n%s", tools.DisplayPath(f.Path, cwd), f.Text)
		if !strings.HasSuffix(f.Text, "\n") {
			b.WriteString("\n")
		}
	}
	if r.DroppedCount > 0 {
		shown := make([]string, len(r.Dropped))
		for i, p := range r.Dropped {
			shown[i] = tools.DisplayPath(p, cwd)
		}
		fmt.Fprintf(&b, "\n%d file(s) dropped to fit the context budget: %s",
			r.DroppedCount, strings.Join(shown, ", "))
		if r.DroppedCount > len(r.Dropped) {
			b.WriteString(", ...")
		}
		b.WriteString("\n")
	}
	return b.String()
}
