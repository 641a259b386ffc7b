package tools

import (
	"github.com/bmatcuk/doublestar/v4"
	"sort"
	"sync"
)

// TrustState tracks which tools may run without an acceptance prompt for
// the current conversation: an explicit per-tool-name table, a global
// trust-all flag, and a set of pending patterns that apply to tools not
// yet observed. A pending pattern is resolved to a concrete table entry
// the first time a matching tool name is checked, and removed from the
// pending set.
type TrustState struct {
	mu       sync.Mutex
	trustAll bool
	trusted  map[string]bool
	pending  []string
}

// NewTrustState returns an empty trust table.
func NewTrustState() *TrustState {
	return &TrustState{trusted: make(map[string]bool)}
}

// SetTrustAll toggles the global trust-all flag.
func (t *TrustState) SetTrustAll(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trustAll = on
}

// Trust marks a concrete tool name as trusted.
func (t *TrustState) Trust(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trusted[name] = true
}

// Untrust marks a concrete tool name as untrusted. The explicit entry
// shadows any pending pattern that would otherwise match.
func (t *TrustState) Untrust(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trusted[name] = false
}

// AddPendingPattern declares a trust pattern for tools not yet observed,
// e.g. an MCP tool name from a server that hasn't loaded.
func (t *TrustState) AddPendingPattern(pattern string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p == pattern {
			return
		}
	}
	t.pending = append(t.pending, pattern)
}

// Reset clears the table, the trust-all flag, and all pending patterns.
func (t *TrustState) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trustAll = false
	t.trusted = make(map[string]bool)
	t.pending = nil
}

// IsTrusted reports whether name may run without an acceptance prompt.
// A pending pattern matching name is resolved to concrete trust here, on
// the tool's first sighting.
func (t *TrustState) IsTrusted(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.trustAll {
		return true
	}
	if v, ok := t.trusted[name]; ok {
		return v
	}
	for i, p := range t.pending {
		matched, err := doublestar.Match(p, name)
		if err != nil {
			continue
		}
		if matched {
			t.trusted[name] = true
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the current state for display: the trust-all flag, the
// sorted list of trusted names, and the pending patterns in declaration
// order.
func (t *TrustState) Snapshot() (trustAll bool, trusted []string, pending []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, ok := range t.trusted {
		if ok {
			trusted = append(trusted, name)
		}
	}
	sort.Strings(trusted)
	pending = append(pending, t.pending...)
	return t.trustAll, trusted, pending
}
