package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sandboxRootEnv names the environment variable tests set to confine
// SanitizePath to a temp directory instead of the real filesystem root.
// Production runs leave it unset, so SanitizePath only expands the
// tilde, resolves against workDir and cleans.
const sandboxRootEnv = "Q_SANDBOX_ROOT"

// SanitizePath resolves a model-supplied path against workDir. A leading
// "~" is expanded to the user's home directory only when it is the
// entire first path component (so "~foo" is left alone). When
// sandboxRootEnv is set, the result is chroot-normalized against that
// root so a path cannot escape it via "..".
func SanitizePath(path, workDir string) (string, error) {
	expanded := ExpandTilde(path)

	var abs string
	if filepath.IsAbs(expanded) {
		abs = expanded
	} else {
		abs = filepath.Join(workDir, expanded)
	}
	abs = filepath.Clean(abs)

	if root := os.Getenv(sandboxRootEnv); root != "" {
		return chrootNormalize(abs, root)
	}
	return abs, nil
}

// ExpandTilde expands a leading "~" to the user's home directory, only
// when it is the entire first path component.
func ExpandTilde(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// chrootNormalize clamps abs to lie within root. Paths that resolve
// outside root (via ".." or an absolute escape) are pinned to root
// itself rather than silently rewritten elsewhere, so an out-of-bounds
// request fails loudly downstream (e.g. "not a directory") instead of
// reading real filesystem state.
func chrootNormalize(abs, root string) (string, error) {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("sanitize path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return root, nil
	}
	return filepath.Join(root, rel), nil
}

// DisplayPath renders absPath relative to cwd for compact display,
// unless the relative form would start with three or more ascending
// ".." components, in which case the absolute path reads more clearly.
func DisplayPath(absPath, cwd string) string {
	rel, err := filepath.Rel(cwd, absPath)
	if err != nil {
		return absPath
	}

	parts := strings.Split(rel, string(filepath.Separator))
	ascending := 0
	for _, p := range parts {
		if p != ".." {
			break
		}
		ascending++
	}
	if ascending >= 3 {
		return absPath
	}
	return rel
}
