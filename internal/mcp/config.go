package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadMCPConfig loads and merges .mcp.json from the user home and project dirs.
// User-level config (~/.mcp.json) is loaded first; project-level (.mcp.json in
// cwd) overrides per server name.
func LoadMCPConfig(cwd string) (*MCPConfig, error) {
	merged := &MCPConfig{
		MCPServers: make(map[string]ServerConfig),
	}

	// 1. User-level: ~/.mcp.json
	home, err := os.UserHomeDir()
	if err == nil {
		userConfig := filepath.Join(home, ".mcp.json")
		if cfg, err := loadMCPFile(userConfig); err == nil {
			for name, sc := range cfg.MCPServers {
				merged.MCPServers[name] = sc
			}
		}
	}

	// 2. Project-level: <cwd>/.mcp.json (overrides user-level per server name)
	projectConfig := filepath.Join(cwd, ".mcp.json")
	if cfg, err := loadMCPFile(projectConfig); err == nil {
		for name, sc := range cfg.MCPServers {
			merged.MCPServers[name] = sc
		}
	}

	if len(merged.MCPServers) == 0 {
		return nil, nil
	}

	return merged, nil
}

// ConfigPathForScope resolves the .mcp.json path for a scope: "workspace"
// (the default) edits the project file, "global" the user-level one.
func ConfigPathForScope(cwd, scope string) (string, error) {
	switch scope {
	case "", "workspace":
		return filepath.Join(cwd, ".mcp.json"), nil
	case "global":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, ".mcp.json"), nil
	default:
		return "", fmt.Errorf("unknown scope %q (want workspace or global)", scope)
	}
}

// AddServerToConfig adds or replaces a server entry in the workspace
// config file.
func AddServerToConfig(cwd, name, command string, args []string) error {
	return AddServerToConfigScope(cwd, "workspace", name, ServerConfig{Command: command, Args: args})
}

// AddServerToConfigScope adds or replaces a server entry in the config
// file selected by scope.
func AddServerToConfigScope(cwd, scope, name string, sc ServerConfig) error {
	path, err := ConfigPathForScope(cwd, scope)
	if err != nil {
		return err
	}
	cfg, err := loadMCPFile(path)
	if err != nil {
		cfg = &MCPConfig{MCPServers: make(map[string]ServerConfig)}
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]ServerConfig)
	}
	cfg.MCPServers[name] = sc
	return writeMCPFile(path, cfg)
}

// RemoveServerFromConfig removes a server entry, checking the workspace
// file first and falling back to the global one.
func RemoveServerFromConfig(cwd, name string) error {
	for _, scope := range []string{"workspace", "global"} {
		path, err := ConfigPathForScope(cwd, scope)
		if err != nil {
			return err
		}
		cfg, err := loadMCPFile(path)
		if err != nil || cfg.MCPServers == nil {
			continue
		}
		if _, ok := cfg.MCPServers[name]; !ok {
			continue
		}
		delete(cfg.MCPServers, name)
		return writeMCPFile(path, cfg)
	}
	return fmt.Errorf("server %q not found in any config", name)
}

// ImportServersToConfig merges every server from the JSON file at fromPath
// into the config selected by scope, returning how many entries were
// imported. Existing entries with the same name are replaced.
func ImportServersToConfig(cwd, scope, fromPath string) (int, error) {
	src, err := loadMCPFile(fromPath)
	if err != nil {
		return 0, err
	}
	if len(src.MCPServers) == 0 {
		return 0, nil
	}
	path, err := ConfigPathForScope(cwd, scope)
	if err != nil {
		return 0, err
	}
	dst, err := loadMCPFile(path)
	if err != nil {
		dst = &MCPConfig{MCPServers: make(map[string]ServerConfig)}
	}
	if dst.MCPServers == nil {
		dst.MCPServers = make(map[string]ServerConfig)
	}
	for name, sc := range src.MCPServers {
		dst.MCPServers[name] = sc
	}
	if err := writeMCPFile(path, dst); err != nil {
		return 0, err
	}
	return len(src.MCPServers), nil
}

// writeMCPFile serializes cfg to path with stable indentation.
func writeMCPFile(path string, cfg *MCPConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// loadMCPFile reads and parses a single .mcp.json file.
func loadMCPFile(path string) (*MCPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err // file not found is normal
	}

	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}
