// Package setup registers the standalone MCP server with Claude Desktop.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/imaging-rag-mcp-server/internal/config"
)

const (
	// ServerKey is the mcpServers entry name.
	ServerKey = "imaging-rag"
	// DataDirEnv points the lite server at its data directory.
	DataDirEnv = "IMAGING_RAG_DATA_DIR"
	// BinaryName is the lite server executable.
	BinaryName = "mcp-server-lite"
)

// ClaudeDesktopConfig represents the Claude Desktop configuration file structure.
// Unknown top-level keys are preserved on save.
type ClaudeDesktopConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
	extra      map[string]json.RawMessage
}

// MCPServerConfig represents a single MCP server configuration.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls what ConfigureClaudeDesktop writes.
type Options struct {
	BinaryPath string
	DataDir    string
	// Env is merged into the server entry, e.g. upstream URLs and API keys.
	Env map[string]string
}

// ClaudeDesktopConfigPath returns the per-OS location of claude_desktop_config.json.
func ClaudeDesktopConfigPath() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "Claude")
			break
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", "Claude")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return filepath.Join(dir, "claude_desktop_config.json"), nil
}

// LoadClaudeDesktopConfig reads the config, returning an empty one when the file is missing.
func LoadClaudeDesktopConfig(path string) (*ClaudeDesktopConfig, error) {
	cfg := &ClaudeDesktopConfig{MCPServers: map[string]MCPServerConfig{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.extra); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := cfg.extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(cfg.extra, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]MCPServerConfig{}
	}
	return cfg, nil
}

// SaveClaudeDesktopConfig writes the config, creating its directory when needed.
func SaveClaudeDesktopConfig(path string, cfg *ClaudeDesktopConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := make(map[string]any, len(cfg.extra)+1)
	for k, v := range cfg.extra {
		out[k] = v
	}
	out["mcpServers"] = cfg.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigureClaudeDesktop adds or replaces the imaging server entry.
func ConfigureClaudeDesktop(path string, opts Options) (MCPServerConfig, error) {
	cfg, err := LoadClaudeDesktopConfig(path)
	if err != nil {
		return MCPServerConfig{}, err
	}

	binary := opts.BinaryPath
	if binary == "" {
		if binary, err = FindBinary(); err != nil {
			return MCPServerConfig{}, fmt.Errorf("could not find server binary: %w", err)
		}
	}

	entry := MCPServerConfig{Command: binary, Env: map[string]string{}}
	for k, v := range opts.Env {
		if v != "" {
			entry.Env[k] = v
		}
	}
	if opts.DataDir != "" {
		entry.Env[DataDirEnv] = opts.DataDir
	}
	cfg.MCPServers[ServerKey] = entry

	if err := SaveClaudeDesktopConfig(path, cfg); err != nil {
		return MCPServerConfig{}, err
	}
	return entry, nil
}

// FindBinary looks for the lite server on PATH and in common install locations.
func FindBinary() (string, error) {
	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}
	home, _ := os.UserHomeDir()
	for _, loc := range []string{
		"./" + BinaryName,
		"./build/" + BinaryName,
		filepath.Join(home, ".local", "bin", BinaryName),
		"/usr/local/bin/" + BinaryName,
	} {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary %q not found in common locations", BinaryName)
}

// Status describes the current Claude Desktop registration.
type Status struct {
	ConfigPath string   `json:"config_path"`
	Configured bool     `json:"configured"`
	ServerPath string   `json:"server_path,omitempty"`
	DataDir    string   `json:"data_dir"`
	CorpusPath string   `json:"corpus_path"`
	Problems   []string `json:"problems,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// OK reports whether the setup has no blocking problems.
func (s *Status) OK() bool {
	return s.Configured && len(s.Problems) == 0
}

// Check inspects the config at path and the files the lite server needs.
func Check(path string) (*Status, error) {
	status := &Status{ConfigPath: path, DataDir: DefaultDataDir()}

	cfg, err := LoadClaudeDesktopConfig(path)
	if err != nil {
		return nil, err
	}

	entry, ok := cfg.MCPServers[ServerKey]
	if !ok {
		status.Problems = append(status.Problems, "imaging-rag server is not configured in Claude Desktop")
	} else {
		status.Configured = true
		status.ServerPath = entry.Command
		if dir := entry.Env[DataDirEnv]; dir != "" {
			status.DataDir = dir
		}
		info, err := os.Stat(entry.Command)
		switch {
		case err != nil:
			status.Problems = append(status.Problems, fmt.Sprintf("server binary not found: %s", entry.Command))
		case runtime.GOOS != "windows" && info.Mode()&0111 == 0:
			status.Problems = append(status.Problems, fmt.Sprintf("server binary is not executable: %s", entry.Command))
		}
	}

	status.CorpusPath = filepath.Join(status.DataDir, "corpus.json")
	if _, err := os.Stat(status.DataDir); os.IsNotExist(err) {
		status.Warnings = append(status.Warnings, fmt.Sprintf("data directory will be created on first run: %s", status.DataDir))
	}
	if _, err := os.Stat(status.CorpusPath); os.IsNotExist(err) {
		status.Problems = append(status.Problems, fmt.Sprintf("scenario corpus missing: %s", status.CorpusPath))
	}
	return status, nil
}

// DefaultDataDir returns the lite server's default data directory.
func DefaultDataDir() string {
	return config.DefaultLiteConfig().DataDir
}

// EnsureDataDir creates the data directory and its exports subdirectory.
func EnsureDataDir(dir string) error {
	if dir == "" {
		dir = DefaultDataDir()
	}
	cfg := &config.LiteConfig{DataDir: dir}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
