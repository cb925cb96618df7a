package setup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewCommand returns the "setup" command tree.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the imaging recommendation MCP server with Claude Desktop",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Claude Desktop config file (default: per-OS location)")

	resolve := func() (string, error) {
		if configPath != "" {
			return configPath, nil
		}
		return ClaudeDesktopConfigPath()
	}

	cmd.AddCommand(newClaudeDesktopCommand(resolve), newStatusCommand(resolve))
	return cmd
}

func newClaudeDesktopCommand(resolve func() (string, error)) *cobra.Command {
	var (
		opts Options
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "claude-desktop",
		Short: "Add or update the server entry in claude_desktop_config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			if opts.BinaryPath == "" {
				if exe, err := os.Executable(); err == nil && strings.HasSuffix(exe, BinaryName) {
					opts.BinaryPath = exe
				}
			}
			opts.Env = passthroughEnv()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file:   %s\n", path)
			fmt.Fprintf(out, "Server binary: %s\n", valueOr(opts.BinaryPath, "(auto-detect)"))
			fmt.Fprintf(out, "Data dir:      %s\n", valueOr(opts.DataDir, DefaultDataDir()))

			if !yes && !confirm(cmd, "Proceed with configuration? [Y/n]: ") {
				fmt.Fprintln(out, "Configuration cancelled.")
				return nil
			}

			if _, err := ConfigureClaudeDesktop(path, opts); err != nil {
				return fmt.Errorf("failed to configure Claude Desktop: %w", err)
			}
			if err := EnsureDataDir(opts.DataDir); err != nil {
				fmt.Fprintf(out, "Warning: %v\n", err)
			}

			fmt.Fprintln(out, "Claude Desktop configured. Restart it and ask for an imaging recommendation, e.g. \"孕30周，突发头痛，应做什么检查？\"")
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.BinaryPath, "binary", "b", "", "path to the mcp-server-lite binary")
	cmd.Flags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory holding corpus.json and rules.json")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newStatusCommand(resolve func() (string, error)) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the server is registered and its data files exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			status, err := Check(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "Config file: %s\n", status.ConfigPath)
			fmt.Fprintf(out, "Configured:  %t\n", status.Configured)
			if status.ServerPath != "" {
				fmt.Fprintf(out, "Binary:      %s\n", status.ServerPath)
			}
			fmt.Fprintf(out, "Data dir:    %s\n", status.DataDir)
			for _, p := range status.Problems {
				fmt.Fprintf(out, "  problem: %s\n", p)
			}
			for _, w := range status.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
			if !status.OK() {
				return fmt.Errorf("setup has %d problem(s)", len(status.Problems))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

// passthroughEnv copies upstream settings from the current environment into the server entry.
func passthroughEnv() map[string]string {
	env := map[string]string{}
	for _, key := range []string{
		"IMAGING_RAG_EMBEDDING_URL",
		"IMAGING_RAG_EMBEDDING_MODEL",
		"IMAGING_RAG_EMBEDDING_API_KEY",
		"IMAGING_RAG_LLM_PROVIDER",
		"IMAGING_RAG_LLM_BASE_URL",
		"IMAGING_RAG_LLM_MODEL",
		"IMAGING_RAG_LLM_API_KEY",
	} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "" || response == "y" || response == "yes"
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
