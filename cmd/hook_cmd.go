package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/hook"
)

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Hook entry points (internal — invoked by the host)",
	Hidden: true,
}

// hookConfig loads the user config, falling back to defaults on any error so
// the hook path stays fail-open.
func hookConfig() *config.Config {
	cfgPath, err := config.ConfigFilePath()
	if err != nil {
		return config.DefaultConfig()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.DefaultConfig()
	}
	return cfg
}

var hookPermissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Handle a PreToolUse event from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := hook.RunPermission(os.Stdin, os.Stdout, hookConfig()); err != nil {
			// Fail open: never block the host session.
			fmt.Fprintf(os.Stderr, "claude-afk: %v\n", err)
		}
		return nil
	},
}

var hookStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Handle a Stop event from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := hook.RunStop(os.Stdin, os.Stdout, hookConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "claude-afk: %v\n", err)
		}
		return nil
	},
}

var hookSessionStartCmd = &cobra.Command{
	Use:   "session-start",
	Short: "Record the terminal binding for a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := hook.RunSessionStart(os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "claude-afk: %v\n", err)
		}
		return nil
	},
}

func init() {
	hookCmd.AddCommand(hookPermissionCmd)
	hookCmd.AddCommand(hookStopCmd)
	hookCmd.AddCommand(hookSessionStartCmd)
	rootCmd.AddCommand(hookCmd)
}
