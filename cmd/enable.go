package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/hook"
	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/terminal"
)

var enableCmd = &cobra.Command{
	Use:   "enable [session-id]",
	Short: "Enable AFK mode for a session",
	Long:  "Marks a session as away-from-keyboard: its permission prompts and completion notices are routed to Telegram. With no argument the session bound to this terminal is used.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := resolveSessionArg(args)
		if err != nil {
			return err
		}

		resp, err := hook.Exchange(&protocol.Request{
			Type:      protocol.TypeEnableAFK,
			RequestID: uuid.New().String(),
			SessionID: sessionID,
		}, 0)
		if err != nil {
			return fmt.Errorf("reach daemon: %w", err)
		}
		if resp.Status != protocol.StatusEnabled {
			return fmt.Errorf("enable failed: %s", resp.Message)
		}

		color.Green("AFK mode enabled for session %s", sessionID)
		fmt.Println("Permission prompts and task notifications now go to Telegram.")
		return nil
	},
}

// resolveSessionArg returns the explicit session id, the CLAUDE_SESSION_ID
// environment value, or the session bound to the current terminal.
func resolveSessionArg(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	if v := os.Getenv("CLAUDE_SESSION_ID"); v != "" {
		return v, nil
	}
	termID := terminal.ResolveID()
	if b, ok := terminal.LoadBinding(termID); ok {
		return b.SessionID, nil
	}
	return "", fmt.Errorf("no session bound to this terminal; pass a session id")
}

func init() {
	rootCmd.AddCommand(enableCmd)
}
