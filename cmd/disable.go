package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/hook"
	"github.com/afk-tools/claude-afk/internal/protocol"
)

var disableCmd = &cobra.Command{
	Use:   "disable [session-id]",
	Short: "Disable AFK mode for a session",
	Long:  "Returns a session to local operation and clears its bulk-approval whitelist. With no argument the session bound to this terminal is used.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := resolveSessionArg(args)
		if err != nil {
			return err
		}

		resp, err := hook.Exchange(&protocol.Request{
			Type:      protocol.TypeDisableAFK,
			RequestID: uuid.New().String(),
			SessionID: sessionID,
		}, 0)
		if err != nil {
			return fmt.Errorf("reach daemon: %w", err)
		}
		if resp.Status != protocol.StatusDisabled {
			return fmt.Errorf("disable failed: %s", resp.Message)
		}

		color.Yellow("AFK mode disabled for session %s", sessionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
