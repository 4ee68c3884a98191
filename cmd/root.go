package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "claude-afk",
	Short: "Remote approvals for Claude Code over Telegram",
	Long:  "claude-afk routes Claude Code permission prompts and task notifications to a Telegram chat so sessions can be supervised away from the keyboard.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
