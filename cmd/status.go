package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/hook"
	"github.com/afk-tools/claude-afk/internal/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and pairing status",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, running := daemonPID()
		if !running {
			color.Red("Daemon: not running")
			if config.TelegramToken() == "" {
				fmt.Println("Telegram: bot token not set (run `claude-afk setup`)")
			}
			return nil
		}

		socketPath, err := config.SocketPath()
		if err != nil {
			return err
		}

		resp, err := hook.ExchangeOn(socketPath, &protocol.Request{
			Type:      protocol.TypeStatus,
			RequestID: uuid.New().String(),
		}, 5*time.Second)
		if err != nil {
			color.Yellow("Daemon: running (PID %d), socket not reachable", pid)
			return nil
		}

		color.Green("Daemon: running (PID %d)", pid)
		fmt.Printf("Socket: %s\n", socketPath)
		fmt.Printf("Telegram configured: %s\n", yesNo(resp.TelegramConfigured))
		fmt.Printf("Chat paired: %s\n", yesNo(resp.ChatIDConfigured))
		fmt.Printf("Always enabled: %s\n", yesNo(resp.AlwaysEnabled))
		fmt.Printf("Pending requests: %d\n", resp.PendingRequests)

		if len(resp.AFKSessions) > 0 {
			fmt.Printf("AFK sessions:\n")
			for _, s := range resp.AFKSessions {
				fmt.Printf("  %s\n", s)
			}
		} else {
			fmt.Println("AFK sessions: none")
		}
		for session, tools := range resp.SessionWhitelists {
			fmt.Printf("Bulk-approved for %s: %s\n", session, strings.Join(tools, ", "))
		}
		return nil
	},
}

// daemonPID reports the live daemon's PID via the PID file, verifying the
// process still exists.
func daemonPID() (int, bool) {
	pidPath, err := config.PIDFilePath()
	if err != nil {
		return 0, false
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
