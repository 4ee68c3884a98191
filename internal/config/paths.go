package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// ConfigDir returns the claude-afk configuration directory.
// Respects CLAUDE_AFK_CONFIG_DIR override.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CLAUDE_AFK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config dir: %w", err)
	}
	return filepath.Join(home, ".claude", "claude-afk"), nil
}

// SocketPath returns the path to the daemon's Unix socket.
// macOS: $TMPDIR/claude-afk-$UID/claude-afk.sock
// Linux: $XDG_RUNTIME_DIR/claude-afk/claude-afk.sock
func SocketPath() (string, error) {
	if p := os.Getenv("CLAUDE_AFK_SOCKET"); p != "" {
		return p, nil
	}
	uid := strconv.Itoa(os.Getuid())
	var dir string

	if runtime.GOOS == "darwin" {
		dir = filepath.Join(os.TempDir(), "claude-afk-"+uid)
	} else {
		xdgRuntime := os.Getenv("XDG_RUNTIME_DIR")
		if xdgRuntime == "" {
			xdgRuntime = filepath.Join(os.TempDir(), "claude-afk-"+uid)
		}
		dir = filepath.Join(xdgRuntime, "claude-afk")
	}
	return filepath.Join(dir, "claude-afk.sock"), nil
}

// LogDir returns the directory for daemon log files.
func LogDir() (string, error) {
	cfgDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, "logs"), nil
}

// ConfigFilePath returns the path to config.json.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// StateFilePath returns the path to the persisted daemon state.
func StateFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

// LockFilePath returns the path to the singleton daemon lockfile.
func LockFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.lock"), nil
}

// StartLockFilePath returns the path to the flock file used by the hook shim
// for atomic daemon autostart. Distinct from the daemon's own singleton lock.
func StartLockFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "start.lock"), nil
}

// PIDFilePath returns the path to the daemon PID file.
func PIDFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}

// TerminalBindingsDir returns the directory holding per-terminal session
// binding files written by the session-start hook. This lives one level above
// the claude-afk config dir — it is shared with the host's own session state.
// Respects CLAUDE_AFK_SESSIONS_DIR override.
func TerminalBindingsDir() (string, error) {
	if dir := os.Getenv("CLAUDE_AFK_SESSIONS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("sessions dir: %w", err)
	}
	return filepath.Join(home, ".claude", "sessions", "by-terminal"), nil
}

// TelegramToken reads the bot token from the process environment.
// Empty means the Telegram side is not configured and the daemon fails open.
func TelegramToken() string {
	if tok := os.Getenv("CLAUDE_AFK_TELEGRAM_TOKEN"); tok != "" {
		return tok
	}
	return os.Getenv("TELEGRAM_BOT_TOKEN")
}

// DebugEnabled reports whether extra debug logging was requested.
func DebugEnabled() bool {
	return os.Getenv("CLAUDE_AFK_DEBUG") == "1"
}
