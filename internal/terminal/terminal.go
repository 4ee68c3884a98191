// Package terminal resolves a stable identifier for the terminal a host
// session runs in, and reads/writes the per-terminal session binding files
// the resolution watcher uses to detect session turnover.
package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/afk-tools/claude-afk/internal/config"
)

// Binding maps a terminal to the host session currently running in it.
// Written by the session-start hook, read by the daemon.
type Binding struct {
	SessionID  string `json:"sessionId"`
	ProjectDir string `json:"projectDir,omitempty"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Sanitize makes a terminal id safe for use as a file basename.
func Sanitize(id string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(id, "-"), "-")
}

// ResolveID returns the identifier for the current terminal, in priority
// order: Windows Terminal, Terminal.app, iTerm, controlling TTY, X11 window,
// then a pid-derived fallback (unreliable — a new shell in the same terminal
// gets a different id).
func ResolveID() string {
	if v := os.Getenv("WT_SESSION"); v != "" {
		return Sanitize(v)
	}
	if v := os.Getenv("TERM_SESSION_ID"); v != "" {
		return Sanitize(v)
	}
	if v := os.Getenv("ITERM_SESSION_ID"); v != "" {
		return Sanitize(v)
	}
	if tty := controllingTTY(); tty != "" {
		return Sanitize(tty)
	}
	if v := os.Getenv("WINDOWID"); v != "" {
		return Sanitize("x11-" + v)
	}
	ppid := os.Getppid()
	if ppid <= 1 {
		ppid = os.Getpid()
	}
	return fmt.Sprintf("fallback-%d", ppid)
}

// controllingTTY probes the tty device behind stdin. Linux-only via procfs;
// elsewhere the env-based identifiers above normally win.
func controllingTTY() string {
	link, err := os.Readlink("/proc/self/fd/0")
	if err != nil || !strings.HasPrefix(link, "/dev/") {
		return ""
	}
	return "tty-" + strings.TrimPrefix(link, "/dev/")
}

func bindingPath(terminalID string) (string, error) {
	dir, err := config.TerminalBindingsDir()
	if err != nil {
		return "", err
	}
	name := Sanitize(terminalID)
	if name == "" {
		return "", fmt.Errorf("empty terminal id")
	}
	return filepath.Join(dir, name+".json"), nil
}

// LoadBinding reads the binding file for a terminal. ok is false when the
// file is missing or unreadable.
func LoadBinding(terminalID string) (*Binding, bool) {
	path, err := bindingPath(terminalID)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false
	}
	return &b, true
}

// WriteBinding records the session currently bound to a terminal.
func WriteBinding(terminalID string, b *Binding) error {
	path, err := bindingPath(terminalID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	data = append(data, '\n')
	return config.AtomicWriteFile(path, data, 0600)
}
