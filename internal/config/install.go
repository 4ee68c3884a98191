package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostSettingsPath returns the host's settings.json where hook commands are
// registered.
func HostSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "settings.json"), nil
}

// hookEntry matches the host's hook registration shape.
type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// HooksInstalled reports whether the settings file already registers this
// binary's hook commands.
func HooksInstalled(settingsPath string) bool {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "claude-afk hook")
}

// InstallHooks merges the permission, stop, and session-start hook commands
// into the host settings file. Existing unrelated settings and hooks are
// preserved; a backup is written next to the file.
func InstallHooks(settingsPath, binPath string, cfg *Config) error {
	settings := map[string]any{}
	data, err := os.ReadFile(settingsPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parse %s: %w", settingsPath, err)
		}
		if err := os.WriteFile(settingsPath+".afk.bak", data, 0o600); err != nil {
			return fmt.Errorf("backup settings: %w", err)
		}
	case os.IsNotExist(err):
		// First install, nothing to back up.
	default:
		return fmt.Errorf("read %s: %w", settingsPath, err)
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}

	install := func(event, command string, timeout int, matcher string) {
		entry := hookMatcher{Matcher: matcher, Hooks: []hookEntry{{
			Type:    "command",
			Command: command,
			Timeout: timeout,
		}}}
		existing, _ := hooks[event].([]any)
		for _, raw := range existing {
			if b, err := json.Marshal(raw); err == nil && strings.Contains(string(b), "claude-afk hook") {
				return // already registered
			}
		}
		hooks[event] = append(existing, entry)
	}

	install("PreToolUse", binPath+" hook permission", cfg.HookTimeouts.PermissionRequest, "*")
	install("Stop", binPath+" hook stop", cfg.HookTimeouts.Stop, "")
	install("SessionStart", binPath+" hook session-start", 0, "")
	settings["hooks"] = hooks

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := EnsureDir(filepath.Dir(settingsPath), 0o700); err != nil {
		return err
	}
	return AtomicWriteFile(settingsPath, append(out, '\n'), 0o600)
}
