// Package transcript reads the host's append-only JSONL conversation
// transcript. The format is internal to the host and may evolve, so every
// reader here degrades to "not found" rather than returning an error:
// missing files, unreadable files and malformed lines are all skipped.
package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// entry is one transcript line. Only the fields the daemon cares about.
type entry struct {
	Type    string   `json:"type"`
	Message *payload `json:"message"`
}

// payload holds the role and content of a turn. Content is either a plain
// string (a typed user prompt) or an array of typed blocks.
type payload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ToolUse is a tool invocation recorded in an assistant turn.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultScan is the outcome of a forward scan for a tool result.
// OffsetAfter is the line offset to resume the next scan from: one past the
// matched line when found, one past the last line otherwise.
type ToolResultScan struct {
	Found       bool
	IsError     bool
	OffsetAfter int
}

// UserTextScan is the outcome of a forward scan for a typed user prompt.
type UserTextScan struct {
	Found       bool
	Text        string
	OffsetAfter int
}

// readLines returns the non-empty lines of path, or nil on any read error.
func readLines(path string) [][]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	raw := strings.Split(string(data), "\n")
	lines := make([][]byte, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, []byte(l))
	}
	return lines
}

func parseEntry(line []byte) *entry {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil
	}
	return &e
}

func (p *payload) blocks() []contentBlock {
	if p == nil || len(p.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(p.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// stringContent returns the content as a plain string, or "" if it is
// array-typed (tool results) or absent.
func (p *payload) stringContent() string {
	if p == nil || len(p.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Content, &s); err != nil {
		return ""
	}
	return s
}

// truncate cuts s at max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// LastAssistantText scans backward for the most recent assistant entry with
// non-empty text content, truncated at maxLen runes. Empty means not found.
func LastAssistantText(path string, maxLen int) string {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e := parseEntry(lines[i])
		if e == nil || e.Type != "assistant" {
			continue
		}
		var parts []string
		for _, b := range e.Message.blocks() {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		}
		if text := strings.TrimSpace(strings.Join(parts, "\n")); text != "" {
			return truncate(text, maxLen)
		}
	}
	return ""
}

// LastUserText scans backward for the most recent user entry with non-empty
// string content. The symmetric fallback to LastAssistantText.
func LastUserText(path string, maxLen int) string {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e := parseEntry(lines[i])
		if e == nil || e.Type != "user" {
			continue
		}
		if text := strings.TrimSpace(e.Message.stringContent()); text != "" {
			return truncate(text, maxLen)
		}
	}
	return ""
}

// LastToolUse scans backward for the last tool-use block in any assistant
// entry. Nil means not found.
func LastToolUse(path string) *ToolUse {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e := parseEntry(lines[i])
		if e == nil || e.Type != "assistant" {
			continue
		}
		blocks := e.Message.blocks()
		for j := len(blocks) - 1; j >= 0; j-- {
			if blocks[j].Type == "tool_use" {
				return &ToolUse{ID: blocks[j].ID, Name: blocks[j].Name, Input: blocks[j].Input}
			}
		}
	}
	return nil
}

// FindToolResult scans forward from afterOffset (a non-empty-line index) for
// a tool_result block referring to toolUseID.
func FindToolResult(path, toolUseID string, afterOffset int) ToolResultScan {
	lines := readLines(path)
	if afterOffset < 0 {
		afterOffset = 0
	}
	for i := afterOffset; i < len(lines); i++ {
		e := parseEntry(lines[i])
		if e == nil || e.Type != "user" {
			continue
		}
		for _, b := range e.Message.blocks() {
			if b.Type == "tool_result" && b.ToolUseID == toolUseID {
				return ToolResultScan{Found: true, IsError: b.IsError, OffsetAfter: i + 1}
			}
		}
	}
	return ToolResultScan{OffsetAfter: len(lines)}
}

// FindUserText scans forward from afterOffset for the first user entry whose
// content is a non-empty string. Array-typed content is a tool result, not a
// typed prompt, and is skipped.
func FindUserText(path string, afterOffset int) UserTextScan {
	lines := readLines(path)
	if afterOffset < 0 {
		afterOffset = 0
	}
	for i := afterOffset; i < len(lines); i++ {
		e := parseEntry(lines[i])
		if e == nil || e.Type != "user" {
			continue
		}
		if text := strings.TrimSpace(e.Message.stringContent()); text != "" {
			return UserTextScan{Found: true, Text: text, OffsetAfter: i + 1}
		}
	}
	return UserTextScan{OffsetAfter: len(lines)}
}

// LineCount returns the number of non-empty lines, 0 on any error.
func LineCount(path string) int {
	return len(readLines(path))
}

// Mtime returns the transcript's modification time. ok is false on any error.
func Mtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// SiblingAgentTranscripts lists agent-*.jsonl files next to path. Sub-agent
// tool invocations land in these rather than the main transcript.
func SiblingAgentTranscripts(path string) []string {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}
