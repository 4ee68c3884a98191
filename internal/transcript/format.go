package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
)

const maxFormattedLen = 100

// FormatToolInput renders a tool invocation's input as a one-line human
// description for the remote prompt. The host's own description of the same
// call tends to be opaque; the raw input is what the user actually needs.
func FormatToolInput(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		return stringField(input, "command")
	case "Write":
		return "Write to " + stringField(input, "file_path")
	case "Edit":
		return "Edit " + stringField(input, "file_path")
	case "Read":
		return stringField(input, "file_path")
	case "Glob":
		return "Pattern: " + stringField(input, "pattern")
	case "Grep":
		return "Search: " + stringField(input, "pattern")
	case "WebFetch":
		return stringField(input, "url")
	case "WebSearch":
		return stringField(input, "query")
	}

	// Unknown tool: first non-empty string value, in stable key order.
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return truncate(s, maxFormattedLen)
		}
	}

	if data, err := json.Marshal(input); err == nil && len(input) > 0 {
		return truncate(string(data), maxFormattedLen)
	}
	return "(unknown input)"
}

func stringField(input map[string]any, key string) string {
	if s, ok := input[key].(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("(unknown %s)", key)
}
