package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// toolIcons maps known agent tools to a display icon and verb.
var toolIcons = map[string]struct {
	icon string
	verb string
}{
	"read":         {"📖", "Reading"},
	"write":        {"✏️", "Writing"},
	"edit":         {"✏️", "Editing"},
	"multiedit":    {"✏️", "Editing"},
	"notebookedit": {"✏️", "Editing"},
	"bash":         {"💻", "Running"},
	"glob":         {"🔍", "Searching"},
	"grep":         {"🔍", "Searching"},
	"websearch":    {"🌐", "Searching the web"},
	"webfetch":     {"🌐", "Fetching"},
	"task":         {"🤖", "Delegating"},
	"todowrite":    {"📋", "Updating plan"},
}

// formatToolDetail turns a (tool, input) pair into the one-liner shown in
// streams and logs.
func formatToolDetail(tool string, input map[string]interface{}) string {
	entry, known := toolIcons[strings.ToLower(tool)]
	icon := "🔧"
	verb := tool
	if known {
		icon = entry.icon
		verb = entry.verb
	}

	for _, key := range []string{"file_path", "path", "filename"} {
		if v, ok := input[key].(string); ok && v != "" {
			return fmt.Sprintf("%s %s %s", icon, verb, filepath.Base(v))
		}
	}
	if v, ok := input["command"].(string); ok && v != "" {
		return fmt.Sprintf("%s Running: %s", icon, truncate(v, 60))
	}
	for _, key := range []string{"pattern", "query", "regex"} {
		if v, ok := input[key].(string); ok && v != "" {
			return fmt.Sprintf("%s Searching: %s", icon, v)
		}
	}
	if v, ok := input["description"].(string); ok && v != "" {
		return fmt.Sprintf("%s %s", icon, truncate(v, 60))
	}
	return fmt.Sprintf("%s %s", icon, tool)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
