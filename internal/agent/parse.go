package agent

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ExtractJSON isolates a JSON object from a noisy agent payload. Workflow
// responses wrap their output in logging text, and sometimes escape the
// object a second time, so this takes the outermost brace pair and tries
// both readings. Returns nil when no object can be recovered.
func ExtractJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil
	}
	candidate := raw[start : end+1]

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return out
	}

	// Doubly-escaped payload: the candidate itself is the content of a
	// JSON string literal.
	if unescaped, err := strconv.Unquote(`"` + candidate + `"`); err == nil {
		if err := json.Unmarshal([]byte(unescaped), &out); err == nil {
			return out
		}
	}

	return nil
}

// stringField returns the first non-empty string value among the given
// keys, trimmed.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
