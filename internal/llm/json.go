package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ParseJSONResponse extracts the JSON object from a generator answer. It accepts
// a bare object, one wrapped in a markdown code fence, or one surrounded by prose.
// It returns nil when no object can be decoded.
func ParseJSONResponse(text string) map[string]any {
	text = stripFence(strings.TrimSpace(text))
	if text == "" {
		return nil
	}

	var result map[string]any
	err := json.Unmarshal([]byte(text), &result)
	if err == nil {
		return result
	}

	if obj, ok := outermostObject(text); ok {
		if json.Unmarshal([]byte(obj), &result) == nil {
			return result
		}
	}
	slog.Debug("generator answer is not JSON", "error", err)
	return nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
}

// outermostObject returns the span from the first '{' to the last '}'.
func outermostObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
