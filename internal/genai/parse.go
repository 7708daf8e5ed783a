package genai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// stripCodeFences removes a surrounding ```json ... ``` block, if any.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeJSON parses provider output into v, tolerating code fences and
// chatter around a single JSON object or array.
func decodeJSON(out string, v any) error {
	s := stripCodeFences(out)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(s[start:end+1]), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidJSON, truncate(out, 120))
}

var numberedLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*(.+)$`)

// parseNumberedList extracts the items of a "1. foo" / "- foo" list.
func parseNumberedList(s string) []string {
	var items []string
	for _, line := range strings.Split(s, "\n") {
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			items = append(items, strings.Trim(strings.TrimSpace(m[1]), `"[]`))
		}
	}
	return items
}

// flexBool accepts true/false as JSON booleans or strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `"`)) {
	case "true", "oui", "yes", "1":
		*b = true
	case "false", "non", "no", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
