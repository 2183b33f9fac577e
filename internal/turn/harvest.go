package turn

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turnstile-dev/turnstile/internal/domain"
)

// Parse extracts the structured result from one harvested output unit.
// It strips formatting fences, locates the outermost structured-data span
// by its first and last delimiter, and decodes it. Failures degrade to a
// result carrying only a diagnostic note; Parse never fails.
func Parse(raw string) *domain.TurnResult {
	text := StripFences(raw)

	span, ok := jsonSpan(text)
	if !ok {
		return &domain.TurnResult{Note: "no structured data in response"}
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(span), &decoded); err != nil {
		return &domain.TurnResult{Note: fmt.Sprintf("unparseable structured data: %v", err)}
	}

	result := &domain.TurnResult{Fields: make(map[string]string)}
	for key, value := range decoded {
		switch key {
		case "confidence":
			if f, ok := value.(float64); ok {
				result.Confidence = f
				continue
			}
		case "reasoning":
			if s, ok := value.(string); ok {
				result.Reasoning = s
				continue
			}
		}
		result.Fields[key] = stringify(value)
	}
	return result
}

// StripFences removes markdown code fence lines, keeping their content
func StripFences(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// jsonSpan returns the substring from the first '{' to the last '}'
func jsonSpan(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
