// Package llmjson decodes structured model output.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decode unmarshals model output into v. Markdown code fences and prose
// around the outermost JSON object are tolerated.
func Decode(content string, v any) error {
	s := strings.TrimSpace(content)
	if s == "" {
		return errors.New("llmjson: empty content")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return errors.New("llmjson: no JSON object in content")
		}
		s = s[start : end+1]
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("llmjson: %w", err)
	}
	return nil
}
