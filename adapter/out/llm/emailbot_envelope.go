package llm

import (
	"strings"

	"github.com/goccy/go-json"

	"emailbot/pkg/apperr"
)

// ParseJSONEnvelope extracts the JSON object from a model response. Models
// return raw JSON, a fenced code block, or prose with JSON embedded; all
// three are accepted. Returns a ParseError when no object can be decoded.
func ParseJSONEnvelope(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.ParseError("empty response")
	}

	// Raw object.
	if strings.HasPrefix(content, "{") && json.Valid([]byte(content)) {
		return []byte(content), nil
	}

	// Fenced code block, with or without a language tag.
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
	}

	// Widest {...} span inside prose.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		candidate := content[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}

	return nil, apperr.ParseError("no JSON object in response")
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
