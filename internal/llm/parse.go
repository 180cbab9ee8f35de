package llm

import (
	"encoding/json"
	"strings"
)

// Parsed is the outcome of parsing model output: either a well-formed value
// or the malformed raw text. Callers branch on Ok instead of recovering
// from errors mid-pipeline.
type Parsed[T any] struct {
	Value T
	Raw   string
	Ok    bool
}

// Malformed wraps raw model output that failed to parse.
func Malformed[T any](raw string) Parsed[T] {
	return Parsed[T]{Raw: raw}
}

// ParseJSON extracts the first balanced JSON object from model output and
// unmarshals it into T. Models routinely wrap JSON in prose or code fences,
// so the object is located by brace matching rather than strict decoding.
func ParseJSON[T any](response string) Parsed[T] {
	obj := extractJSONObject(response)
	if obj == "" {
		return Malformed[T](response)
	}
	var v T
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Malformed[T](response)
	}
	return Parsed[T]{Value: v, Raw: response, Ok: true}
}

func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ExtractListItems pulls list entries out of model output. It accepts
// bulleted lines ("- item", "* item"), numbered lines ("1. item"), or a
// JSON string array, in that order of preference.
func ExtractListItems(response string) []string {
	var items []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			items = append(items, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		default:
			if stripped, ok := stripNumberPrefix(line); ok {
				items = append(items, stripped)
			}
		}
	}
	if len(items) > 0 {
		return items
	}

	// Fall back to a JSON array embedded in the response.
	start := strings.IndexByte(response, '[')
	end := strings.LastIndexByte(response, ']')
	if start != -1 && end > start {
		var arr []string
		if err := json.Unmarshal([]byte(response[start:end+1]), &arr); err == nil {
			for _, s := range arr {
				if s = strings.TrimSpace(s); s != "" {
					items = append(items, s)
				}
			}
		}
	}
	return items
}

func stripNumberPrefix(line string) (string, bool) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return "", false
	}
	if line[i] != '.' && line[i] != ')' && line[i] != ':' {
		return "", false
	}
	rest := strings.TrimSpace(line[i+1:])
	if rest == "" {
		return "", false
	}
	return rest, true
}
