package generate

import (
	"errors"
	"strings"
)

var errNoJSON = errors.New("no JSON object found in response")

// extractJSON returns the JSON object embedded in a model response. Models
// answer with a bare object, a fenced code block, or an object surrounded by
// prose; the first balanced object wins.
func extractJSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "```"); i >= 0 {
		body := text[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errNoJSON
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in response")
}
