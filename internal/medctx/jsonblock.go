package medctx

import (
	"encoding/json"
	"strings"
)

// firstObject returns the first balanced brace-delimited block in s. Braces
// inside JSON strings are ignored.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeObject parses the first brace block of s into a field map.
func decodeObject(s string) (map[string]json.RawMessage, bool) {
	block, ok := firstObject(s)
	if !ok {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// stringField decodes a string field, tolerating numbers and booleans.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	switch v.(type) {
	case float64, bool:
		return strings.TrimSpace(string(raw)), true
	}
	return "", false
}

// listField decodes a list of strings; a single string becomes a one-element
// list and non-string elements are dropped.
func listField(fields map[string]json.RawMessage, key string) ([]string, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		if s, ok := stringField(fields, key); ok {
			return []string{s}, true
		}
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, true
}
