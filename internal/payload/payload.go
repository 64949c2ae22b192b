// Package payload extracts structured payloads from model output.
//
// Auxiliary models are instructed to answer with a compact JSON object or
// array, but in practice the payload arrives wrapped in prose, markdown
// fences, or explanatory text. Every call site goes through the same
// tolerant sequence: direct decode, then a balanced-delimiter scan for the
// first complete payload, then the caller's fallback.
package payload

import "encoding/json"

// FirstObject returns the first balanced {...} span in s, or "" if none
// completes. The scan tracks brace depth and skips string literals and
// escape sequences, so nested braces inside the payload do not truncate it.
// Iterating bytes is safe: the delimiters are ASCII and UTF-8 guarantees
// ASCII bytes never occur inside a multi-byte sequence.
func FirstObject(s string) string {
	return firstSpan(s, '{', '}')
}

// FirstArray returns the first balanced [...] span in s, or "" if none
// completes.
func FirstArray(s string) string {
	return firstSpan(s, '[', ']')
}

func firstSpan(s string, open, close byte) string {
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// DecodeObject unmarshals the first JSON object found in text into v.
// It tries the whole text first, then the balanced-scan span. Returns false
// if neither decodes; v is untouched on failure of the direct pass only if
// the scan pass also fails to locate a span.
func DecodeObject(text string, v any) bool {
	if json.Unmarshal([]byte(text), v) == nil {
		return true
	}
	span := FirstObject(text)
	if span == "" {
		return false
	}
	return json.Unmarshal([]byte(span), v) == nil
}

// DecodeArray unmarshals the first JSON array found in text into v.
func DecodeArray(text string, v any) bool {
	if json.Unmarshal([]byte(text), v) == nil {
		return true
	}
	span := FirstArray(text)
	if span == "" {
		return false
	}
	return json.Unmarshal([]byte(span), v) == nil
}
