// Package normalize repairs free-form model output into valid JSON. The
// scope is tolerance of known corruption (markdown fences, mid-value
// truncation, literal line breaks inside strings), not general parsing.
package normalize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Repair deterministically converts raw model output into parseable JSON
// text. Pure function; never panics; worst case returns "{}". Already-valid
// JSON comes back unchanged.
func Repair(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "{}"
	}

	text = stripFences(text)

	// Locate the first JSON opener; everything before it is prose.
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "{}"
	}
	text = text[start:]

	text = balance(text)
	text = escapeBreaks(text)

	if json.Valid([]byte(text)) {
		return text
	}

	text = coerce(text)
	if json.Valid([]byte(text)) {
		return text
	}

	return "{}"
}

// stripFences removes a leading backtick/asterisk fence (with optional
// language tag through its line break) and a matching trailing fence.
func stripFences(text string) string {
	for _, marker := range []string{"```", "***"} {
		if !strings.HasPrefix(text, marker) {
			continue
		}
		rest := strings.TrimLeft(text, string(marker[0]))
		// A language tag like "json" sits between the run and the first
		// line break; drop through the break when present.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		if end := strings.LastIndex(rest, marker); end >= 0 && strings.TrimSpace(rest[end+len(marker):]) == "" {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// balance scans the text tracking in-string state (respecting escapes) and a
// stack of open brackets, truncates to the last structurally valid position,
// closes an open string, then closes remaining brackets innermost-first.
func balance(text string) string {
	var stack []byte
	inString := false
	escape := false
	stringStart := 0

	// lastGood is the cut position after the most recent complete value (or
	// fresh container) so a dangling key or bare colon can be dropped.
	// goodDepth is the stack depth at that position; the stack prefix below
	// it is untouched afterward because every pop is itself a completion.
	lastGood := 0
	goodDepth := 0
	expectKey := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
				if !expectKey {
					lastGood = i + 1
					goodDepth = len(stack)
				}
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			stringStart = i + 1
		case '{':
			stack = append(stack, '}')
			expectKey = true
			lastGood = i + 1
			goodDepth = len(stack)
		case '[':
			stack = append(stack, ']')
			expectKey = false
			lastGood = i + 1
			goodDepth = len(stack)
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			lastGood = i + 1
			goodDepth = len(stack)
			if len(stack) == 0 {
				// Top-level value closed; the remainder is garbage.
				return text[:i+1]
			}
			expectKey = false
		case ':':
			expectKey = false
		case ',':
			if len(stack) > 0 && stack[len(stack)-1] == '}' {
				expectKey = true
			}
		default:
			// Primitive tokens (numbers, true/false/null) count as complete
			// at every character; an actually-truncated token is rescued by
			// the bare-value coercion later.
			if !expectKey && !isSpace(c) {
				lastGood = i + 1
				goodDepth = len(stack)
			}
		}
	}

	if inString {
		if stringStart == len(text) {
			// Orphan opener with no content; drop it and leave the dangling
			// key to the coercion pass.
			text = text[:len(text)-1]
		} else {
			// Keep the partial string content and close it.
			text += `"`
		}
	} else if lastGood < len(text) {
		text = text[:lastGood]
		stack = stack[:goodDepth]
	}

	// Close unclosed delimiters in reverse order.
	for i := len(stack) - 1; i >= 0; i-- {
		// Trim trailing comma before closing (common in truncated arrays).
		text = strings.TrimRight(text, " \t\n\r,")
		text += string(stack[i])
	}

	return text
}

// escapeBreaks escapes literal newline/carriage-return characters inside
// string boundaries. Must run after balancing: it depends on correct
// in-string tracking.
func escapeBreaks(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	inString := false
	escape := false
	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString && !escape {
			switch c {
			case '\n':
				sb.WriteString(`\n`)
				continue
			case '\r':
				sb.WriteString(`\r`)
				continue
			}
		}

		if escape {
			escape = false
		} else if c == '\\' && inString {
			escape = true
		} else if c == '"' {
			inString = !inString
		}

		sb.WriteByte(c)
	}

	return sb.String()
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	bareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuoted  = regexp.MustCompile(`'([^']*)'`)
	doubledQuote  = regexp.MustCompile(`"([^"]*)""`)
	danglingKey   = regexp.MustCompile(`([{,]\s*"[^"]*")\s*([}\]])`)
	bareValue     = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_\-]*)\s*([,}\]])`)
)

// coerce applies bounded syntax fixes to text that balanced but does not
// parse: trailing commas, single-quoted and bare keys/values, and the
// `"key""` truncation artifact.
func coerce(text string) string {
	text = trailingComma.ReplaceAllString(text, "$1")
	text = singleQuoted.ReplaceAllString(text, `"$1"`)
	text = bareKey.ReplaceAllString(text, `$1"$2":`)
	text = doubledQuote.ReplaceAllString(text, `"$1": ""`)
	text = danglingKey.ReplaceAllString(text, `$1: ""$2`)
	text = bareValue.ReplaceAllStringFunc(text, func(m string) string {
		sub := bareValue.FindStringSubmatch(m)
		switch sub[1] {
		case "true", "false", "null":
			return m
		}
		return `: "` + sub[1] + `"` + sub[2]
	})
	return text
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
