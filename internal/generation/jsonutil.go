package generation

import (
	"regexp"
	"strings"
)

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	smartQuoteReplacer   = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// extractJSON returns the first balanced JSON object in a model response, or
// a bare array of objects when that comes first. Fenced blocks are preferred
// over bare text. Returns "" when none is found.
func extractJSON(content string) string {
	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		if v := firstValue(m[1]); v != "" {
			return v
		}
	}
	return firstValue(content)
}

// firstValue picks whichever of an object or an array of objects starts
// first. Bracketed prose such as "[note]" is skipped.
func firstValue(s string) string {
	obj := strings.IndexByte(s, '{')
	arr := strings.IndexByte(s, '[')
	if arr >= 0 && (obj < 0 || arr < obj) && strings.HasPrefix(strings.TrimSpace(s[arr+1:]), "{") {
		return balancedFrom(s, arr)
	}
	if obj < 0 {
		return ""
	}
	return balancedFrom(s, obj)
}

// balancedFrom scans the span opened at start, ignoring brackets in strings.
// An unterminated span is closed so truncated output can still be repaired.
func balancedFrom(s string, start int) string {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{' || ch == '[':
			stack = append(stack, ch)
		case ch == '}' || ch == ']':
			if len(stack) == 0 {
				return ""
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}

	// Truncated: close whatever is still open.
	var b strings.Builder
	b.WriteString(strings.TrimRight(s[start:], " \t\r\n,"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// cleanJSON applies deterministic syntax repairs for common model artifacts:
// typographic quotes, // comments and trailing commas.
func cleanJSON(raw string) string {
	raw = smartQuoteReplacer.Replace(raw)
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
