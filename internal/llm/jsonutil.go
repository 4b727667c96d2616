package llm

import (
	"regexp"
	"strings"
)

var (
	// jsonBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// openFencePattern matches an opening fence whose closing fence was cut off.
	openFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*)$")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response. It accepts code
// fences and surrounding prose, strips line comments and trailing commas,
// and closes brackets left open by a truncated answer. It returns "" when
// no object start is present.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonObjectPattern.FindString(content); m != "" && balanced(m) {
		return cleanJSON(m)
	}
	if m := openFencePattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(repairTruncated(m[1]))
	}
	if i := strings.Index(content, "{"); i >= 0 {
		return cleanJSON(repairTruncated(content[i:]))
	}
	return ""
}

// cleanJSON removes JavaScript-style comments and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
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

// balanced reports whether every bracket outside strings is closed.
func balanced(s string) bool {
	stack, inString := scan(s)
	return len(stack) == 0 && !inString
}

// scan returns the unclosed brackets of s and whether s ends inside a string.
func scan(s string) ([]byte, bool) {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack, inString
}

// repairTruncated closes an unterminated string and any open brackets, and
// drops a dangling key or separator left at the cut.
func repairTruncated(s string) string {
	s = strings.TrimRight(s, " \t\r\n`")
	stack, inString := scan(s)
	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \t\r\n")
	for strings.HasSuffix(s, ",") || strings.HasSuffix(s, ":") {
		if strings.HasSuffix(s, ":") {
			// drop the key whose value never arrived
			if i := strings.LastIndexAny(s[:len(s)-1], "{,"); i >= 0 {
				s = s[:i+1]
			}
		}
		s = strings.TrimRight(strings.TrimSuffix(s, ","), " \t\r\n")
	}
	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
