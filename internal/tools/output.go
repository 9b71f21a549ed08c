package tools

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// SnipMarker separates the two kept slices of truncated output.
const SnipMarker = "<snip....>"

// FilterLines keeps the lines of text matching pattern. An empty pattern keeps
// everything; an invalid one returns text unchanged together with the error.
func FilterLines(text, pattern string) (string, error) {
	if pattern == "" || text == "" {
		return text, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return text, fmt.Errorf("compile filter_regex: %w", err)
	}
	lines, trailing := splitLines(text)
	kept := lines[:0]
	for _, l := range lines {
		if re.MatchString(l) {
			kept = append(kept, l)
		}
	}
	return joinLines(kept, trailing), nil
}

// TailLines keeps the last n lines. n <= 0 keeps everything.
func TailLines(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	lines, trailing := splitLines(text)
	if len(lines) <= n {
		return text
	}
	return joinLines(lines[len(lines)-n:], trailing)
}

// CombineStdStreams folds stderr into stdout when the command succeeded, since
// stderr of a successful command is informational. Otherwise both streams are
// returned untouched.
func CombineStdStreams(stdout, stderr string, exitCode *int) (string, string) {
	if exitCode == nil || *exitCode != 0 || stderr == "" {
		return stdout, stderr
	}
	if stdout == "" {
		return stderr, ""
	}
	if !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout + stderr, ""
}

// TruncateOutput shortens text that exceeds headLines+tailLines lines or
// maxBytes bytes. The result is the tail slice, the snip marker, then the head
// slice, each slice holding at most maxBytes/2 bytes.
func TruncateOutput(text string, headLines, tailLines, maxBytes int) (string, bool) {
	lines, _ := splitLines(text)
	overLines := headLines+tailLines > 0 && len(lines) > headLines+tailLines
	overBytes := maxBytes > 0 && len(text) > maxBytes
	if !overLines && !overBytes {
		return text, false
	}

	var head, tail string
	if overLines {
		head = strings.Join(lines[:headLines], "\n")
		tail = strings.Join(lines[len(lines)-tailLines:], "\n")
	} else {
		head, tail = text, text
	}
	if maxBytes > 0 {
		half := maxBytes / 2
		head = cutPrefix(head, half)
		tail = cutSuffix(tail, half)
	}
	return tail + "\n" + SnipMarker + "\n" + head, true
}

func splitLines(text string) ([]string, bool) {
	trailing := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, trailing
	}
	return strings.Split(text, "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	if len(lines) == 0 {
		return ""
	}
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}

// cutPrefix returns at most n leading bytes of s without splitting a rune.
func cutPrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// cutSuffix returns at most n trailing bytes of s without splitting a rune.
func cutSuffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
