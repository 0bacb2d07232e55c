// Package util holds small text helpers shared by the capture and notification paths.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\a\x1b]*(\a|\x1b\\)`)

// StripANSI removes terminal escape sequences from captured pane text.
func StripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// LastNLines returns the last n lines of text, ignoring trailing blank lines.
func LastNLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n "), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// LastNonEmptyLine returns the last line of text containing non-space characters.
func LastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return lines[i]
		}
	}
	return ""
}

// Truncate shortens s to at most width terminal cells, appending "..." when cut.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// PadRight pads s with spaces to width terminal cells.
func PadRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// Hash returns the hex sha256 of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
