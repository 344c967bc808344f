package slack

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength keeps replies under Slack's 40k character text limit.
const MaxMessageLength = 39000

const truncatedSuffix = "\n\n...(truncated)"

var (
	userMention = regexp.MustCompile(`<@[^>]+>`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// FormatText trims a reply and truncates it to MaxMessageLength characters.
// Slack rejects empty text, so an empty reply becomes ".".
func FormatText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "."
	}
	if utf8.RuneCountInString(text) <= MaxMessageLength {
		return text
	}

	keep := MaxMessageLength - utf8.RuneCountInString(truncatedSuffix)
	runes := []rune(text)
	return string(runes[:keep]) + truncatedSuffix
}

// CleanText removes user mentions and collapses whitespace.
func CleanText(text string) string {
	text = userMention.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// mentions reports whether text mentions userID.
func mentions(text, userID string) bool {
	return userID != "" && strings.Contains(text, "<@"+userID+">")
}
