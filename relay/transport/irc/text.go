package irc

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageLength is the PRIVMSG body limit in bytes.
const DefaultMaxMessageLength = 380

const saslChunkSize = 400

// NormalizeText folds line breaks into spaces and trims.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return strings.TrimSpace(text)
}

// SplitMessage cuts normalized text into chunks of at most max bytes. Cuts
// prefer the last whitespace at or before the limit and otherwise fall on a
// rune boundary.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxMessageLength
	}

	var chunks []string
	remaining := NormalizeText(text)

	for len(remaining) > max {
		cut := strings.LastIndexAny(remaining[:max+1], " \t")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(remaining)
			}
		}

		if chunk := strings.TrimSpace(remaining[:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[cut:], " \t")
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// mention matches one nickname in channel text.
type mention struct {
	nick   string
	match  *regexp.Regexp
	prefix *regexp.Regexp
}

func newMention(nick string) *mention {
	m := &mention{nick: nick}
	if nick == "" {
		return m
	}
	quoted := regexp.QuoteMeta(nick)
	m.match = regexp.MustCompile(`(?i)(^|\s)@?` + quoted + `([,:]|\s|$)`)
	m.prefix = regexp.MustCompile(`(?i)^\s*@?` + quoted + `[,:]?\s*`)
	return m
}

func (m *mention) in(text string) bool {
	return text != "" && m.match != nil && m.match.MatchString(text)
}

func (m *mention) strip(text string) string {
	if m.prefix == nil {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(m.prefix.ReplaceAllString(text, ""))
}

// Mentions reports whether text addresses nick as a whole token, optionally
// prefixed with '@' and followed by ':', ',', whitespace or the end.
func Mentions(text, nick string) bool {
	return newMention(nick).in(text)
}

// StripMention removes a leading mention of nick and trims the rest.
func StripMention(text, nick string) string {
	return newMention(nick).strip(text)
}

// SASLPlainChunks encodes the PLAIN credentials and splits them into
// AUTHENTICATE payloads. A lone "+" terminates a payload whose length is a
// multiple of the chunk size, and stands for an empty payload.
func SASLPlainChunks(username, password string) []string {
	payload := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))

	var chunks []string
	for off := 0; off < len(payload); off += saslChunkSize {
		end := min(off+saslChunkSize, len(payload))
		chunks = append(chunks, payload[off:end])
	}
	if len(chunks) == 0 || len(payload)%saslChunkSize == 0 {
		chunks = append(chunks, "+")
	}
	return chunks
}

// hasCapability looks for name in a CAP list, ignoring modifiers and values.
func hasCapability(list, name string) bool {
	for _, item := range strings.Fields(strings.ToLower(list)) {
		item = strings.TrimLeft(item, "-=~")
		item, _, _ = strings.Cut(item, "=")
		if item == strings.ToLower(name) {
			return true
		}
	}
	return false
}
