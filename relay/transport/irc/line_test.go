package irc

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		raw  string
		want Line
		ok   bool
	}{
		{"PING :irc.example.net", Line{Command: "PING", Params: []string{"irc.example.net"}}, true},
		{":nick!user@host PRIVMSG #chan :hello there", Line{Prefix: "nick!user@host", Command: "PRIVMSG", Params: []string{"#chan", "hello there"}}, true},
		{"@time=2024-01-01T00:00:00Z :srv 001 bot :Welcome", Line{Prefix: "srv", Command: "001", Params: []string{"bot", "Welcome"}}, true},
		{":srv CAP * LS * :multi-prefix sasl", Line{Prefix: "srv", Command: "CAP", Params: []string{"*", "LS", "*", "multi-prefix sasl"}}, true},
		{"privmsg  #a   b", Line{Command: "PRIVMSG", Params: []string{"#a", "b"}}, true},
		{"QUIT", Line{Command: "QUIT"}, true},
		{"PRIVMSG #a ::)", Line{Command: "PRIVMSG", Params: []string{"#a", ":)"}}, true},
		{"PRIVMSG #a :", Line{Command: "PRIVMSG", Params: []string{"#a", ""}}, true},
		{"@tags-only", Line{}, false},
		{":prefix-only", Line{}, false},
		{"", Line{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseLine(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestLine_NickAndParam(t *testing.T) {
	l, _ := ParseLine(":alice!a@example.org NICK alice2")
	assert.Equal(t, "alice", l.Nick())
	assert.Equal(t, "alice2", l.Param(0))
	assert.Equal(t, "", l.Param(3))

	server, _ := ParseLine(":irc.example.net 001 bot :hi")
	assert.Equal(t, "irc.example.net", server.Nick())
}

func TestSplitMessage(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, SplitMessage(" \r\n ", 380))
	})

	t.Run("line breaks folded", func(t *testing.T) {
		assert.Equal(t, []string{"one two three"}, SplitMessage("one\r\ntwo\nthree", 380))
	})

	t.Run("splits at whitespace", func(t *testing.T) {
		assert.Equal(t, []string{"aaaa bbbb", "cccc"}, SplitMessage("aaaa bbbb cccc", 10))
	})

	t.Run("hard split without whitespace", func(t *testing.T) {
		chunks := SplitMessage(strings.Repeat("x", 500), 380)
		assert.Equal(t, []int{380, 120}, []int{len(chunks[0]), len(chunks[1])})
	})

	t.Run("never cuts a rune", func(t *testing.T) {
		text := strings.Repeat("가", 200)
		chunks := SplitMessage(text, 380)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 380)
			assert.True(t, utf8.ValidString(c))
		}
		assert.Equal(t, text, strings.Join(chunks, ""))
	})

	t.Run("chunks are bounded and preserve words", func(t *testing.T) {
		text := strings.Repeat("lorem ipsum dolor sit amet ", 60)
		chunks := SplitMessage(text, 380)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 380)
			assert.Equal(t, strings.TrimSpace(c), c)
		}
		assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(chunks, " ")))
	})
}

func TestMentions(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"bot: hi", true},
		{"BOT, hi", true},
		{"hey @bot what", true},
		{"bot", true},
		{"hello bot", true},
		{"bot:", true},
		{"botty: hi", false},
		{"robot hi", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Mentions(tt.text, "bot"), tt.text)
	}
	assert.True(t, Mentions("a.b: x", "a.b"))
	assert.False(t, Mentions("axb: x", "a.b"), "nick is matched literally")
}

func TestStripMention(t *testing.T) {
	assert.Equal(t, "what time is it", StripMention("bot: what time is it", "bot"))
	assert.Equal(t, "hi", StripMention("  @Bot,   hi ", "bot"))
	assert.Equal(t, "hey bot", StripMention("hey bot", "bot"))
}

func TestSASLPlainChunks(t *testing.T) {
	assert.Equal(t, []string{"AGJvdABzZWNyZXQ="}, SASLPlainChunks("bot", "secret"))

	// 300 input bytes encode to exactly 400 characters.
	exact := SASLPlainChunks("u", strings.Repeat("p", 297))
	assert.Len(t, exact, 2)
	assert.Len(t, exact[0], 400)
	assert.Equal(t, "+", exact[1])

	longer := SASLPlainChunks("u", strings.Repeat("p", 298))
	assert.Len(t, longer, 2)
	assert.Len(t, longer[0], 400)
	assert.Len(t, longer[1], 4)
}

func TestHasCapability(t *testing.T) {
	assert.True(t, hasCapability("multi-prefix SASL=PLAIN,EXTERNAL", "sasl"))
	assert.True(t, hasCapability("~sasl", "sasl"))
	assert.False(t, hasCapability("sasl-ish away-notify", "sasl"))
}
