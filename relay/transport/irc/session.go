package irc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// State is the registration progress of a Session.
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateRegistering
	StateJoining
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateRegistering:
		return "registering"
	case StateJoining:
		return "joining"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FatalError ends a session during the handshake.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "irc: " + e.Reason }

// IsFatal reports whether err is a handshake failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// SessionConfig describes the identity a Session registers with.
type SessionConfig struct {
	Nick     string
	Username string
	Realname string
	Password string
	Channels []string

	SASL bool
	// SASLUsername defaults to Username.
	SASLUsername string
	SASLPassword string

	// MaxNickRetries bounds nickname collision retries; 0 retries forever.
	MaxNickRetries int

	// Intn picks the nickname suffix; defaults to math/rand/v2.
	Intn func(n int) int
}

// Message is a PRIVMSG addressed to us.
type Message struct {
	From   string
	Target string
	// Text has a leading mention stripped.
	Text   string
	Direct bool
}

// ReplyTarget is where an answer to m goes.
func (m Message) ReplyTarget() string {
	if m.Direct {
		return m.From
	}
	return m.Target
}

// ConversationKey groups messages that share history and ordering.
func (m Message) ConversationKey() string {
	if m.Direct {
		return "irc:dm:" + strings.ToLower(m.From)
	}
	return "irc:channel:" + strings.ToLower(m.Target)
}

// Output is what a Session wants done after an input.
type Output struct {
	Lines    []string
	Ready    bool
	Fatal    error
	Messages []Message
}

func (o *Output) send(format string, args ...any) {
	o.Lines = append(o.Lines, fmt.Sprintf(format, args...))
}

// Session is the protocol state of one connection. It performs no I/O and is
// not safe for concurrent use.
type Session struct {
	cfg   SessionConfig
	state State
	nick  string

	mention *mention

	capEnded    bool
	capLS       string
	saslStarted bool
	saslChunks  []string
	nickRetries int
	joined      bool
	ready       bool
}

// NewSession returns a session in StateConnecting.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.Realname == "" {
		cfg.Realname = "chatrelay"
	}
	if cfg.SASLUsername == "" {
		cfg.SASLUsername = cfg.Username
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}

	return &Session{
		cfg:      cfg,
		nick:     cfg.Nick,
		mention:  newMention(cfg.Nick),
		capEnded: !cfg.SASL,
	}
}

func (s *Session) setNick(nick string) {
	s.nick = nick
	s.mention = newMention(nick)
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Nick returns the nickname currently held.
func (s *Session) Nick() string { return s.nick }

// Open returns the registration greeting.
func (s *Session) Open() []string {
	var out Output
	if s.cfg.Password != "" {
		out.send("PASS %s", s.cfg.Password)
	}
	if s.cfg.SASL {
		out.send("CAP LS 302")
		s.state = StateNegotiating
	} else {
		s.state = StateRegistering
	}
	out.send("NICK %s", s.nick)
	out.send("USER %s 0 * :%s", s.cfg.Username, s.cfg.Realname)
	return out.Lines
}

// Close moves the session to its terminal state.
func (s *Session) Close() { s.state = StateClosed }

// Handle advances the session by one inbound line.
func (s *Session) Handle(l Line) Output {
	var out Output
	if s.state == StateClosed {
		return out
	}

	switch l.Command {
	case "PING":
		out.send("PONG :%s", l.Param(0))
	case "001":
		s.welcome(&out)
	case "433":
		s.nickInUse(&out)
	case "CAP":
		s.capability(&out, l)
	case "AUTHENTICATE":
		s.authenticate(&out, l)
	case "903":
		s.endCap(&out)
	case "904", "905", "906", "907", "908":
		detail := "SASL authentication failed"
		if n := len(l.Params); n > 0 && l.Params[n-1] != "" {
			detail = l.Params[n-1]
		}
		s.fail(&out, "SASL failed: "+detail)
	case "NICK":
		if next := l.Param(0); next != "" && strings.EqualFold(l.Nick(), s.nick) {
			s.setNick(next)
		}
	case "ERROR":
		if !s.ready {
			detail := l.Param(0)
			if detail == "" {
				detail = "server error"
			}
			out.Fatal = &FatalError{Reason: "server error: " + detail}
			s.state = StateClosed
		}
	case "PRIVMSG":
		if s.state == StateReady {
			if m, ok := s.addressed(l); ok {
				out.Messages = append(out.Messages, m)
			}
		}
	}

	return out
}

func (s *Session) welcome(out *Output) {
	s.endCap(out)
	if !s.joined {
		s.joined = true
		s.state = StateJoining
		for _, ch := range s.cfg.Channels {
			if ch != "" {
				out.send("JOIN %s", ch)
			}
		}
	}
	s.state = StateReady
	if !s.ready {
		s.ready = true
		out.Ready = true
	}
}

func (s *Session) nickInUse(out *Output) {
	s.nickRetries++
	if s.cfg.MaxNickRetries > 0 && s.nickRetries > s.cfg.MaxNickRetries {
		s.fail(out, fmt.Sprintf("nickname %s unavailable after %d attempts", s.cfg.Nick, s.cfg.MaxNickRetries))
		return
	}

	n := s.cfg.Intn(1000)
	next := fmt.Sprintf("%s_%d", s.cfg.Nick, n)
	if next == s.nick {
		next = fmt.Sprintf("%s_%d", s.cfg.Nick, (n+1)%1000)
	}
	s.setNick(next)
	if !s.ready {
		s.state = StateRegistering
		if !s.capEnded {
			s.state = StateNegotiating
		}
	}
	out.send("NICK %s", s.nick)
}

func (s *Session) capability(out *Output, l Line) {
	sub := strings.ToUpper(l.Param(1))
	more := l.Param(2) == "*"
	list := l.Param(2)
	if more {
		list = l.Param(3)
	}

	switch sub {
	case "LS":
		s.capLS = strings.TrimSpace(s.capLS + " " + list)
		if more {
			return
		}
		offered := s.capLS
		s.capLS = ""

		if !s.cfg.SASL {
			s.endCap(out)
			return
		}
		if !hasCapability(offered, "sasl") {
			s.fail(out, "server does not support SASL")
			return
		}
		out.send("CAP REQ :sasl")
	case "ACK":
		if !s.cfg.SASL || !hasCapability(list, "sasl") {
			s.endCap(out)
			return
		}
		s.saslStarted = true
		out.send("AUTHENTICATE PLAIN")
	case "NAK":
		if s.cfg.SASL {
			s.fail(out, "server rejected SASL capability")
		}
	}
}

func (s *Session) authenticate(out *Output, l Line) {
	if !s.saslStarted || l.Param(0) != "+" {
		return
	}
	if len(s.saslChunks) == 0 {
		s.saslChunks = SASLPlainChunks(s.cfg.SASLUsername, s.cfg.SASLPassword)
	}
	chunk := s.saslChunks[0]
	s.saslChunks = s.saslChunks[1:]
	out.send("AUTHENTICATE %s", chunk)
}

func (s *Session) endCap(out *Output) {
	if s.capEnded {
		return
	}
	s.capEnded = true
	out.send("CAP END")
	if s.state == StateNegotiating {
		s.state = StateRegistering
	}
}

func (s *Session) fail(out *Output, reason string) {
	out.send("QUIT :%s", reason)
	out.Fatal = &FatalError{Reason: reason}
	s.state = StateClosed
}

func (s *Session) addressed(l Line) (Message, bool) {
	from := l.Nick()
	target := l.Param(0)
	text := l.Param(1)
	if from == "" || target == "" || strings.EqualFold(from, s.nick) {
		return Message{}, false
	}

	direct := strings.EqualFold(target, s.nick)
	if direct {
		text = strings.TrimSpace(text)
	} else {
		if !s.mention.in(text) {
			return Message{}, false
		}
		text = s.mention.strip(text)
	}
	if text == "" {
		return Message{}, false
	}

	return Message{From: from, Target: target, Text: text, Direct: direct}, true
}
