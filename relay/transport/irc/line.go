// Package irc is a small IRC client: registration, capability negotiation,
// SASL PLAIN, keepalive and message chunking.
//
// The protocol logic lives in Session, a pure state machine fed one parsed
// line at a time. Engine owns the socket and drives a Session.
package irc

import "strings"

// Line is one parsed inbound line. Message tags are discarded.
type Line struct {
	Prefix  string
	Command string
	Params  []string
}

// ParseLine parses a raw line without its CRLF terminator. It reports false
// for lines that carry no command.
func ParseLine(raw string) (Line, bool) {
	line := raw

	if strings.HasPrefix(line, "@") {
		end := strings.IndexByte(line, ' ')
		if end < 0 {
			return Line{}, false
		}
		line = line[end+1:]
	}

	var l Line
	if strings.HasPrefix(line, ":") {
		end := strings.IndexByte(line, ' ')
		if end < 0 {
			return Line{}, false
		}
		l.Prefix = line[1:end]
		line = line[end+1:]
	}

	command, rest, _ := strings.Cut(line, " ")
	if command == "" {
		return Line{}, false
	}
	l.Command = strings.ToUpper(command)
	rest = strings.TrimLeft(rest, " ")

	for rest != "" {
		if strings.HasPrefix(rest, ":") {
			l.Params = append(l.Params, rest[1:])
			break
		}
		param, tail, found := strings.Cut(rest, " ")
		l.Params = append(l.Params, param)
		if !found {
			break
		}
		rest = strings.TrimLeft(tail, " ")
	}

	return l, true
}

// Param returns the i-th parameter or "".
func (l Line) Param(i int) string {
	if i < 0 || i >= len(l.Params) {
		return ""
	}
	return l.Params[i]
}

// Nick returns the nickname part of the prefix.
func (l Line) Nick() string {
	nick, _, _ := strings.Cut(l.Prefix, "!")
	return nick
}
