// Package ircconn is the bridge's IRC connection engine: framing, outbound
// pacing, PING-based liveness, and dialing a single server (spec §4.F); the
// multi-server failover loop lives in NetworkRoom. It is deliberately
// independent of any particular bridged room; NetworkRoom owns one Conn and
// dispatches its Message callbacks.
package ircconn

import "strings"

// Prefix is the optional "nick!user@host" (or bare server name) prefix on an
// inbound IRC line.
type Prefix struct {
	Nick string
	User string
	Host string
	Raw  string
}

func (p Prefix) String() string {
	if p.Nick == "" {
		return p.Raw
	}
	if p.User == "" && p.Host == "" {
		return p.Nick
	}
	return p.Nick + "!" + p.User + "@" + p.Host
}

// Message is a parsed inbound (or to-be-sent) IRC line, matching the
// contract the spec assumes the IRC wire parser delivers: command,
// prefix{nick,user,host}, target, arguments[].
type Message struct {
	Prefix  Prefix
	Command string
	Params  []string
}

// Target is the conventional first parameter (channel or nick) for commands
// that carry one, used for per-room dispatch.
func (m *Message) Target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// Trailing is the last parameter, which carries free-form text for
// PRIVMSG/NOTICE/QUIT/etc.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ParseMessage parses one raw IRC line (without trailing CRLF) into a
// Message: ":prefix command params... :trailing".
func ParseMessage(line string) *Message {
	msg := &Message{}

	if strings.HasPrefix(line, "@") {
		// Strip IRCv3 message tags; the bridge core does not consume them.
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			line = line[idx+1:]
		} else {
			return msg
		}
	}

	if strings.HasPrefix(line, ":") {
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			msg.Prefix = parsePrefix(line[1:])
			return msg
		}
		msg.Prefix = parsePrefix(line[1:idx])
		line = strings.TrimLeft(line[idx+1:], " ")
	}

	var trailing string
	hasTrailing := false
	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		hasTrailing = true
		line = line[:idx]
	} else if strings.HasPrefix(line, ":") {
		trailing = line[1:]
		hasTrailing = true
		line = ""
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		if hasTrailing {
			msg.Params = []string{trailing}
		}
		return msg
	}

	msg.Command = strings.ToUpper(fields[0])
	msg.Params = append(msg.Params, fields[1:]...)
	if hasTrailing {
		msg.Params = append(msg.Params, trailing)
	}

	return msg
}

func parsePrefix(raw string) Prefix {
	p := Prefix{Raw: raw}
	nickRest := raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		p.Host = raw[at+1:]
		nickRest = raw[:at]
	}
	if bang := strings.IndexByte(nickRest, '!'); bang >= 0 {
		p.User = nickRest[bang+1:]
		p.Nick = nickRest[:bang]
	} else {
		p.Nick = nickRest
	}
	return p
}

// FormatLine renders command+params as a raw IRC line, adding ':' framing to
// the last parameter when it contains a space or is empty.
func FormatLine(command string, params ...string) string {
	var b strings.Builder
	b.WriteString(command)
	for i, p := range params {
		b.WriteByte(' ')
		last := i == len(params)-1
		if last && (strings.Contains(p, " ") || strings.HasPrefix(p, ":") || p == "") {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}
