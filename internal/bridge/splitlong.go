package bridge

import "strings"

// ircFrameBudget is the IRC protocol's per-line limit (512 bytes including
// the trailing CRLF), per the open question in §4.G / §12.5: the effective
// payload budget is 512 minus the wire prefix length minus 2 (CRLF).
const ircFrameBudget = 512

// SplitLong breaks body into the minimum number of lines that each fit
// within the IRC wire frame once wrapped as ":<prefix> PRIVMSG <target> :"
// plus CRLF, breaking on word boundaries where possible. prefixLen is the
// length of ":<nick>!<user>@<host> PRIVMSG <target> :".
func SplitLong(body string, prefixLen int) []string {
	budget := ircFrameBudget - prefixLen - 2
	if budget < 1 {
		budget = 1
	}
	if len(body) <= budget {
		return []string{body}
	}

	var lines []string
	for len(body) > 0 {
		if len(body) <= budget {
			lines = append(lines, body)
			break
		}

		cut := budget
		if idx := strings.LastIndexByte(body[:budget], ' '); idx > 0 {
			cut = idx
		}

		lines = append(lines, body[:cut])
		body = strings.TrimLeft(body[cut:], " ")
	}
	return lines
}

// wireFramePrefixLen computes len(":<nick>!<user>@<host> PRIVMSG <target> :")
// for the bridge's own current hostmask against target, used to size the
// long-line splitter's budget (§4.G open question).
func wireFramePrefixLen(hostmask, target string) int {
	if hostmask == "" {
		hostmask = "nick!user@host"
	}
	return len(":" + hostmask + " PRIVMSG " + target + " :")
}
