package ircconn

import "testing"

func TestParseMessage_WithPrefixAndTrailing(t *testing.T) {
	msg := ParseMessage(":alice!user@host.example.org PRIVMSG #channel :hello there")
	if msg.Prefix.Nick != "alice" || msg.Prefix.User != "user" || msg.Prefix.Host != "host.example.org" {
		t.Fatalf("unexpected prefix: %+v", msg.Prefix)
	}
	if msg.Command != "PRIVMSG" {
		t.Fatalf("unexpected command: %q", msg.Command)
	}
	if msg.Target() != "#channel" {
		t.Fatalf("unexpected target: %q", msg.Target())
	}
	if msg.Trailing() != "hello there" {
		t.Fatalf("unexpected trailing: %q", msg.Trailing())
	}
}

func TestParseMessage_NoPrefix(t *testing.T) {
	msg := ParseMessage("PING :server.example.org")
	if msg.Command != "PING" {
		t.Fatalf("unexpected command: %q", msg.Command)
	}
	if msg.Trailing() != "server.example.org" {
		t.Fatalf("unexpected trailing: %q", msg.Trailing())
	}
}

func TestParseMessage_NumericWithMultipleParams(t *testing.T) {
	msg := ParseMessage(":irc.example.org 353 alice = #channel :alice bob +carol")
	if msg.Command != "353" {
		t.Fatalf("unexpected command: %q", msg.Command)
	}
	if len(msg.Params) != 4 {
		t.Fatalf("expected 4 params, got %d: %v", len(msg.Params), msg.Params)
	}
	if msg.Trailing() != "alice bob +carol" {
		t.Fatalf("unexpected trailing: %q", msg.Trailing())
	}
}

func TestParseMessage_PrefixOnlyServerName(t *testing.T) {
	msg := ParseMessage(":irc.example.org NOTICE * :*** Looking up your hostname")
	if msg.Prefix.Nick != "irc.example.org" {
		t.Fatalf("unexpected prefix nick: %q", msg.Prefix.Nick)
	}
	if msg.Prefix.User != "" || msg.Prefix.Host != "" {
		t.Fatalf("expected no user/host for bare server prefix, got %+v", msg.Prefix)
	}
}

func TestParseMessage_StripsIRCv3Tags(t *testing.T) {
	msg := ParseMessage("@time=2021-01-01T00:00:00Z;msgid=abc :alice!u@h PRIVMSG #chan :hi")
	if msg.Command != "PRIVMSG" {
		t.Fatalf("unexpected command: %q", msg.Command)
	}
	if msg.Prefix.Nick != "alice" {
		t.Fatalf("unexpected prefix: %+v", msg.Prefix)
	}
}

func TestParseMessage_NoTrailingParam(t *testing.T) {
	msg := ParseMessage(":alice!u@h JOIN #channel")
	if msg.Command != "JOIN" {
		t.Fatalf("unexpected command: %q", msg.Command)
	}
	if msg.Target() != "#channel" {
		t.Fatalf("unexpected target: %q", msg.Target())
	}
}

func TestPrefix_String(t *testing.T) {
	p := Prefix{Nick: "alice", User: "user", Host: "host"}
	if p.String() != "alice!user@host" {
		t.Fatalf("unexpected prefix string: %q", p.String())
	}

	bare := Prefix{Nick: "irc.example.org"}
	if bare.String() != "irc.example.org" {
		t.Fatalf("unexpected bare prefix string: %q", bare.String())
	}
}

func TestFormatLine_QuotesTrailingWithSpaces(t *testing.T) {
	line := FormatLine("PRIVMSG", "#channel", "hello there")
	if line != "PRIVMSG #channel :hello there" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestFormatLine_NoColonWhenNoSpaceNeeded(t *testing.T) {
	line := FormatLine("JOIN", "#channel")
	if line != "JOIN #channel" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestFormatLine_QuotesEmptyTrailingParam(t *testing.T) {
	line := FormatLine("TOPIC", "#channel", "")
	if line != "TOPIC #channel :" {
		t.Fatalf("unexpected line: %q", line)
	}
}
