package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addServerSpec() *Spec {
	return &Spec{
		Name: "ADDSERVER",
		Pos: []Positional{
			{Name: "network", Required: true},
			{Name: "address", Required: true},
			{Name: "port", Required: false},
		},
		Flags: []Flag{
			{Name: "tls", HasValue: false},
			{Name: "proxy", HasValue: true},
		},
	}
}

func TestParse_PositionalsOnly(t *testing.T) {
	args, err := Parse(addServerSpec(), []string{"freenode", "chat.freenode.net", "6697"})
	require.NoError(t, err)
	assert.Equal(t, "freenode", args.Get(0))
	assert.Equal(t, "chat.freenode.net", args.Get(1))
	assert.Equal(t, "6697", args.Get(2))
}

func TestParse_MissingRequired(t *testing.T) {
	_, err := Parse(addServerSpec(), []string{"freenode"})
	assert.Error(t, err)
}

func TestParse_FlagsInterleaved(t *testing.T) {
	args, err := Parse(addServerSpec(), []string{"freenode", "--tls", "chat.freenode.net", "--proxy", "socks5://localhost:1080"})
	require.NoError(t, err)
	assert.True(t, args.Has("tls"))
	assert.Equal(t, "socks5://localhost:1080", args.FlagValue("proxy"))
	assert.Equal(t, "freenode", args.Get(0))
	assert.Equal(t, "chat.freenode.net", args.Get(1))
}

func TestParse_UnknownFlag(t *testing.T) {
	_, err := Parse(addServerSpec(), []string{"freenode", "chat.freenode.net", "--bogus"})
	assert.Error(t, err)
}

func TestParse_FlagMissingValue(t *testing.T) {
	_, err := Parse(addServerSpec(), []string{"freenode", "chat.freenode.net", "--proxy"})
	assert.Error(t, err)
}

func TestParse_TooManyPositionals(t *testing.T) {
	_, err := Parse(addServerSpec(), []string{"a", "b", "c", "d"})
	assert.Error(t, err)
}

func TestParse_Variadic(t *testing.T) {
	spec := &Spec{
		Name: "MSG",
		Pos: []Positional{
			{Name: "target", Required: true},
			{Name: "text", Required: true, Variadic: true},
		},
	}
	args, err := Parse(spec, []string{"#foo", "hello", "there", "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello there world", args.Tail(1))
}

func TestArgs_FlagIntDefault(t *testing.T) {
	args, err := Parse(addServerSpec(), []string{"freenode", "chat.freenode.net"})
	require.NoError(t, err)
	n, err := args.FlagInt("timeout", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
}

func TestArgs_FlagIntInvalid(t *testing.T) {
	spec := &Spec{
		Name:  "X",
		Flags: []Flag{{Name: "timeout", HasValue: true}},
	}
	args, err := Parse(spec, []string{"--timeout", "notanumber"})
	require.NoError(t, err)
	_, err = args.FlagInt("timeout", 30)
	assert.Error(t, err)
}

func TestSpec_Usage(t *testing.T) {
	usage := addServerSpec().Usage()
	assert.Contains(t, usage, "ADDSERVER")
	assert.Contains(t, usage, "<network>")
	assert.Contains(t, usage, "<address>")
	assert.Contains(t, usage, "[port]")
	assert.Contains(t, usage, "[--tls]")
	assert.Contains(t, usage, "[--proxy VALUE]")
}
