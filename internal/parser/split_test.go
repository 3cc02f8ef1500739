package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_Simple(t *testing.T) {
	cmds, err := Split("NICK alice")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"NICK", "alice"}, cmds[0])
}

func TestSplit_MultipleCommandsBySemicolon(t *testing.T) {
	cmds, err := Split("JOIN #foo; JOIN #bar")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"JOIN", "#foo"}, cmds[0])
	assert.Equal(t, []string{"JOIN", "#bar"}, cmds[1])
}

func TestSplit_DoubleQuotedSpaces(t *testing.T) {
	cmds, err := Split(`MSG #foo "hello world"`)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"MSG", "#foo", "hello world"}, cmds[0])
}

func TestSplit_SingleQuoteIsLiteral(t *testing.T) {
	cmds, err := Split(`MSG #foo 'no \n escape'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSG", "#foo", `no \n escape`}, cmds[0])
}

func TestSplit_DoubleQuoteBackslashEscape(t *testing.T) {
	cmds, err := Split(`MSG "say \"hi\""`)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSG", `say "hi"`}, cmds[0])
}

func TestSplit_UnterminatedSingleQuote(t *testing.T) {
	_, err := Split(`MSG 'unterminated`)
	assert.Error(t, err)
}

func TestSplit_UnterminatedDoubleQuote(t *testing.T) {
	_, err := Split(`MSG "unterminated`)
	assert.Error(t, err)
}

func TestSplit_TrailingBackslash(t *testing.T) {
	_, err := Split(`MSG foo\`)
	assert.Error(t, err)
}

func TestSplit_ExtraWordCharsStayTogether(t *testing.T) {
	cmds, err := Split("CONNECT irc.example.org:6697")
	require.NoError(t, err)
	assert.Equal(t, []string{"CONNECT", "irc.example.org:6697"}, cmds[0])
}

func TestSplit_Empty(t *testing.T) {
	cmds, err := Split("")
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
