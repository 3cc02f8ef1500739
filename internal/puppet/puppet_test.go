package puppet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maunium.net/go/mautrix/id"
)

func TestEscapeNick_LowercasesAndPassesAllowedChars(t *testing.T) {
	assert.Equal(t, "alice-bob.baz=_/99", EscapeNick("Alice-Bob.Baz=_/99"))
}

func TestEscapeNick_EscapesDisallowedChars(t *testing.T) {
	assert.Equal(t, "=5bfoo=5d", EscapeNick("[foo]"))
}

func TestEscapeNick_EscapesMultiByteRune(t *testing.T) {
	// "é" is U+00E9, UTF-8 encoded as 0xC3 0xA9.
	assert.Equal(t, "=c3=a9", EscapeNick("é"))
}

func TestMXID_Format(t *testing.T) {
	mxid := MXID("irc_", "Freenode", "Alice", "example.org")
	assert.Equal(t, id.UserID("@irc_freenode_alice:example.org"), mxid)
}

func TestLocalpart_StripsSigilAndServer(t *testing.T) {
	assert.Equal(t, "irc_freenode_alice", Localpart(id.UserID("@irc_freenode_alice:example.org")))
}

func TestRegistry_MXIDMatchesPackageFunction(t *testing.T) {
	r := NewRegistry(nil, "irc_", "example.org")
	assert.Equal(t, MXID("irc_", "oftc", "bob", "example.org"), r.MXID("oftc", "bob"))
}

func TestRegistry_IsPuppet(t *testing.T) {
	r := NewRegistry(nil, "irc_", "example.org")
	assert.True(t, r.IsPuppet(id.UserID("@irc_freenode_alice:example.org")))
	assert.False(t, r.IsPuppet(id.UserID("@realuser:example.org")))
}
