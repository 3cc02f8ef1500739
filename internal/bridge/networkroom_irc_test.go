package bridge

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/ircconn"
)

func newTestNetworkRoom(t *testing.T) *NetworkRoom {
	t.Helper()
	base := newTestRoomBase(t)
	nr := NewNetworkRoom(base.Serv, id.RoomID("!net:example.org"), id.UserID("@alice:example.org"))
	nr.Name = "libera"
	nr.Nick = "alice"
	base.Serv.RegisterRoom(nr)
	return nr
}

func attachTestChannelRoom(t *testing.T, nr *NetworkRoom, channel string) *ChannelRoom {
	t.Helper()
	cr := NewChannelRoom(nr.Serv, id.RoomID("!chan:example.org"), nr.UserID)
	cr.Name = channel
	cr.NetworkName = nr.Name
	nr.attach(channel, cr)
	nr.Serv.RegisterRoom(cr)
	return cr
}

func TestChannelRoom_HandleMessageAttributesSender(t *testing.T) {
	nr := newTestNetworkRoom(t)
	cr := attachTestChannelRoom(t, nr, "#chan")

	cr.HandleMessage(context.Background(), "Bob", "hello", false, false)

	puppetID := nr.Serv.Puppets.MXID("libera", "Bob")
	if !cr.InRoom(puppetID) {
		t.Fatalf("expected sender puppet %s to be invited into the channel room", puppetID)
	}
	// The channel's own puppet identity must never be minted from the room
	// name itself.
	if cr.InRoom(nr.Serv.Puppets.MXID("libera", "#chan")) {
		t.Fatal("channel name must not become a puppet")
	}
}

func TestNetworkRoom_PrivateMessageRoutesBySourceNick(t *testing.T) {
	nr := newTestNetworkRoom(t)

	pr := NewPrivateRoom(nr.Serv, id.RoomID("!dm:example.org"), nr.UserID)
	pr.Name = "bob"
	pr.NetworkName = nr.Name
	nr.attach("bob", pr)
	nr.Serv.RegisterRoom(pr)

	before := len(nr.rooms)

	// A DM arrives targeted at our own nick; it must land in bob's existing
	// room rather than minting a duplicate.
	msg := ircconn.ParseMessage(":bob!bob@irc.example PRIVMSG alice :hi there")
	nr.onIRCMessage(context.Background(), msg, false)

	if len(nr.rooms) != before {
		t.Fatalf("expected no new rooms, have %d (was %d)", len(nr.rooms), before)
	}
}

func TestNetworkRoom_ServerNoticeDoesNotOpenRoom(t *testing.T) {
	nr := newTestNetworkRoom(t)

	msg := ircconn.ParseMessage(":irc.example NOTICE alice :*** Looking up your hostname")
	nr.onIRCMessage(context.Background(), msg, true)

	if len(nr.rooms) != 0 {
		t.Fatalf("server notices must not open private rooms, have %d", len(nr.rooms))
	}
}

func TestChannelRoom_NamesReconciliation(t *testing.T) {
	nr := newTestNetworkRoom(t)
	cr := attachTestChannelRoom(t, nr, "#chan")

	p1 := nr.Serv.Puppets.MXID("libera", "P1")
	p2 := nr.Serv.Puppets.MXID("libera", "P2")
	p3 := nr.Serv.Puppets.MXID("libera", "P3")
	p4 := nr.Serv.Puppets.MXID("libera", "P4")
	cr.Members = append(cr.Members, p1, p2, p3)

	cr.BufferNames([]string{"@P1", "+P4", "alice"})
	cr.EndNames(context.Background(), "alice")

	for _, want := range []id.UserID{cr.UserID, nr.Serv.UserID, p1, p4} {
		if !cr.InRoom(want) {
			t.Errorf("expected %s to remain in the room", want)
		}
	}
	for _, gone := range []id.UserID{p2, p3} {
		if cr.InRoom(gone) {
			t.Errorf("expected %s to have been evicted", gone)
		}
	}
	if cr.InRoom(nr.Serv.Puppets.MXID("libera", "alice")) {
		t.Error("our own nick must not be puppeted")
	}
}

func TestNetworkRoom_SelfNickChangeUpdatesNick(t *testing.T) {
	nr := newTestNetworkRoom(t)

	msg := ircconn.ParseMessage(":alice!alice@host NICK :alice2")
	nr.onIRCNick(context.Background(), msg)

	if nr.Nick != "alice2" {
		t.Fatalf("expected own nick to track NICK change, got %q", nr.Nick)
	}
}

func TestNetworkRoom_KillBySelfNickSuppressesReconnect(t *testing.T) {
	nr := newTestNetworkRoom(t)
	nr.connected = true

	msg := ircconn.ParseMessage(":oper!o@host KILL alice :spam")
	nr.onIRCKill(context.Background(), msg)

	if nr.connected {
		t.Fatal("KILL by own nick must clear the persisted connected state")
	}
}

func TestNetworkRoom_HostChangeRewritesHostmask(t *testing.T) {
	nr := newTestNetworkRoom(t)
	nr.Username = "alice"
	nr.hostMask = "alice!alice@1.2.3.4"

	msg := ircconn.ParseMessage(":irc.example 396 alice user/alice :is now your displayed host")
	nr.onIRCHostChange(msg)

	if nr.hostMask != "alice!alice@user/alice" {
		t.Fatalf("unexpected hostmask %q", nr.hostMask)
	}
}
