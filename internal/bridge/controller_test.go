package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/config"
	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"event_id": "$abc"})
	}))
	t.Cleanup(srv.Close)

	client, err := matrixclient.New(srv.URL, id.UserID("@ircbot:hs.example"), "astoken", time.Now())
	if err != nil {
		t.Fatalf("new matrix client: %v", err)
	}
	return New("hs.example", id.UserID("@ircbot:hs.example"), &config.Registration{PuppetPrefix: "irc_"}, client)
}

func inviteEvent(sender, roomID string) *event.Event {
	sk := sender
	return &event.Event{
		Type:     event.StateMember,
		Sender:   id.UserID(sender),
		RoomID:   id.RoomID(roomID),
		StateKey: &sk,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership: event.MembershipInvite,
			IsDirect:   true,
		}},
	}
}

func TestInviteBootstrap_SetsOwnerAndJoinsControlRoom(t *testing.T) {
	b := newTestBridge(t)

	b.HandleTransaction(context.Background(), []*event.Event{
		inviteEvent("@alice:hs.example", "!r:hs.example"),
	})

	if b.Config().Owner != "@alice:hs.example" {
		t.Fatalf("expected owner to be assigned, got %q", b.Config().Owner)
	}

	room, ok := b.FindRoom(id.RoomID("!r:hs.example"))
	if !ok {
		t.Fatal("expected a control room to be registered")
	}
	if room.Type() != RoomControl {
		t.Fatalf("expected ControlRoom, got %s", room.Type())
	}
}

func TestInviteBootstrap_OwnerIsAssignedOnlyOnce(t *testing.T) {
	b := newTestBridge(t)

	b.HandleTransaction(context.Background(), []*event.Event{
		inviteEvent("@alice:hs.example", "!r1:hs.example"),
		inviteEvent("@mallory:hs.example", "!r2:hs.example"),
	})

	if b.Config().Owner != "@alice:hs.example" {
		t.Fatalf("owner must not be overwritten, got %q", b.Config().Owner)
	}
}

func TestInviteBootstrap_RemoteSenderCannotBecomeOwner(t *testing.T) {
	b := newTestBridge(t)

	b.HandleTransaction(context.Background(), []*event.Event{
		inviteEvent("@eve:other.example", "!r:hs.example"),
	})

	if b.Config().Owner != "" {
		t.Fatalf("remote sender must not bootstrap ownership, got %q", b.Config().Owner)
	}
	if _, ok := b.FindRoom(id.RoomID("!r:hs.example")); ok {
		t.Fatal("disallowed sender must not get a control room")
	}
}

func TestInviteBootstrap_KnownRoomIsIgnored(t *testing.T) {
	b := newTestBridge(t)

	b.HandleTransaction(context.Background(), []*event.Event{
		inviteEvent("@alice:hs.example", "!r:hs.example"),
	})
	room, _ := b.FindRoom(id.RoomID("!r:hs.example"))

	b.HandleTransaction(context.Background(), []*event.Event{
		inviteEvent("@alice:hs.example", "!r:hs.example"),
	})
	again, _ := b.FindRoom(id.RoomID("!r:hs.example"))

	if room != again {
		t.Fatal("a second invite to a known room must not replace it")
	}
}

func TestReconstructRoom_UnknownTypeIsRejected(t *testing.T) {
	b := newTestBridge(t)

	if _, err := b.reconstructRoom(id.RoomID("!x:hs.example"), map[string]any{"type": "PartyRoom"}); err == nil {
		t.Fatal("expected an error for an unknown room type tag")
	}
}
