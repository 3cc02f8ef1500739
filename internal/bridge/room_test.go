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

func newTestRoomBase(t *testing.T) *RoomBase {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"event_id": "$abc"})
	}))
	t.Cleanup(srv.Close)

	client, err := matrixclient.New(srv.URL, id.UserID("@ircbot:example.org"), "astoken", time.Now())
	if err != nil {
		t.Fatalf("new matrix client: %v", err)
	}
	b := New("example.org", id.UserID("@ircbot:example.org"), &config.Registration{PuppetPrefix: "irc_"}, client)

	r := &RoomBase{}
	r.InitBase(b, id.RoomID("!room:example.org"), id.UserID("@alice:example.org"), nil)
	return r
}

func memberEvent(stateKey string, membership event.Membership) *event.Event {
	sk := stateKey
	return &event.Event{
		Type:     event.StateMember,
		StateKey: &sk,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
}

func TestRoomBase_OnRoomMemberJoinAddsMember(t *testing.T) {
	r := newTestRoomBase(t)

	err := r.DispatchMxEvent(context.Background(), memberEvent("@bob:example.org", event.MembershipJoin))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.InRoom(id.UserID("@bob:example.org")) {
		t.Fatal("expected @bob:example.org to be tracked as a member")
	}
}

func TestRoomBase_OnRoomMemberLeaveRemovesMember(t *testing.T) {
	r := newTestRoomBase(t)
	r.Members = []id.UserID{"@bob:example.org"}

	err := r.DispatchMxEvent(context.Background(), memberEvent("@bob:example.org", event.MembershipLeave))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.InRoom(id.UserID("@bob:example.org")) {
		t.Fatal("expected @bob:example.org to be removed")
	}
}

func TestRoomBase_OnRoomMemberJoinIsIdempotent(t *testing.T) {
	r := newTestRoomBase(t)
	r.Members = []id.UserID{"@bob:example.org"}

	_ = r.DispatchMxEvent(context.Background(), memberEvent("@bob:example.org", event.MembershipJoin))

	count := 0
	for _, m := range r.Members {
		if m == id.UserID("@bob:example.org") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected @bob:example.org to appear once, got %d", count)
	}
}

func TestRoomBase_OnRoomMemberTracksDisplayname(t *testing.T) {
	r := newTestRoomBase(t)

	sk := "@bob:example.org"
	_ = r.DispatchMxEvent(context.Background(), &event.Event{
		Type:     event.StateMember,
		StateKey: &sk,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership:  event.MembershipJoin,
			Displayname: "Bob",
		}},
	})

	if r.Displaynames[id.UserID("@bob:example.org")] != "Bob" {
		t.Fatalf("expected displayname to be tracked, got %q", r.Displaynames[id.UserID("@bob:example.org")])
	}
}

func TestRoomBase_DispatchRunsRegisteredHandlers(t *testing.T) {
	r := newTestRoomBase(t)

	called := false
	r.MxRegister("m.room.message", func(ctx context.Context, evt *event.Event) error {
		called = true
		return nil
	})

	err := r.DispatchMxEvent(context.Background(), &event.Event{Type: event.EventMessage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected registered handler to run")
	}
}

func TestRoomBase_InvitePuppetTracksMembership(t *testing.T) {
	r := newTestRoomBase(t)

	if err := r.InvitePuppet(context.Background(), id.UserID("@irc_net_bob:example.org")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.InRoom(id.UserID("@irc_net_bob:example.org")) {
		t.Fatal("expected puppet to be tracked as a member after invite")
	}
}

func TestRoomBase_LeavePuppetUntracksMembership(t *testing.T) {
	r := newTestRoomBase(t)
	r.Members = []id.UserID{"@irc_net_bob:example.org"}

	if err := r.LeavePuppet(context.Background(), id.UserID("@irc_net_bob:example.org")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.InRoom(id.UserID("@irc_net_bob:example.org")) {
		t.Fatal("expected puppet to be untracked after leave")
	}
}
