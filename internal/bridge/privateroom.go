package bridge

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/ircconn"
)

// PrivateRoom is a 1:1 Matrix room bridging a DM with a single IRC nick
// (§4.G). ChannelRoom and PlumbedRoom both build on it by embedding, adding
// their own semantics on top rather than through a class hierarchy (§9).
type PrivateRoom struct {
	RoomBase

	Name        string // lowercased IRC nick this room bridges
	NetworkName string
}

func NewPrivateRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *PrivateRoom {
	r := &PrivateRoom{}
	r.InitBase(serv, roomID, userID, []id.UserID{userID, serv.UserID})
	r.MxRegister("m.room.message", r.onMxMessage)
	return r
}

// CreatePrivateRoom creates a new 1:1 room for nick on nr's network and
// invites the puppet and owning user into it (§4.G QUERY).
func CreatePrivateRoom(ctx context.Context, nr *NetworkRoom, nick string) (*PrivateRoom, error) {
	puppetID, err := nr.Serv.Puppets.EnsurePuppet(ctx, nr.Name, nick)
	if err != nil {
		return nil, err
	}

	roomID, err := nr.Serv.CreateRoom(ctx, nick, fmt.Sprintf("Private chat with %s on %s", nick, nr.Name), []id.UserID{nr.UserID, puppetID})
	if err != nil {
		return nil, err
	}

	r := NewPrivateRoom(nr.Serv, roomID, nr.UserID)
	r.Name = strings.ToLower(nick)
	r.NetworkName = nr.Name
	r.Members = append(r.Members, puppetID)

	if err := nr.Serv.SaveRoomConfig(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PrivateRoom) Type() RoomType { return RoomPrivate }

func (r *PrivateRoom) IsValid() bool {
	return r.Name != "" && r.NetworkName != "" && r.InRoom(r.UserID)
}

func (r *PrivateRoom) FromConfig(cfg map[string]any) error {
	if uid, ok := cfg["user_id"].(string); ok {
		r.UserID = id.UserID(uid)
	}
	if v, ok := cfg["name"].(string); ok {
		r.Name = v
	}
	if v, ok := cfg["network"].(string); ok {
		r.NetworkName = v
	}
	return nil
}

func (r *PrivateRoom) ToConfig() map[string]any {
	return map[string]any{"type": string(r.Type()), "user_id": string(r.UserID), "name": r.Name, "network": r.NetworkName}
}

func (r *PrivateRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

// network resolves this room's weak back-reference to its owning
// NetworkRoom by lookup rather than an owning pointer (§9).
func (r *PrivateRoom) network() (*NetworkRoom, bool) {
	return r.Serv.NetworkRoomFor(r.UserID, r.NetworkName)
}

func (r *PrivateRoom) onMxMessage(ctx context.Context, evt *event.Event) error {
	if evt.Sender != r.UserID {
		return nil
	}
	content := evt.Content.AsMessage()
	if content.Body == "" {
		return nil
	}

	nr, ok := r.network()
	if !ok || !nr.IsConnected() {
		r.SendNotice("Not connected to IRC, message not sent.", "")
		return nil
	}

	conn := nr.Conn()
	r.relay(conn, content.Body, content.MsgType == event.MsgEmote)
	return nil
}

func (r *PrivateRoom) relay(conn *ircconn.Conn, body string, action bool) {
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if action {
			line = "\x01ACTION " + line + "\x01"
		}
		conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name, line))
	}
}

// HandleMessage relays an inbound PRIVMSG/NOTICE from IRC into the room,
// authored as the sending nick's puppet. Called by the NetworkRoom
// dispatcher. ChannelRoom defines its own HandleMessage (which PlumbedRoom
// inherits), where sender is any channel occupant rather than the room's
// own peer.
func (r *PrivateRoom) HandleMessage(ctx context.Context, sender, body string, notice, action bool) {
	nr, ok := r.network()
	if !ok {
		return
	}
	if sender == "" {
		sender = r.Name
	}
	puppetID, err := nr.Serv.Puppets.EnsurePuppet(ctx, nr.Name, sender)
	if err != nil {
		return
	}
	switch {
	case action:
		r.SendEmote(body, puppetID)
	case notice:
		r.SendNotice(body, puppetID)
	default:
		r.SendMessage(body, puppetID)
	}
}

// HandleNickChange updates any state keyed by the IRC nick. PrivateRoom
// keys itself by nick, so a NICK change re-homes the room under the new
// name in the owning NetworkRoom's lookup table.
func (r *PrivateRoom) HandleNickChange(ctx context.Context, newNick string) {
	if nr, ok := r.network(); ok {
		nr.detach(r.Name)
		nr.attach(strings.ToLower(newNick), r)
	}
	r.Name = strings.ToLower(newNick)
	_ = r.Serv.SaveRoomConfig(ctx, r)
}

func (r *PrivateRoom) Cleanup() {
	if nr, ok := r.network(); ok {
		nr.detach(r.Name)
		nr.detachSpace(r.RoomID)
	}
}
