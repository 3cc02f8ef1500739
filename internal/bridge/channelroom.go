package bridge

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/config"
)

// ChannelRoom bridges an IRC channel to a Matrix room shared only with
// puppets and the owning user. It extends PrivateRoom by embedding it,
// reusing its outbound-message relay and weak network() lookup, and adds
// channel membership/topic reconciliation (§4.G).
type ChannelRoom struct {
	PrivateRoom

	Key   string
	Topic string

	namesBuffer map[string]bool
}

func NewChannelRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *ChannelRoom {
	r := &ChannelRoom{}
	r.InitBase(serv, roomID, userID, []id.UserID{userID, serv.UserID})
	r.MxRegister("m.room.message", r.onMxMessage)
	return r
}

// CreateChannelRoom creates a Matrix room for an IRC channel, invites the
// owning user, and joins the channel on IRC (JOIN command, §4.G).
func CreateChannelRoom(ctx context.Context, nr *NetworkRoom, channel, key string) (*ChannelRoom, error) {
	roomID, err := nr.Serv.CreateRoom(ctx, channel, fmt.Sprintf("%s on %s", channel, nr.Name), []id.UserID{nr.UserID})
	if err != nil {
		return nil, err
	}

	r := NewChannelRoom(nr.Serv, roomID, nr.UserID)
	r.Name = strings.ToLower(channel)
	r.NetworkName = nr.Name
	r.Key = key

	if err := nr.Serv.SaveRoomConfig(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ChannelRoom) Type() RoomType { return RoomChannel }

func (r *ChannelRoom) FromConfig(cfg map[string]any) error {
	if err := r.PrivateRoom.FromConfig(cfg); err != nil {
		return err
	}
	if v, ok := cfg["key"].(string); ok {
		r.Key = v
	}
	if v, ok := cfg["topic"].(string); ok {
		r.Topic = v
	}
	return nil
}

func (r *ChannelRoom) ToConfig() map[string]any {
	cfg := r.PrivateRoom.ToConfig()
	cfg["type"] = string(r.Type())
	cfg["key"] = r.Key
	cfg["topic"] = r.Topic
	return cfg
}

func (r *ChannelRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

func (r *ChannelRoom) onMxMessage(ctx context.Context, evt *event.Event) error {
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

	r.relay(nr.Conn(), content.Body, content.MsgType == event.MsgEmote)
	return nil
}

// HandleMessage relays a channel PRIVMSG/NOTICE into the room, authored as
// the sending nick's puppet, inviting the puppet first when the configured
// member_sync level kept it out of the roster so far.
func (r *ChannelRoom) HandleMessage(ctx context.Context, sender, body string, notice, action bool) {
	nr, ok := r.network()
	if !ok || sender == "" {
		return
	}
	puppetID, err := nr.Serv.Puppets.EnsurePuppet(ctx, nr.Name, sender)
	if err != nil {
		return
	}
	if !r.InRoom(puppetID) {
		if err := r.InvitePuppet(ctx, puppetID); err != nil {
			return
		}
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

// HandleTopic updates m.room.topic to match the channel's IRC topic.
func (r *ChannelRoom) HandleTopic(ctx context.Context, topic string) {
	r.Topic = topic
	_ = r.Serv.Client.PutRoomSendState(ctx, r.RoomID, "m.room.topic", "", map[string]any{"topic": topic}, "")
}

// SyncMember reconciles one channel member's presence into the Matrix room
// according to the bridge's configured member_sync level (§6). Used for a
// single live JOIN, as opposed to the buffered NAMES reconciliation below.
func (r *ChannelRoom) SyncMember(ctx context.Context, nick string, op bool) {
	sync := r.Serv.Config().MemberSync
	if sync == config.MemberSyncLazy {
		return
	}

	nr, ok := r.network()
	if !ok {
		return
	}
	puppetID, err := nr.Serv.Puppets.EnsurePuppet(ctx, nr.Name, nick)
	if err != nil {
		return
	}
	if err := r.InvitePuppet(ctx, puppetID); err != nil {
		return
	}
	_ = op
}

// BufferNames accumulates nicks from one RPL_NAMREPLY (353) line into
// names_buffer, stripping the channel-membership prefix characters
// (`~&@%+`), ready for reconciliation on RPL_ENDOFNAMES (366).
func (r *ChannelRoom) BufferNames(nicks []string) {
	if r.namesBuffer == nil {
		r.namesBuffer = map[string]bool{}
	}
	for _, nick := range nicks {
		nick = strings.TrimLeft(nick, "~&@%+")
		if nick == "" {
			continue
		}
		r.namesBuffer[nick] = true
	}
}

// EndNames reconciles the buffered NAMES list into the Matrix room on
// RPL_ENDOFNAMES (366): every buffered nick is ensured as a puppet and
// invited if not already present, and every puppet currently in the room
// but absent from the buffer is left, except the owning user and the
// bridge bot itself, which are never evicted (§4.G NAMES reconciliation).
func (r *ChannelRoom) EndNames(ctx context.Context, selfNick string) {
	buffer := r.namesBuffer
	r.namesBuffer = nil

	sync := r.Serv.Config().MemberSync
	if sync == config.MemberSyncLazy {
		return
	}

	nr, ok := r.network()
	if !ok {
		return
	}

	toRemove := map[id.UserID]bool{}
	for _, m := range r.Members {
		toRemove[m] = true
	}

	for nick := range buffer {
		if strings.EqualFold(nick, selfNick) {
			continue
		}
		puppetID, err := nr.Serv.Puppets.EnsurePuppet(ctx, nr.Name, nick)
		if err != nil {
			continue
		}
		if toRemove[puppetID] {
			delete(toRemove, puppetID)
			continue
		}
		if !r.InRoom(puppetID) {
			_ = r.InvitePuppet(ctx, puppetID)
		}
	}

	delete(toRemove, r.UserID)
	delete(toRemove, r.Serv.UserID)

	for mxid := range toRemove {
		_ = r.LeavePuppet(ctx, mxid)
	}
}

// HandlePart removes nick's puppet from the room on PART/KICK/QUIT.
func (r *ChannelRoom) HandlePart(ctx context.Context, nick string) {
	nr, ok := r.network()
	if !ok {
		return
	}
	puppetID := nr.Serv.Puppets.MXID(nr.Name, nick)
	_ = r.LeavePuppet(ctx, puppetID)
}

func (r *ChannelRoom) Cleanup() {
	if nr, ok := r.network(); ok {
		nr.detach(r.Name)
		nr.detachSpace(r.RoomID)
	}
}
