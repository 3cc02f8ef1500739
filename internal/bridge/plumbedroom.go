package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/ircconn"
	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
)

// PlumbedRoom bridges an IRC channel into a pre-existing Matrix room shared
// with arbitrary non-puppet Matrix users, rather than a bridge-created room
// limited to the owner and puppets (§4.G "PLUMB"). It extends ChannelRoom by
// embedding it and relaxing the validity/membership assumptions that only
// hold for bridge-owned rooms.
type PlumbedRoom struct {
	ChannelRoom

	NeedInvite      bool
	MaxLines        int
	UsePastebin     bool
	UseDisplaynames bool
}

func NewPlumbedRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *PlumbedRoom {
	r := &PlumbedRoom{MaxLines: 5, UsePastebin: true}
	r.InitBase(serv, roomID, userID, nil)
	r.MxRegister("m.room.message", r.onMxMessage)
	return r
}

// PlumbChannelRoom plumbs an existing Matrix room to an IRC channel: the
// bridge joins the given room (already created and populated by its users),
// snapshots its member roster and displaynames, and records whether the room
// requires invites so puppets can be brought in the right way.
func PlumbChannelRoom(ctx context.Context, nr *NetworkRoom, roomID id.RoomID, channel string) (*PlumbedRoom, error) {
	if err := nr.Serv.joinWithRetry(ctx, roomID, nil); err != nil {
		return nil, err
	}

	r := NewPlumbedRoom(nr.Serv, roomID, nr.UserID)
	r.Name = strings.ToLower(channel)
	r.NetworkName = nr.Name

	if rules, err := nr.Serv.Client.GetRoomStateEvent(ctx, roomID, "m.room.join_rules", ""); err == nil {
		joinRule, _ := rules["join_rule"].(string)
		r.NeedInvite = joinRule != "public"
	}

	if joined, err := nr.Serv.Client.GetRoomJoinedMembers(ctx, roomID); err == nil {
		for mxid, member := range joined {
			if !r.InRoom(mxid) {
				r.Members = append(r.Members, mxid)
			}
			if member.DisplayName != nil && *member.DisplayName != "" {
				r.Displaynames[mxid] = *member.DisplayName
			}
		}
	}

	if err := nr.Serv.SaveRoomConfig(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PlumbedRoom) Type() RoomType { return RoomPlumbed }

// IsValid only requires the bridge bot itself to still be joined; unlike
// ChannelRoom/PrivateRoom it does not require the configured owner to be a
// member, since a plumbed room is shared Matrix-side infrastructure the
// bridge does not own.
func (r *PlumbedRoom) IsValid() bool {
	return r.Name != "" && r.NetworkName != "" && r.InRoom(r.Serv.UserID)
}

func (r *PlumbedRoom) FromConfig(cfg map[string]any) error {
	if err := r.ChannelRoom.FromConfig(cfg); err != nil {
		return err
	}
	if v, ok := cfg["max_lines"].(float64); ok {
		r.MaxLines = int(v)
	}
	if v, ok := cfg["use_pastebin"].(bool); ok {
		r.UsePastebin = v
	}
	if v, ok := cfg["use_displaynames"].(bool); ok {
		r.UseDisplaynames = v
	}
	return nil
}

func (r *PlumbedRoom) ToConfig() map[string]any {
	cfg := r.ChannelRoom.ToConfig()
	cfg["type"] = string(r.Type())
	cfg["max_lines"] = r.MaxLines
	cfg["use_pastebin"] = r.UsePastebin
	cfg["use_displaynames"] = r.UseDisplaynames
	return cfg
}

func (r *PlumbedRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

// HandleTopic only reports the new IRC topic as a notice: the bridge does not
// own a plumbed room's state and must not overwrite a topic its real Matrix
// members set.
func (r *PlumbedRoom) HandleTopic(ctx context.Context, topic string) {
	r.Topic = topic
	r.SendNotice(fmt.Sprintf("New topic is: '%s'", topic), "")
}

func (r *PlumbedRoom) onMxMessage(ctx context.Context, evt *event.Event) error {
	if r.Serv.Puppets.IsPuppet(evt.Sender) {
		return nil
	}

	nr, ok := r.network()
	if !ok || !nr.IsConnected() {
		return nil
	}

	content := evt.Content.AsMessage()

	// Edits arrive as a second full event carrying m.new_content; relaying
	// both would duplicate the message on IRC.
	if content.NewContent != nil {
		return nil
	}

	sender := r.ircSenderName(evt.Sender)
	body := content.Body
	if body != "" {
		for mxid, displayname := range r.Displaynames {
			body = strings.ReplaceAll(body, string(mxid), displayname)
		}
	}

	switch content.MsgType {
	case event.MsgEmote:
		conn := nr.Conn()
		conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name, "\x01ACTION "+sender+" "+body+"\x01"))
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		r.relayMedia(nr, sender, evt.ID, string(content.URL))
	case event.MsgText:
		isReply := content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil
		r.relayText(ctx, nr, sender, evt.ID, isReply, body)
	}
	return nil
}

// ircSenderName renders a non-puppet Matrix sender the way it appears on
// IRC: the displayname when use_displaynames is on (made unique against the
// rest of the roster), otherwise the MXID — in both cases with a zero-width
// space inserted so echoing the line back does not ping the user.
func (r *PlumbedRoom) ircSenderName(senderMXID id.UserID) string {
	raw := string(senderMXID)
	name, server := raw, ""
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		name, server = raw[:idx], raw[idx+1:]
	}

	sender := name
	if len(name) > 2 {
		sender = name[:2] + "\u200b" + name[2:]
	}
	if server != "" {
		if len(server) > 1 {
			server = server[:1] + "\u200b" + server[1:]
		}
		sender += ":" + server
	}

	if r.UseDisplaynames {
		if displayname, ok := r.Displaynames[senderMXID]; ok {
			for mxid, other := range r.Displaynames {
				if mxid != senderMXID && other == displayname {
					displayname += " (" + sender + ")"
					break
				}
			}
			if len(displayname) > 1 {
				displayname = displayname[:1] + "\u200b" + displayname[1:]
			}
			return displayname
		}
	}

	return sender
}

// relayMedia emits an attachment as a fetchable link, or a notice when no
// public media URL is configured to render one (§4.G MEDIAURL).
func (r *PlumbedRoom) relayMedia(nr *NetworkRoom, sender string, eventID id.EventID, mxcURI string) {
	mediaBase := r.Serv.Config().MediaURL
	if mediaBase == "" {
		r.SendNotice("Media cannot be bridged without a media URL, ask the bridge admin to set one with MEDIAURL.", "")
		return
	}

	nr.Conn().SendRaw(ircconn.FormatLine("PRIVMSG", r.Name,
		fmt.Sprintf("<%s> %s", sender, matrixclient.MXCToURL(mediaBase, mxcURI))))
	r.react(eventID, "\U0001f517") // link
}

// relayText relays an m.text body line by line: reply fall-backs are dropped
// with the mentioned nick preserved, whitespace-only and code-fence lines
// are skipped, every surviving line is split against the IRC frame budget,
// and bodies exceeding max_lines are truncated with a pastebin link when
// use_pastebin is on (§4.G).
func (r *PlumbedRoom) relayText(ctx context.Context, nr *NetworkRoom, sender string, eventID id.EventID, isReply bool, body string) {
	prefixLen := wireFramePrefixLen(nr.hostMask, r.Name)
	conn := nr.Conn()
	messages := plumbedLines(sender, body, isReply, prefixLen)

	for i, message := range messages {
		if r.MaxLines > 0 && i == r.MaxLines-1 && len(messages) > r.MaxLines {
			r.react(eventID, "✂") // scissors

			if r.UsePastebin {
				uri, err := r.Serv.Client.PostMediaUpload(ctx, []byte(body), "text/plain; charset=UTF-8")
				if err != nil {
					log.Printf("[plumbed:%s] pastebin upload failed: %v", r.Name, err)
					conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name, "... long message truncated"))
					return
				}
				mediaBase := r.Serv.Config().MediaURL
				if mediaBase == "" {
					mediaBase = r.Serv.Client.BaseURL + "/_matrix/media/r0/download"
				}
				conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name,
					fmt.Sprintf("... long message truncated: %s (%d lines)", matrixclient.MXCToURL(mediaBase, uri), len(messages))))
				r.react(eventID, "\U0001f4dd") // memo
			} else {
				conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name, "... long message truncated"))
			}
			return
		}

		conn.SendRaw(ircconn.FormatLine("PRIVMSG", r.Name, message))
	}
}

// plumbedLines prepares an m.text body for IRC: the reply fall-back quote is
// dropped with the mentioned nick preserved as an IRC-style "nick: " prefix,
// whitespace-only and code-fence lines are skipped, and every surviving line
// is tagged with the sender and split against the wire frame budget.
func plumbedLines(sender, body string, isReply bool, prefixLen int) []string {
	lines := strings.Split(body, "\n")

	if isReply && len(lines) > 0 {
		first := lines[0]
		lines = lines[1:]

		var replyTo string
		if strings.HasPrefix(first, "> <") {
			if end := strings.IndexByte(first[3:], '>'); end >= 0 {
				replyTo = first[3 : 3+end]
			}
		}

		// Skip the rest of the quote; this also consumes the blank
		// separator line that follows it.
		for len(lines) > 0 && strings.HasPrefix(lines[0], ">") {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
			lines = lines[1:]
		}

		if replyTo != "" {
			if len(lines) > 0 {
				lines[0] = replyTo + ": " + lines[0]
			} else {
				lines = []string{replyTo + ":"}
			}
		}
	}

	var messages []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.TrimSpace(line) == "```" {
			continue
		}
		messages = append(messages, SplitLong(fmt.Sprintf("<%s> %s", sender, line), prefixLen)...)
	}
	return messages
}

// react annotates the triggering Matrix event, giving the sender feedback
// (scissors for truncation, memo for the paste link) without adding noise to
// the room timeline.
func (r *PlumbedRoom) react(eventID id.EventID, key string) {
	if eventID == "" {
		return
	}
	r.Runner.Schedule(func(ctx context.Context) error {
		_, err := r.Serv.Client.PutRoomSendEvent(ctx, r.RoomID, "m.reaction", &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: eventID,
				Key:     key,
			},
		}, "")
		return err
	})
}
