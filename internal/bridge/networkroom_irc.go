package bridge

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/heisenbridge-go/heisenbridge/internal/ircconn"
)

// registerHandlers wires the live IRC connection's message callbacks into
// this network's room dispatch table (§4.G on_irc_event fan-out). Called
// once per successful connect, since Conn handlers do not survive a
// reconnect onto a fresh *ircconn.Conn.
func (r *NetworkRoom) registerHandlers(conn *ircconn.Conn) {
	conn.On("001", func(msg *ircconn.Message) { go r.onIRCWelcome(context.Background(), conn, msg) })
	conn.On("PRIVMSG", func(msg *ircconn.Message) { r.onIRCMessage(context.Background(), msg, false) })
	conn.On("NOTICE", func(msg *ircconn.Message) { r.onIRCMessage(context.Background(), msg, true) })
	conn.On("JOIN", func(msg *ircconn.Message) { r.onIRCJoin(context.Background(), msg) })
	conn.On("PART", func(msg *ircconn.Message) { r.onIRCPart(context.Background(), msg) })
	conn.On("KICK", func(msg *ircconn.Message) { r.onIRCKick(context.Background(), msg) })
	conn.On("QUIT", func(msg *ircconn.Message) { r.onIRCQuit(context.Background(), msg) })
	conn.On("NICK", func(msg *ircconn.Message) { r.onIRCNick(context.Background(), msg) })
	conn.On("TOPIC", func(msg *ircconn.Message) { r.onIRCTopic(context.Background(), msg) })
	conn.On("331", func(msg *ircconn.Message) { r.onIRCNoTopic(context.Background(), msg) })
	conn.On("332", func(msg *ircconn.Message) { r.onIRCNumericTopic(context.Background(), msg) })
	conn.On("353", func(msg *ircconn.Message) { r.onIRCNames(context.Background(), msg) })
	conn.On("366", func(msg *ircconn.Message) { r.onIRCEndNames(context.Background(), msg) })
	conn.On("396", func(msg *ircconn.Message) { r.onIRCHostChange(msg) })
	conn.On("433", func(msg *ircconn.Message) { r.onIRCNickInUse(conn, msg) })
	conn.On("KILL", func(msg *ircconn.Message) { r.onIRCKill(context.Background(), msg) })
	conn.On(ircconn.CommandAny, func(msg *ircconn.Message) { r.onIRCDefault(msg) })
}

// roomRoutedNumerics are replies consumed by a sub-room handler above;
// everything else numeric surfaces as a notice in the network room, where
// the event queue coalesces bursts like the MOTD into one Matrix message.
var roomRoutedNumerics = map[string]bool{
	"331": true, "332": true, "353": true, "366": true,
}

func (r *NetworkRoom) onIRCDefault(msg *ircconn.Message) {
	r.captureHostMask(msg)

	if len(msg.Command) != 3 || roomRoutedNumerics[msg.Command] {
		return
	}
	for i := 0; i < 3; i++ {
		if msg.Command[i] < '0' || msg.Command[i] > '9' {
			return
		}
	}
	if trailing := msg.Trailing(); trailing != "" {
		r.SendNotice(trailing, "")
	}
}

// onIRCWelcome runs the post-registration sequence (§4.F step 4): record the
// server's real name for liveness PINGs, send the autocmd raw line after a
// short settle, then rejoin every attached channel in one comma-separated
// batch.
func (r *NetworkRoom) onIRCWelcome(ctx context.Context, conn *ircconn.Conn, msg *ircconn.Message) {
	if msg.Prefix.Raw != "" {
		conn.SetServerName(msg.Prefix.Raw)
	}

	time.Sleep(2 * time.Second)

	if r.Autocmd != "" {
		r.SendNotice("Sending autocmd and waiting a bit before joining channels...", "")
		conn.SendRaw(r.Autocmd)
		time.Sleep(4 * time.Second)
	}

	var channels, keys []string
	for _, room := range r.rooms {
		cr, ok := room.(*ChannelRoom)
		if !ok {
			continue
		}
		channels = append(channels, cr.Name)
		keys = append(keys, cr.Key)
	}

	if len(channels) > 0 {
		r.SendNotice("Joining channels "+strings.Join(channels, ", "), "")
		conn.SendRaw(ircconn.FormatLine("JOIN", strings.Join(channels, ","), strings.Join(keys, ",")))
	}
}

func (r *NetworkRoom) onIRCMessage(ctx context.Context, msg *ircconn.Message, notice bool) {
	target := msg.Target()
	body := msg.Trailing()
	action := false
	if strings.HasPrefix(body, "\x01ACTION ") && strings.HasSuffix(body, "\x01") {
		body = strings.TrimSuffix(strings.TrimPrefix(body, "\x01ACTION "), "\x01")
		action = true
	}

	// Messages from the server itself (no user@host in the prefix) belong in
	// the network room, not a private chat with the server's name.
	if msg.Prefix.User == "" && msg.Prefix.Host == "" {
		r.SendNotice(body, "")
		return
	}

	// Channels dispatch by target; private messages arrive targeted at our
	// own nick and dispatch by the source nick instead.
	key := target
	if !isChannelName(target) {
		key = msg.Prefix.Nick
	}

	room, ok := r.roomFor(key)
	if !ok {
		if isChannelName(target) || msg.Prefix.Nick == "" {
			return
		}
		// First message from a nick the bridge hasn't seen yet opens a
		// PrivateRoom on demand, matching heisenbridge's lazy-DM behavior.
		created, err := CreatePrivateRoom(ctx, r, msg.Prefix.Nick)
		if err != nil {
			log.Printf("[network:%s] failed to open private room for %s: %v", r.Name, msg.Prefix.Nick, err)
			return
		}
		r.attach(msg.Prefix.Nick, created)
		r.Serv.RegisterRoom(created)
		room = created
	}

	type messageHandler interface {
		HandleMessage(ctx context.Context, sender, body string, notice, action bool)
	}
	if h, ok := room.(messageHandler); ok {
		h.HandleMessage(ctx, msg.Prefix.Nick, body, notice, action)
	}
}

func (r *NetworkRoom) onIRCJoin(ctx context.Context, msg *ircconn.Message) {
	channel := msg.Target()
	room, ok := r.roomFor(channel)
	if !ok {
		if !strings.EqualFold(msg.Prefix.Nick, r.Nick) {
			return
		}
		// Our own JOIN reply: the channel was requested via the JOIN
		// command but has no room yet, so create one now.
		created, err := CreateChannelRoom(ctx, r, channel, "")
		if err != nil {
			log.Printf("[network:%s] failed to open channel room for %s: %v", r.Name, channel, err)
			return
		}
		r.attach(channel, created)
		r.Serv.RegisterRoom(created)
		return
	}
	if cr, ok := room.(*ChannelRoom); ok {
		cr.SyncMember(ctx, msg.Prefix.Nick, true)
	}
}

func (r *NetworkRoom) onIRCPart(ctx context.Context, msg *ircconn.Message) {
	channel := msg.Target()
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	if cr, ok := room.(*ChannelRoom); ok {
		cr.HandlePart(ctx, msg.Prefix.Nick)
	}
}

func (r *NetworkRoom) onIRCKick(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel, kicked := msg.Params[0], msg.Params[1]
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	if cr, ok := room.(*ChannelRoom); ok {
		cr.HandlePart(ctx, kicked)
	}
}

func (r *NetworkRoom) onIRCQuit(ctx context.Context, msg *ircconn.Message) {
	for _, room := range r.rooms {
		if cr, ok := room.(*ChannelRoom); ok {
			cr.HandlePart(ctx, msg.Prefix.Nick)
		}
	}
}

func (r *NetworkRoom) onIRCNick(ctx context.Context, msg *ircconn.Message) {
	oldNick := msg.Prefix.Nick
	newNick := msg.Trailing()
	if strings.EqualFold(oldNick, r.Nick) {
		r.Nick = newNick
		return
	}
	if room, ok := r.roomFor(oldNick); ok {
		if pr, ok := room.(*PrivateRoom); ok {
			pr.HandleNickChange(ctx, newNick)
		}
	}
}

func (r *NetworkRoom) onIRCTopic(ctx context.Context, msg *ircconn.Message) {
	channel := msg.Target()
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	type topicHandler interface {
		HandleTopic(ctx context.Context, topic string)
	}
	if h, ok := room.(topicHandler); ok {
		h.HandleTopic(ctx, msg.Trailing())
	}
}

func (r *NetworkRoom) onIRCNumericTopic(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	type topicHandler interface {
		HandleTopic(ctx context.Context, topic string)
	}
	if h, ok := room.(topicHandler); ok {
		h.HandleTopic(ctx, msg.Trailing())
	}
}

// onIRCNoTopic clears the Matrix topic on RPL_NOTOPIC (331).
func (r *NetworkRoom) onIRCNoTopic(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	type topicHandler interface {
		HandleTopic(ctx context.Context, topic string)
	}
	if h, ok := room.(topicHandler); ok {
		h.HandleTopic(ctx, "")
	}
}

// onIRCNames buffers one RPL_NAMREPLY (353) line's nicks into the channel
// room's names_buffer; the buffer is reconciled against the Matrix room on
// the matching RPL_ENDOFNAMES (366), not per line (§3, §4.G).
func (r *NetworkRoom) onIRCNames(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 3 {
		return
	}
	channel := msg.Params[2]
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	cr, ok := room.(*ChannelRoom)
	if !ok {
		return
	}

	cr.BufferNames(strings.Fields(msg.Trailing()))
}

// onIRCEndNames reconciles the channel room's buffered NAMES list into the
// Matrix room on RPL_ENDOFNAMES (366): invites puppets newly present and
// evicts puppets no longer present (§4.G NAMES reconciliation).
func (r *NetworkRoom) onIRCEndNames(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	room, ok := r.roomFor(channel)
	if !ok {
		return
	}
	if cr, ok := room.(*ChannelRoom); ok {
		cr.EndNames(ctx, r.Nick)
	}
}

// onIRCHostChange updates our recorded hostmask on RPL_VISIBLEHOST (396) so
// the long-line splitter sizes its budget against the host the rest of the
// network actually sees.
func (r *NetworkRoom) onIRCHostChange(msg *ircconn.Message) {
	if len(msg.Params) < 2 || !strings.EqualFold(msg.Params[0], r.Nick) {
		return
	}
	user := r.Username
	if at := strings.IndexByte(r.hostMask, '!'); at >= 0 {
		rest := r.hostMask[at+1:]
		if bang := strings.IndexByte(rest, '@'); bang >= 0 {
			user = rest[:bang]
		}
	}
	r.hostMask = r.Nick + "!" + user + "@" + msg.Params[1]
}

// onIRCNickInUse retries registration with a trailing underscore appended to
// the rejected nick (§4.F "On nickname in use reply, try <nick>_").
func (r *NetworkRoom) onIRCNickInUse(conn *ircconn.Conn, msg *ircconn.Message) {
	rejected := r.Nick
	if len(msg.Params) >= 2 && msg.Params[1] != "" {
		rejected = msg.Params[1]
	}
	conn.SendRaw(ircconn.FormatLine("NICK", rejected+"_"))
}

// onIRCKill suppresses the automatic reconnect when the server kills us by
// our own nick, distinguishing a deliberate KILL from an ordinary socket
// drop (§4.G "KICK by self-nick on KILL sets connected=false").
func (r *NetworkRoom) onIRCKill(ctx context.Context, msg *ircconn.Message) {
	if len(msg.Params) < 1 || !strings.EqualFold(msg.Params[0], r.Nick) {
		return
	}
	r.connMu.Lock()
	r.connected = false
	r.connMu.Unlock()
}

// captureHostMask records our own nick!user@host whenever the server
// reflects a message carrying it, so SplitLong can size its budget
// accurately (§4.G open question).
func (r *NetworkRoom) captureHostMask(msg *ircconn.Message) {
	if msg.Prefix.Nick == "" || msg.Prefix.User == "" || msg.Prefix.Host == "" {
		return
	}
	if !strings.EqualFold(msg.Prefix.Nick, r.Nick) {
		return
	}
	r.hostMask = msg.Prefix.String()
}

func isChannelName(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}
