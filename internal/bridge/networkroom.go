package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/config"
	"github.com/heisenbridge-go/heisenbridge/internal/ircconn"
	"github.com/heisenbridge-go/heisenbridge/internal/parser"
)

// NetworkRoom is bound to one configured network name and owns the IRC
// connection for it (§3, §4.F, §4.G).
type NetworkRoom struct {
	RoomBase

	Name string

	Nick     string
	Username string
	Ircname  string
	Password string
	Autocmd  string

	commands *parser.Manager

	connMu     sync.Mutex // guards the entire connect attempt (§5)
	conn       *ircconn.Conn
	connecting bool
	connected  bool // persisted desired state
	disconnect bool // transient: true once DISCONNECT was issued
	backoff    int

	rooms map[string]Room // lowercased target -> Private/Channel/PlumbedRoom

	hostMask string // last observed "nick!user@host" for our own IRC identity

	SpaceID id.RoomID // this network's m.space, if any; resolved weakly (§9, §12)
}

// space resolves this network's SpaceRoom by id, the same weak-lookup
// pattern PrivateRoom.network() uses instead of an owning pointer (§9).
func (r *NetworkRoom) space() (*SpaceRoom, bool) {
	if r.SpaceID == "" {
		return nil, false
	}
	room, ok := r.Serv.FindRoom(r.SpaceID)
	if !ok {
		return nil, false
	}
	sp, ok := room.(*SpaceRoom)
	return sp, ok
}

func NewNetworkRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *NetworkRoom {
	r := &NetworkRoom{rooms: map[string]Room{}}
	r.InitBase(serv, roomID, userID, []id.UserID{userID, serv.UserID})
	r.registerCommands()
	r.MxRegister("m.room.message", r.onMxMessage)
	return r
}

// CreateNetworkRoom creates a new Matrix room for a NetworkRoom and invites
// the owning user into it (OPEN command, §4.G).
func CreateNetworkRoom(ctx context.Context, serv *Bridge, userID id.UserID, name string) (*NetworkRoom, error) {
	roomID, err := serv.CreateRoom(ctx, fmt.Sprintf("%s (IRC)", name), "Network room for "+name, []id.UserID{userID})
	if err != nil {
		return nil, fmt.Errorf("create network room: %w", err)
	}

	r := NewNetworkRoom(serv, roomID, userID)
	r.Name = strings.ToLower(name)
	r.Nick = defaultNick(userID)
	r.Username = r.Nick
	r.Ircname = r.Nick

	if err := serv.SaveRoomConfig(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func defaultNick(userID id.UserID) string {
	local := strings.TrimPrefix(string(userID), "@")
	if idx := strings.IndexByte(local, ':'); idx >= 0 {
		local = local[:idx]
	}
	return local
}

func (r *NetworkRoom) Type() RoomType { return RoomNetwork }

func (r *NetworkRoom) IsValid() bool {
	return r.Name != "" && r.InRoom(r.UserID)
}

func (r *NetworkRoom) FromConfig(cfg map[string]any) error {
	if uid, ok := cfg["user_id"].(string); ok {
		r.UserID = id.UserID(uid)
	}
	if v, ok := cfg["name"].(string); ok {
		r.Name = v
	}
	if v, ok := cfg["nick"].(string); ok {
		r.Nick = v
	}
	if v, ok := cfg["username"].(string); ok {
		r.Username = v
	}
	if v, ok := cfg["ircname"].(string); ok {
		r.Ircname = v
	}
	if v, ok := cfg["password"].(string); ok {
		r.Password = v
	}
	if v, ok := cfg["autocmd"].(string); ok {
		r.Autocmd = v
	}
	if v, ok := cfg["connected"].(bool); ok {
		r.connected = v
	}
	if v, ok := cfg["space_id"].(string); ok {
		r.SpaceID = id.RoomID(v)
	}
	return nil
}

func (r *NetworkRoom) ToConfig() map[string]any {
	return map[string]any{
		"type": string(RoomNetwork), "user_id": string(r.UserID), "name": r.Name,
		"nick": r.Nick, "username": r.Username, "ircname": r.Ircname,
		"password": r.Password, "autocmd": r.Autocmd, "connected": r.connected,
		"space_id": string(r.SpaceID),
	}
}

func (r *NetworkRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

func (r *NetworkRoom) onMxMessage(ctx context.Context, evt *event.Event) error {
	if evt.Sender != r.UserID {
		return nil
	}
	body := evt.Content.AsMessage().Body
	if body == "" {
		return nil
	}
	if err := r.commands.Trigger(ctx, body); err != nil {
		r.SendNotice(err.Error(), "")
	}
	return nil
}

// attach registers a sub-room as belonging to this network, keyed by its
// lowercased name, and attaches it to the network's space, if one exists.
func (r *NetworkRoom) attach(name string, room Room) {
	r.rooms[strings.ToLower(name)] = room
	r.attachSpace(room.ID())
}

// attachSpace adds roomID as a child of this network's space, if one
// exists, in the background since neither attach() nor Cleanup() carry a
// context of their own (§12 SpaceRoom).
func (r *NetworkRoom) attachSpace(roomID id.RoomID) {
	if sp, ok := r.space(); ok {
		go func() {
			if err := sp.Attach(context.Background(), roomID); err != nil {
				log.Printf("[network:%s] failed to attach %s to space: %v", r.Name, roomID, err)
			}
		}()
	}
}

// detachSpace removes roomID from this network's space, if one exists.
func (r *NetworkRoom) detachSpace(roomID id.RoomID) {
	if sp, ok := r.space(); ok {
		go func() {
			if err := sp.Detach(context.Background(), roomID); err != nil {
				log.Printf("[network:%s] failed to detach %s from space: %v", r.Name, roomID, err)
			}
		}()
	}
}

func (r *NetworkRoom) detach(name string) {
	delete(r.rooms, strings.ToLower(name))
}

func (r *NetworkRoom) roomFor(target string) (Room, bool) {
	room, ok := r.rooms[strings.ToLower(target)]
	return room, ok
}

// IsConnected reports whether the IRC socket is currently live.
func (r *NetworkRoom) IsConnected() bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn != nil && r.conn.Connected()
}

// Conn exposes the live IRC connection, or nil.
func (r *NetworkRoom) Conn() *ircconn.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

// Connect implements §4.F's connect()/failover loop. It attaches dangling
// sub-rooms and returns at once; the connection attempts (server failover
// and reconnect back-off) run in the background goroutine it spawns.
func (r *NetworkRoom) Connect(ctx context.Context) {
	r.connMu.Lock()
	if r.connecting {
		r.connMu.Unlock()
		r.SendNotice("Already connecting.", "")
		return
	}
	r.connecting = true
	r.disconnect = false
	r.connMu.Unlock()

	r.attachDanglingRooms()

	go r.connectLoop(ctx)
}

// attachDanglingRooms implements step 2 of connect(): attach every owned
// sub-room whose network_name matches but which is not yet in r.rooms.
func (r *NetworkRoom) attachDanglingRooms() {
	for _, room := range r.Serv.FindRooms(r.UserID) {
		var name, netName string
		switch rr := room.(type) {
		case *PlumbedRoom:
			name, netName = rr.Name, rr.NetworkName
		case *ChannelRoom:
			name, netName = rr.Name, rr.NetworkName
		case *PrivateRoom:
			name, netName = rr.Name, rr.NetworkName
		default:
			continue
		}
		if netName != r.Name {
			continue
		}
		if _, already := r.roomFor(name); !already {
			r.attach(name, room)
		}
	}
}

func (r *NetworkRoom) connectLoop(ctx context.Context) {
	defer func() {
		r.connMu.Lock()
		r.connecting = false
		r.connMu.Unlock()
	}()

	for {
		r.connMu.Lock()
		disconnect := r.disconnect
		r.connMu.Unlock()
		if disconnect {
			return
		}

		cfg := r.Serv.Config()
		net, ok := cfg.Networks[r.Name]
		if !ok {
			r.SendNotice("Network was deleted, aborting connect.", "")
			return
		}
		if len(net.Servers) == 0 {
			r.connMu.Lock()
			r.connected = false
			r.connMu.Unlock()
			r.SendNotice("No servers configured for this network.", "")
			return
		}

		if r.tryServers(ctx, net) {
			return
		}

		r.connMu.Lock()
		if r.backoff == 0 {
			r.backoff = 10
		} else {
			r.backoff += 5
			if r.backoff > 60 {
				r.backoff = 60
			}
		}
		wait := r.backoff
		r.connMu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(wait) * time.Second):
		}
	}
}

// tryServers attempts each server in order once. It returns true on success,
// and also when a disconnect was requested or ctx is done, so the caller
// stops retrying.
func (r *NetworkRoom) tryServers(ctx context.Context, net *config.Network) bool {
	for i, server := range net.Servers {
		r.connMu.Lock()
		if r.disconnect {
			r.connMu.Unlock()
			return true
		}
		r.connMu.Unlock()

		r.SendNotice(fmt.Sprintf("Connecting to %s:%d...", server.Address, server.Port), "")

		password := r.Password
		if password != "" {
			if resolved, err := config.ResolveCredential(password); err == nil {
				password = resolved
			}
		}

		conn, err := ircconn.Dial(ctx, ircconn.DialOptions{
			Address: server.Address, Port: server.Port,
			TLS: server.TLS, TLSInsecure: server.TLSInsecure, ProxyURL: server.Proxy,
			Nick: r.Nick, Username: r.Username, Ircname: r.Ircname, Password: password,
		})
		if err != nil {
			r.SendNotice(fmt.Sprintf("Failed to connect to %s:%d: %v", server.Address, server.Port, err), "")
			if i < len(net.Servers)-1 {
				select {
				case <-ctx.Done():
					return true
				case <-time.After(10 * time.Second):
				}
			}
			continue
		}

		r.registerHandlers(conn)

		r.connMu.Lock()
		r.conn = conn
		r.connected = true
		r.backoff = 0
		r.connMu.Unlock()

		if err := r.Serv.SaveRoomConfig(ctx, r); err != nil {
			log.Printf("[network:%s] failed to persist connected state: %v", r.Name, err)
		}

		go r.watchDisconnect(ctx, conn)
		return true
	}
	return false
}

// watchDisconnect reconnects after 10s if the socket closed unexpectedly
// while we still want to be connected (§4.F "Disconnect handling").
func (r *NetworkRoom) watchDisconnect(ctx context.Context, conn *ircconn.Conn) {
	for conn.Connected() {
		time.Sleep(500 * time.Millisecond)
	}

	r.connMu.Lock()
	wasConnected := r.connected
	wantsDisconnect := r.disconnect
	if r.conn == conn {
		r.conn = nil
	}
	r.connMu.Unlock()

	if wasConnected && !wantsDisconnect {
		r.SendNotice("Disconnected, reconnecting in 10s...", "")
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
		r.Connect(ctx)
	}
}

// Disconnect sets the transient disconnect flag (stopping reconnects) and
// closes the live socket, if any.
func (r *NetworkRoom) Disconnect(ctx context.Context, reason string) {
	r.connMu.Lock()
	r.disconnect = true
	r.connected = false
	conn := r.conn
	r.connMu.Unlock()

	if conn != nil {
		conn.Disconnect(reason)
	}

	if err := r.Serv.SaveRoomConfig(ctx, r); err != nil {
		log.Printf("[network:%s] failed to persist disconnected state: %v", r.Name, err)
	}
}

func (r *NetworkRoom) registerCommands() {
	m := parser.NewManager()
	r.commands = m

	m.Register(&parser.Spec{Name: "NICK", Short: "Set your IRC nick",
		Pos: []parser.Positional{{Name: "nick", Required: true}}}, r.cmdNick)
	m.Register(&parser.Spec{Name: "USERNAME", Short: "Set your IRC username",
		Pos: []parser.Positional{{Name: "username", Required: true}}}, r.cmdUsername)
	m.Register(&parser.Spec{Name: "IRCNAME", Short: "Set your IRC realname",
		Pos: []parser.Positional{{Name: "ircname", Required: true, Variadic: true}}}, r.cmdIrcname)
	m.Register(&parser.Spec{Name: "PASSWORD", Short: "Set your server password",
		Pos: []parser.Positional{{Name: "password", Required: true}}}, r.cmdPassword)
	m.Register(&parser.Spec{Name: "AUTOCMD", Short: "Set a raw command to run after connecting",
		Pos: []parser.Positional{{Name: "command", Required: true, Variadic: true}}}, r.cmdAutocmd)
	m.Register(&parser.Spec{Name: "CONNECT", Short: "Connect to the network"}, r.cmdConnect)
	m.Register(&parser.Spec{Name: "DISCONNECT", Short: "Disconnect from the network"}, r.cmdDisconnect)
	m.Register(&parser.Spec{Name: "RECONNECT", Short: "Reconnect to the network"}, r.cmdReconnect)
	m.Register(&parser.Spec{Name: "RAW", Short: "Send a raw IRC line",
		Pos: []parser.Positional{{Name: "line", Required: true, Variadic: true}}}, r.cmdRaw)
	m.Register(&parser.Spec{Name: "QUERY", Short: "Open a private chat with a nick",
		Pos: []parser.Positional{{Name: "nick", Required: true}, {Name: "message", Variadic: true}}}, r.cmdQuery)
	m.Register(&parser.Spec{Name: "MSG", Short: "Send a message to a nick without opening a room",
		Pos: []parser.Positional{{Name: "nick", Required: true}, {Name: "message", Required: true, Variadic: true}}}, r.cmdMsg)
	m.Register(&parser.Spec{Name: "JOIN", Short: "Join an IRC channel",
		Pos: []parser.Positional{{Name: "channel", Required: true}, {Name: "key", Required: false}}}, r.cmdJoin)
	m.Register(&parser.Spec{Name: "SPACE", Short: "Group this network's rooms into a Matrix space"}, r.cmdSpace)
}

func (r *NetworkRoom) cmdNick(ctx context.Context, args *parser.Args) error {
	r.Nick = args.Get(0)
	return r.Serv.SaveRoomConfig(ctx, r)
}

func (r *NetworkRoom) cmdUsername(ctx context.Context, args *parser.Args) error {
	r.Username = args.Get(0)
	return r.Serv.SaveRoomConfig(ctx, r)
}

func (r *NetworkRoom) cmdIrcname(ctx context.Context, args *parser.Args) error {
	r.Ircname = args.Tail(0)
	return r.Serv.SaveRoomConfig(ctx, r)
}

func (r *NetworkRoom) cmdPassword(ctx context.Context, args *parser.Args) error {
	r.Password = args.Get(0)
	return r.Serv.SaveRoomConfig(ctx, r)
}

func (r *NetworkRoom) cmdAutocmd(ctx context.Context, args *parser.Args) error {
	r.Autocmd = args.Tail(0)
	return r.Serv.SaveRoomConfig(ctx, r)
}

func (r *NetworkRoom) cmdConnect(ctx context.Context, args *parser.Args) error {
	r.Connect(ctx)
	return nil
}

func (r *NetworkRoom) cmdDisconnect(ctx context.Context, args *parser.Args) error {
	r.Disconnect(ctx, "Disconnected by user.")
	return nil
}

func (r *NetworkRoom) cmdReconnect(ctx context.Context, args *parser.Args) error {
	r.Disconnect(ctx, "Reconnecting.")
	r.Connect(ctx)
	return nil
}

func (r *NetworkRoom) cmdRaw(ctx context.Context, args *parser.Args) error {
	conn := r.Conn()
	if conn == nil || !conn.Connected() {
		return fmt.Errorf("not connected to network")
	}
	conn.SendRaw(args.Tail(0))
	return nil
}

// cmdSpace creates (if not already present) this network's m.space and
// attaches every room currently attached to the network (§12 SpaceRoom).
func (r *NetworkRoom) cmdSpace(ctx context.Context, args *parser.Args) error {
	if sp, ok := r.space(); ok {
		r.SendNotice(fmt.Sprintf("Already grouped under space %s.", sp.RoomID), "")
		return nil
	}

	sp, err := CreateSpaceRoom(ctx, r)
	if err != nil {
		return fmt.Errorf("create space: %w", err)
	}
	r.SendNotice(fmt.Sprintf("Created space %s.", sp.RoomID), "")
	return nil
}

func (r *NetworkRoom) cmdQuery(ctx context.Context, args *parser.Args) error {
	nick := args.Get(0)
	room, ok := r.roomFor(nick)
	if !ok {
		created, err := CreatePrivateRoom(ctx, r, nick)
		if err != nil {
			return err
		}
		room = created
		r.attach(nick, room)
		r.Serv.RegisterRoom(room)
	} else {
		if err := r.Serv.joinWithRetry(ctx, room.ID(), nil); err != nil {
			return err
		}
	}

	if msg := args.Tail(1); msg != "" {
		conn := r.Conn()
		if conn != nil && conn.Connected() {
			conn.SendRaw(ircconn.FormatLine("PRIVMSG", nick, msg))
		}
	}
	return nil
}

func (r *NetworkRoom) cmdMsg(ctx context.Context, args *parser.Args) error {
	conn := r.Conn()
	if conn == nil || !conn.Connected() {
		return fmt.Errorf("not connected to network")
	}
	conn.SendRaw(ircconn.FormatLine("PRIVMSG", args.Get(0), args.Tail(1)))
	return nil
}

func (r *NetworkRoom) cmdJoin(ctx context.Context, args *parser.Args) error {
	conn := r.Conn()
	if conn == nil || !conn.Connected() {
		return fmt.Errorf("not connected to network")
	}
	channel := args.Get(0)
	if key := args.Get(1); key != "" {
		conn.SendRaw(ircconn.FormatLine("JOIN", channel, key))
	} else {
		conn.SendRaw(ircconn.FormatLine("JOIN", channel))
	}
	return nil
}
