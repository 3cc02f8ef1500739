package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/config"
	"github.com/heisenbridge-go/heisenbridge/internal/parser"
)

// bridgeVersion is reported by the VERSION command (§12.1). Overridden at
// link time the same way pantalk's version package is.
var bridgeVersion = "dev"

// SetVersion lets main.go inject the build-time version string.
func SetVersion(v string) { bridgeVersion = v }

// ControlRoom is the DM between a Matrix user and the bridge bot; it hosts
// the command interface (§3, §4.G). Invariant: len(members) == 2.
type ControlRoom struct {
	RoomBase
	commands *parser.Manager
}

func NewControlRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *ControlRoom {
	r := &ControlRoom{}
	r.InitBase(serv, roomID, userID, []id.UserID{userID, serv.UserID})
	r.registerCommands()
	r.MxRegister("m.room.message", r.onMxMessage)
	return r
}

func (r *ControlRoom) Type() RoomType { return RoomControl }

func (r *ControlRoom) IsValid() bool {
	return len(r.Members) == 2 && r.InRoom(r.UserID) && r.InRoom(r.Serv.UserID)
}

func (r *ControlRoom) FromConfig(cfg map[string]any) error {
	if uid, ok := cfg["user_id"].(string); ok {
		r.UserID = id.UserID(uid)
	}
	return nil
}

func (r *ControlRoom) ToConfig() map[string]any {
	return map[string]any{"type": string(RoomControl), "user_id": string(r.UserID)}
}

func (r *ControlRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

func (r *ControlRoom) SendHelp(ctx context.Context) {
	r.SendNotice("Welcome to heisenbridge-go! Type HELP for a list of commands.", "")
}

func (r *ControlRoom) onMxMessage(ctx context.Context, evt *event.Event) error {
	if evt.Sender != r.UserID {
		return nil
	}

	body := evt.Content.AsMessage().Body
	if body == "" {
		return nil
	}

	if err := r.commands.Trigger(ctx, body); err != nil {
		if errors.Is(err, ErrRoomInvalid) {
			return err
		}
		r.SendNotice(err.Error(), "")
	}
	return nil
}

func (r *ControlRoom) registerCommands() {
	m := parser.NewManager()
	r.commands = m

	m.Register(&parser.Spec{Name: "NETWORKS", Short: "List configured networks"}, r.cmdNetworks)
	m.Register(&parser.Spec{Name: "SERVERS", Short: "List servers for a network",
		Pos: []parser.Positional{{Name: "network", Required: true}}}, r.cmdServers)
	m.Register(&parser.Spec{Name: "OPEN", Short: "Open (or reopen) a network room",
		Pos:   []parser.Positional{{Name: "network", Required: true}},
		Flags: []parser.Flag{{Name: "new"}}}, r.cmdOpen)
	m.Register(&parser.Spec{Name: "QUIT", Short: "Leave the bridge entirely"}, r.cmdQuit)

	m.Register(&parser.Spec{Name: "MASKS", Short: "List allow masks (admin)"}, r.adminOnly(r.cmdMasks))
	m.Register(&parser.Spec{Name: "ADDMASK", Short: "Add an allow mask (admin)",
		Pos:   []parser.Positional{{Name: "glob", Required: true}},
		Flags: []parser.Flag{{Name: "admin"}}}, r.adminOnly(r.cmdAddMask))
	m.Register(&parser.Spec{Name: "DELMASK", Short: "Remove an allow mask (admin)",
		Pos: []parser.Positional{{Name: "glob", Required: true}}}, r.adminOnly(r.cmdDelMask))
	m.Register(&parser.Spec{Name: "ADDNETWORK", Short: "Define a new network (admin)",
		Pos: []parser.Positional{{Name: "network", Required: true}}}, r.adminOnly(r.cmdAddNetwork))
	m.Register(&parser.Spec{Name: "DELNETWORK", Short: "Remove a network (admin)",
		Pos: []parser.Positional{{Name: "network", Required: true}}}, r.adminOnly(r.cmdDelNetwork))
	m.Register(&parser.Spec{Name: "ADDSERVER", Short: "Add a server to a network (admin)",
		Pos: []parser.Positional{
			{Name: "network", Required: true}, {Name: "address", Required: true}, {Name: "port", Required: false},
		},
		Flags: []parser.Flag{{Name: "tls"}, {Name: "tls-insecure"}, {Name: "proxy", HasValue: true}},
	}, r.adminOnly(r.cmdAddServer))
	m.Register(&parser.Spec{Name: "DELSERVER", Short: "Remove a server from a network (admin)",
		Pos: []parser.Positional{{Name: "network", Required: true}, {Name: "address", Required: true}, {Name: "port", Required: false}},
	}, r.adminOnly(r.cmdDelServer))
	m.Register(&parser.Spec{Name: "STATUS", Short: "Show bridge status (admin)"}, r.adminOnly(r.cmdStatus))
	m.Register(&parser.Spec{Name: "FORGET", Short: "Forget a stale puppet/room (admin)",
		Pos: []parser.Positional{{Name: "mxid", Required: true}}}, r.adminOnly(r.cmdForget))
	m.Register(&parser.Spec{Name: "DISPLAYNAME", Short: "Set the bridge bot's displayname",
		Pos: []parser.Positional{{Name: "name", Required: true, Variadic: true}}}, r.cmdDisplayname)
	m.Register(&parser.Spec{Name: "AVATAR", Short: "Set the bridge bot's avatar",
		Pos: []parser.Positional{{Name: "mxc", Required: true}}}, r.cmdAvatar)
	m.Register(&parser.Spec{Name: "IDENT", Short: "List, set or remove your IRC ident string",
		Pos: []parser.Positional{{Name: "action", Required: true}, {Name: "value", Required: false}}}, r.cmdIdent)
	m.Register(&parser.Spec{Name: "SYNC", Short: "Set member sync level",
		Flags: []parser.Flag{{Name: "lazy"}, {Name: "half"}, {Name: "full"}}}, r.cmdSync)
	m.Register(&parser.Spec{Name: "MEDIAURL", Short: "Set or clear the plumbed-room media base URL",
		Pos:   []parser.Positional{{Name: "url", Required: false}},
		Flags: []parser.Flag{{Name: "remove"}}}, r.cmdMediaURL)
	m.Register(&parser.Spec{Name: "VERSION", Short: "Show the bridge's build version"}, r.cmdVersion)
	m.Register(&parser.Spec{Name: "PLUMB", Short: "Plumb an existing Matrix room to an IRC channel",
		Pos: []parser.Positional{
			{Name: "network", Required: true}, {Name: "channel", Required: true}, {Name: "room_id", Required: true},
		},
	}, r.cmdPlumb)
}

func (r *ControlRoom) adminOnly(h parser.Handler) parser.Handler {
	return func(ctx context.Context, args *parser.Args) error {
		if !r.Serv.IsAdmin(r.UserID) {
			return fmt.Errorf("this command requires bridge admin access")
		}
		return h(ctx, args)
	}
}

func (r *ControlRoom) cmdNetworks(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	if len(cfg.Networks) == 0 {
		r.SendNotice("No networks configured, use ADDNETWORK to create one.", "")
		return nil
	}
	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	r.SendNotice("Configured networks: "+strings.Join(names, ", "), "")
	return nil
}

func (r *ControlRoom) cmdServers(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	net, ok := cfg.Networks[args.Get(0)]
	if !ok {
		return fmt.Errorf("no such network %q", args.Get(0))
	}
	var lines []string
	for _, s := range net.Servers {
		lines = append(lines, fmt.Sprintf("%s:%d tls=%v", s.Address, s.Port, s.TLS))
	}
	r.SendNotice(strings.Join(lines, "\n"), "")
	return nil
}

func (r *ControlRoom) cmdOpen(ctx context.Context, args *parser.Args) error {
	name := strings.ToLower(args.Get(0))
	cfg := r.Serv.Config()
	if _, ok := cfg.Networks[name]; !ok {
		return fmt.Errorf("no such network %q, use ADDNETWORK first", name)
	}

	if existing, ok := r.Serv.NetworkRoomFor(r.UserID, name); ok && !args.Has("new") {
		if err := r.Serv.joinWithRetry(ctx, existing.ID(), nil); err != nil {
			return err
		}
		r.SendNotice(fmt.Sprintf("Reopened network room for %s.", name), "")
		return nil
	}

	room, err := CreateNetworkRoom(ctx, r.Serv, r.UserID, name)
	if err != nil {
		return err
	}
	r.Serv.RegisterRoom(room)
	r.SendNotice(fmt.Sprintf("Created network room for %s.", name), "")
	return nil
}

func (r *ControlRoom) cmdQuit(ctx context.Context, args *parser.Args) error {
	for _, room := range r.Serv.FindRooms(r.UserID) {
		if nr, ok := room.(*NetworkRoom); ok {
			nr.Disconnect(ctx, "Bridge shutting down for this user.")
		}
	}
	return ErrRoomInvalid
}

func (r *ControlRoom) cmdMasks(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	if len(cfg.Allow) == 0 {
		r.SendNotice("No allow masks configured.", "")
		return nil
	}
	var lines []string
	for mask, level := range cfg.Allow {
		lines = append(lines, fmt.Sprintf("%s -> %s", mask, level))
	}
	sort.Strings(lines)
	r.SendNotice(strings.Join(lines, "\n"), "")
	return nil
}

func (r *ControlRoom) cmdAddMask(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	level := config.AccessUser
	if args.Has("admin") {
		level = config.AccessAdmin
	}
	cfg.Allow[args.Get(0)] = level
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Added mask %s as %s.", args.Get(0), level), "")
	return nil
}

func (r *ControlRoom) cmdDelMask(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	delete(cfg.Allow, args.Get(0))
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Removed mask %s.", args.Get(0)), "")
	return nil
}

func (r *ControlRoom) cmdAddNetwork(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	name := strings.ToLower(args.Get(0))
	if _, exists := cfg.Networks[name]; exists {
		return fmt.Errorf("network %q already exists", name)
	}
	cfg.Networks[name] = &config.Network{Name: name}
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Added network %s.", name), "")
	return nil
}

func (r *ControlRoom) cmdDelNetwork(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	name := strings.ToLower(args.Get(0))
	delete(cfg.Networks, name)
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Removed network %s.", name), "")
	return nil
}

func (r *ControlRoom) cmdAddServer(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	net, ok := cfg.Networks[strings.ToLower(args.Get(0))]
	if !ok {
		return fmt.Errorf("no such network %q", args.Get(0))
	}

	port := 6697
	if args.Get(2) != "" {
		p, err := strconv.Atoi(args.Get(2))
		if err != nil {
			return fmt.Errorf("invalid port %q", args.Get(2))
		}
		port = p
	}

	net.Servers = append(net.Servers, config.Server{
		Address:     args.Get(1),
		Port:        port,
		TLS:         args.Has("tls"),
		TLSInsecure: args.Has("tls-insecure"),
		Proxy:       args.FlagValue("proxy"),
	})

	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Added server %s:%d to %s.", args.Get(1), port, net.Name), "")
	return nil
}

func (r *ControlRoom) cmdDelServer(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	net, ok := cfg.Networks[strings.ToLower(args.Get(0))]
	if !ok {
		return fmt.Errorf("no such network %q", args.Get(0))
	}

	out := net.Servers[:0]
	for _, s := range net.Servers {
		if s.Address != args.Get(1) {
			out = append(out, s)
		}
	}
	net.Servers = out

	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice(fmt.Sprintf("Removed server %s from %s.", args.Get(1), net.Name), "")
	return nil
}

func (r *ControlRoom) cmdStatus(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	r.SendNotice(fmt.Sprintf("Owner: %s, networks: %d, allow masks: %d, member_sync: %s",
		cfg.Owner, len(cfg.Networks), len(cfg.Allow), cfg.MemberSync), "")
	return nil
}

func (r *ControlRoom) cmdForget(ctx context.Context, args *parser.Args) error {
	target := args.Get(0)

	if strings.HasPrefix(target, "!") {
		room, ok := r.Serv.FindRoom(id.RoomID(target))
		if !ok {
			return fmt.Errorf("no known room %q", target)
		}
		r.Serv.cleanupRoom(ctx, room)
		r.SendNotice(fmt.Sprintf("Forgot room %s.", target), "")
		return nil
	}

	puppetID := id.UserID(target)
	if !r.Serv.Puppets.IsPuppet(puppetID) {
		return fmt.Errorf("%q is neither a room id nor a puppet mxid", target)
	}
	for _, room := range r.Serv.FindRooms(r.UserID) {
		if rb, ok := roomBaseOf(room); ok && rb.InRoom(puppetID) {
			_ = rb.LeavePuppet(ctx, puppetID)
		}
	}
	r.SendNotice(fmt.Sprintf("Forgot puppet %s.", puppetID), "")
	return nil
}

func (r *ControlRoom) cmdDisplayname(ctx context.Context, args *parser.Args) error {
	if err := r.Serv.Client.PutUserDisplayname(ctx, r.Serv.UserID, args.Tail(0)); err != nil {
		return err
	}
	r.SendNotice("Displayname updated.", "")
	return nil
}

func (r *ControlRoom) cmdAvatar(ctx context.Context, args *parser.Args) error {
	if err := r.Serv.Client.PutUserAvatarURL(ctx, r.Serv.UserID, args.Get(0)); err != nil {
		return err
	}
	r.SendNotice("Avatar updated.", "")
	return nil
}

func (r *ControlRoom) cmdIdent(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	switch strings.ToUpper(args.Get(0)) {
	case "LIST":
		ident, ok := cfg.Idents[string(r.UserID)]
		if !ok {
			r.SendNotice("No ident configured.", "")
			return nil
		}
		r.SendNotice("Ident: "+ident, "")
	case "SET":
		if args.Get(1) == "" {
			return fmt.Errorf("SET requires a value")
		}
		cfg.Idents[string(r.UserID)] = args.Get(1)
		if err := r.Serv.SaveConfig(ctx); err != nil {
			return err
		}
		r.SendNotice("Ident set.", "")
	case "REMOVE":
		delete(cfg.Idents, string(r.UserID))
		if err := r.Serv.SaveConfig(ctx); err != nil {
			return err
		}
		r.SendNotice("Ident removed.", "")
	default:
		return fmt.Errorf("usage: IDENT {list|set|remove} [value]")
	}
	return nil
}

func (r *ControlRoom) cmdSync(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	switch {
	case args.Has("lazy"):
		cfg.MemberSync = config.MemberSyncLazy
	case args.Has("half"):
		cfg.MemberSync = config.MemberSyncHalf
	case args.Has("full"):
		cfg.MemberSync = config.MemberSyncFull
	default:
		r.SendNotice("Current member_sync: "+string(cfg.MemberSync), "")
		return nil
	}
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice("member_sync set to "+string(cfg.MemberSync), "")
	return nil
}

func (r *ControlRoom) cmdMediaURL(ctx context.Context, args *parser.Args) error {
	cfg := r.Serv.Config()
	if args.Has("remove") {
		cfg.MediaURL = ""
	} else if args.Get(0) != "" {
		cfg.MediaURL = args.Get(0)
	} else {
		if cfg.MediaURL == "" {
			r.SendNotice("No media URL configured.", "")
		} else {
			r.SendNotice("Media URL: "+cfg.MediaURL, "")
		}
		return nil
	}
	if err := r.Serv.SaveConfig(ctx); err != nil {
		return err
	}
	r.SendNotice("Media URL updated.", "")
	return nil
}

func (r *ControlRoom) cmdPlumb(ctx context.Context, args *parser.Args) error {
	name := strings.ToLower(args.Get(0))
	nr, ok := r.Serv.NetworkRoomFor(r.UserID, name)
	if !ok {
		return fmt.Errorf("no open network room for %q, use OPEN first", name)
	}

	plumbed, err := PlumbChannelRoom(ctx, nr, id.RoomID(args.Get(2)), args.Get(1))
	if err != nil {
		return err
	}
	nr.attach(args.Get(1), plumbed)
	r.Serv.RegisterRoom(plumbed)

	if nr.IsConnected() {
		nr.Conn().SendRaw("JOIN " + args.Get(1))
	}

	r.SendNotice(fmt.Sprintf("Plumbed %s to %s.", args.Get(2), args.Get(1)), "")
	return nil
}

func (r *ControlRoom) cmdVersion(ctx context.Context, args *parser.Args) error {
	r.SendNotice("heisenbridge-go "+bridgeVersion, "")
	return nil
}
