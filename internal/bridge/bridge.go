package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/config"
	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
	"github.com/heisenbridge-go/heisenbridge/internal/puppet"
)

// accountDataKey is the homeserver account_data key both the bridge-wide
// config and every room's config are persisted under (§6).
const accountDataKey = "irc"

// Bridge is the single global bridge object passed to every Room by
// reference (§9: "no process-wide singletons"). It owns all rooms, the
// Matrix client adapter, the puppet registry, and the bridge-wide config.
type Bridge struct {
	ServerName   string
	UserID       id.UserID // appservice bot's own mxid
	Registration *config.Registration

	Client  *matrixclient.Client
	Puppets *puppet.Registry

	mu    sync.Mutex
	cfg   *config.BridgeConfig
	rooms map[id.RoomID]Room

	// networks indexes NetworkRooms by (owning user, network name) so
	// PrivateRoom/ChannelRoom can resolve their weak `network` back
	// reference as a lookup instead of an owning pointer (§9).
	networks map[id.UserID]map[string]*NetworkRoom
}

func New(serverName string, selfUserID id.UserID, reg *config.Registration, client *matrixclient.Client) *Bridge {
	return &Bridge{
		ServerName:   serverName,
		UserID:       selfUserID,
		Registration: reg,
		Client:       client,
		Puppets:      puppet.NewRegistry(client, reg.PuppetPrefix, serverName),
		cfg:          config.NewBridgeConfig(),
		rooms:        map[id.RoomID]Room{},
		networks:     map[id.UserID]map[string]*NetworkRoom{},
	}
}

// NewWithPuppetCache is New, but seeds and persists the puppet registry
// through cache so a restart does not repeat lazy registration/displayname
// work for puppets already minted (§4.D).
func NewWithPuppetCache(serverName string, selfUserID id.UserID, reg *config.Registration, client *matrixclient.Client, cache puppet.Cache) (*Bridge, error) {
	registry, err := puppet.NewRegistryWithCache(client, reg.PuppetPrefix, serverName, cache)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		ServerName:   serverName,
		UserID:       selfUserID,
		Registration: reg,
		Client:       client,
		Puppets:      registry,
		cfg:          config.NewBridgeConfig(),
		rooms:        map[id.RoomID]Room{},
		networks:     map[id.UserID]map[string]*NetworkRoom{},
	}, nil
}

// Config returns the shared bridge config. Callers must call SaveConfig
// after any mutation (§5: "bridge.config is mutated only on the main
// context and persisted via account data write after every change").
func (b *Bridge) Config() *config.BridgeConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// LoadConfig fetches and installs the bridge config from the appservice
// bot's own account data, run once at startup.
func (b *Bridge) LoadConfig(ctx context.Context) error {
	raw, err := b.Client.GetUserAccountData(ctx, b.UserID, accountDataKey)
	if err != nil {
		if matrixclient.IsNotFound(err) {
			b.mu.Lock()
			b.cfg = config.NewBridgeConfig()
			b.mu.Unlock()
			return nil
		}
		return fmt.Errorf("load bridge config: %w", err)
	}

	cfg, err := config.UnmarshalAccountData(raw)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

// SaveConfig persists the bridge config to account data.
func (b *Bridge) SaveConfig(ctx context.Context) error {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	data, err := cfg.MarshalAccountData()
	if err != nil {
		return err
	}
	return b.Client.PutUserAccountData(ctx, b.UserID, accountDataKey, data)
}

// RegisterRoom adds room to the bridge's live room index.
func (b *Bridge) RegisterRoom(room Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[room.ID()] = room

	if nr, ok := room.(*NetworkRoom); ok {
		byName, ok := b.networks[nr.UserID]
		if !ok {
			byName = map[string]*NetworkRoom{}
			b.networks[nr.UserID] = byName
		}
		byName[nr.Name] = nr
	}
}

// UnregisterRoom removes room from the bridge's live room index.
func (b *Bridge) UnregisterRoom(roomID id.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.rooms[roomID]
	if !ok {
		return
	}
	delete(b.rooms, roomID)

	if nr, ok := room.(*NetworkRoom); ok {
		if byName, ok := b.networks[nr.UserID]; ok {
			delete(byName, nr.Name)
		}
	}
}

// FindRoom returns the room registered for roomID, if any.
func (b *Bridge) FindRoom(roomID id.RoomID) (Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	return r, ok
}

// FindRooms returns every room belonging to userID (used by the control
// room's QUIT and FORGET commands and by NetworkRoom.attachDanglingRooms).
func (b *Bridge) FindRooms(userID id.UserID) []Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Room
	for _, r := range b.rooms {
		if rb, ok := roomBaseOf(r); ok && rb.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// NetworkRoomFor resolves a sub-room's weak `network` reference by name
// (§9).
func (b *Bridge) NetworkRoomFor(userID id.UserID, name string) (*NetworkRoom, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byName, ok := b.networks[userID]
	if !ok {
		return nil, false
	}
	nr, ok := byName[strings.ToLower(name)]
	return nr, ok
}

// IsLocal reports whether mxid belongs to this bridge's own homeserver.
func (b *Bridge) IsLocal(mxid id.UserID) bool {
	return strings.HasSuffix(string(mxid), ":"+b.ServerName)
}

// IsUser reports whether mxid is allowed ordinary bridge access: either the
// configured owner, or matching an allow-mask of any level.
func (b *Bridge) IsUser(mxid id.UserID) bool {
	cfg := b.Config()
	if cfg.Owner == string(mxid) {
		return true
	}
	for mask := range cfg.Allow {
		if config.MatchesMask(mask, string(mxid)) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether mxid has admin-level access: the owner, or
// matching an allow-mask with level "admin".
func (b *Bridge) IsAdmin(mxid id.UserID) bool {
	cfg := b.Config()
	if cfg.Owner == string(mxid) {
		return true
	}
	for mask, level := range cfg.Allow {
		if level == config.AccessAdmin && config.MatchesMask(mask, string(mxid)) {
			return true
		}
	}
	return false
}

// CreateRoom creates a new Matrix room with the given name/topic and invite
// list: private visibility, not federated, with the bridge bot at power
// level 100, matching appservice.py's create_room.
func (b *Bridge) CreateRoom(ctx context.Context, name, topic string, invite []id.UserID) (id.RoomID, error) {
	return b.Client.PostRoomCreate(ctx, &mautrix.ReqCreateRoom{
		Name:       name,
		Topic:      topic,
		Invite:     invite,
		Visibility: "private",
		CreationContent: map[string]any{
			"m.federate": false,
		},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{b.UserID: 100},
		},
	})
}

// SaveRoomConfig persists one room's config as room account data under the
// bridge bot's own user (§6: "Room config -> homeserver room account data
// under key 'irc'"), the same user Bootstrap reads it back as.
func (b *Bridge) SaveRoomConfig(ctx context.Context, room Room) error {
	return b.Client.PutRoomAccountData(ctx, b.UserID, room.ID(), accountDataKey, room.ToConfig())
}

// roomBaseOf extracts the embedded *RoomBase from any concrete room type so
// shared bridge-level logic (FindRooms, cleanup) can inspect UserID/Members
// without a type switch over every subclass.
func roomBaseOf(r Room) (*RoomBase, bool) {
	type baseHolder interface{ base() *RoomBase }
	if h, ok := r.(baseHolder); ok {
		return h.base(), true
	}
	return nil, false
}

// Reset leaves and forgets every room the appservice is joined to and wipes
// the persisted bridge config, implementing the CLI's --reset mode.
func (b *Bridge) Reset(ctx context.Context) error {
	joined, err := b.Client.GetUserJoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("list joined rooms: %w", err)
	}

	for _, roomID := range joined {
		if err := b.Client.PostRoomLeave(ctx, roomID, ""); err != nil {
			log.Printf("[bridge] reset: leave %s failed: %v", roomID, err)
		}
		if err := b.Client.PostRoomForget(ctx, roomID); err != nil {
			log.Printf("[bridge] reset: forget %s failed: %v", roomID, err)
		}
	}

	b.mu.Lock()
	b.cfg = config.NewBridgeConfig()
	b.rooms = map[id.RoomID]Room{}
	b.networks = map[id.UserID]map[string]*NetworkRoom{}
	b.mu.Unlock()

	return b.SaveConfig(ctx)
}

// logInvalid is a small helper shared by every cleanup path.
func logInvalid(roomID id.RoomID, err error) {
	log.Printf("[bridge] room %s invalid, cleaning up: %v", roomID, err)
}
