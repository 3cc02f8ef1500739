package bridge

import (
	"context"
	"fmt"
	"log"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SpaceRoom groups one network's ChannelRoom/PrivateRoom/PlumbedRoom windows
// under a single m.space, a purely organizational convenience carried over
// from the original implementation's space_room.py with no IRC-side effects
// (§12 supplemented features).
type SpaceRoom struct {
	RoomBase

	NetworkName string
}

func NewSpaceRoom(serv *Bridge, roomID id.RoomID, userID id.UserID) *SpaceRoom {
	r := &SpaceRoom{}
	r.InitBase(serv, roomID, userID, []id.UserID{userID, serv.UserID})
	return r
}

// CreateSpaceRoom creates the m.space room for a network, invites the owning
// user, attaches every room already attached to the network, and wires
// itself onto nr so future sub-room creation attaches automatically.
func CreateSpaceRoom(ctx context.Context, nr *NetworkRoom) (*SpaceRoom, error) {
	adminOnly := 100
	req := &mautrix.ReqCreateRoom{
		CreationContent: map[string]any{"type": "m.space"},
		Visibility:      "private",
		Name:            nr.Name,
		Topic:           fmt.Sprintf("Network space for %s", nr.Name),
		Invite:          []id.UserID{nr.UserID},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			EventsDefault: 100,
			UsersDefault:  0,
			InvitePtr:     &adminOnly,
			KickPtr:       &adminOnly,
			RedactPtr:     &adminOnly,
			BanPtr:        &adminOnly,
		},
	}
	roomID, err := nr.Serv.Client.PostRoomCreate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create space room: %w", err)
	}

	r := NewSpaceRoom(nr.Serv, roomID, nr.UserID)
	r.NetworkName = nr.Name
	nr.Serv.RegisterRoom(r)
	if err := nr.Serv.SaveRoomConfig(ctx, r); err != nil {
		return nil, err
	}

	nr.SpaceID = roomID
	if err := nr.Serv.SaveRoomConfig(ctx, nr); err != nil {
		log.Printf("[network:%s] failed to persist space id: %v", nr.Name, err)
	}

	for _, sub := range nr.rooms {
		if err := r.Attach(ctx, sub.ID()); err != nil {
			log.Printf("[network:%s] failed to attach %s to space: %v", nr.Name, sub.ID(), err)
		}
	}

	return r, nil
}

func (r *SpaceRoom) Type() RoomType { return RoomSpace }

// IsValid requires the owning user to still be in the space and the space
// to still know which network it belongs to (§3 invariant 1 generalized).
func (r *SpaceRoom) IsValid() bool {
	return r.NetworkName != "" && r.InRoom(r.UserID)
}

func (r *SpaceRoom) FromConfig(cfg map[string]any) error {
	if uid, ok := cfg["user_id"].(string); ok {
		r.UserID = id.UserID(uid)
	}
	if v, ok := cfg["network_name"].(string); ok {
		r.NetworkName = v
	}
	return nil
}

func (r *SpaceRoom) ToConfig() map[string]any {
	return map[string]any{
		"type": string(RoomSpace), "user_id": string(r.UserID), "network_name": r.NetworkName,
	}
}

func (r *SpaceRoom) OnMxEvent(ctx context.Context, evt *event.Event) error {
	return r.DispatchMxEvent(ctx, evt)
}

// Attach adds roomID as an m.space.child of this space.
func (r *SpaceRoom) Attach(ctx context.Context, roomID id.RoomID) error {
	return r.Serv.Client.PutRoomSendState(ctx, r.RoomID, "m.space.child", string(roomID),
		map[string]any{"via": []string{r.Serv.ServerName}}, "")
}

// Detach removes roomID from this space, matching the original's convention
// of clearing m.space.child content rather than deleting the state event.
func (r *SpaceRoom) Detach(ctx context.Context, roomID id.RoomID) error {
	return r.Serv.Client.PutRoomSendState(ctx, r.RoomID, "m.space.child", string(roomID), map[string]any{}, "")
}

// Cleanup detaches this space from its owning network so a later SPACE
// command can recreate it.
func (r *SpaceRoom) Cleanup() {
	if nr, ok := r.Serv.NetworkRoomFor(r.UserID, r.NetworkName); ok && nr.SpaceID == r.RoomID {
		nr.SpaceID = ""
	}
}
