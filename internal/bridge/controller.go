package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
)

// HandleTransaction processes one appservice PUT /transactions/{id} body
// (§4.H). Events within one transaction are processed in order (§5's
// mandated deviation from the fire-and-forget original); distinct
// transactions may be processed concurrently by the caller.
func (b *Bridge) HandleTransaction(ctx context.Context, events []*event.Event) {
	for _, evt := range events {
		if err := b.dispatchEvent(ctx, evt); err != nil {
			log.Printf("[bridge] event handling error: %v", err)
		}
	}
}

func (b *Bridge) dispatchEvent(ctx context.Context, evt *event.Event) error {
	if room, ok := b.FindRoom(evt.RoomID); ok {
		err := room.OnMxEvent(ctx, evt)
		if errors.Is(err, ErrRoomInvalid) {
			b.cleanupRoom(ctx, room)
			return nil
		}
		if err != nil {
			log.Printf("[bridge] room %s handler error (swallowed): %v", evt.RoomID, err)
		}
		return nil
	}

	if evt.Type.Type == event.StateMember.Type {
		return b.handleInviteBootstrap(ctx, evt)
	}

	return nil
}

// handleInviteBootstrap implements §4.G's bridge-level invite handling: an
// invite to a room the bridge does not yet know about either bootstraps the
// first owner or creates a ControlRoom for an already-allowed user.
func (b *Bridge) handleInviteBootstrap(ctx context.Context, evt *event.Event) error {
	member := evt.Content.AsMember()
	roomID := evt.RoomID
	senderID := evt.Sender

	if member.Membership != event.MembershipInvite || !member.IsDirect || senderID == b.UserID {
		return nil
	}

	cfg := b.Config()
	if cfg.Owner == "" && b.IsLocal(senderID) {
		cfg.Owner = string(senderID)
		if err := b.SaveConfig(ctx); err != nil {
			return fmt.Errorf("persist owner: %w", err)
		}
		log.Printf("[bridge] assigned owner %s from invite bootstrap", senderID)
	}

	if !b.IsUser(senderID) {
		log.Printf("[bridge] ignoring invite from disallowed user %s", senderID)
		return nil
	}

	room := NewControlRoom(b, roomID, senderID)
	b.RegisterRoom(room)

	return b.joinWithRetry(ctx, roomID, func() {
		room.SendHelp(ctx)
	})
}

// joinWithRetry tries the join up to six times on Forbidden, waiting a
// delay that grows by 5s per attempt (5, 10, 15, ... s), per §4.G.
func (b *Bridge) joinWithRetry(ctx context.Context, roomID id.RoomID, onSuccess func()) error {
	var lastErr error
	for attempt := 1; attempt <= 6; attempt++ {
		err := b.Client.PostRoomJoin(ctx, roomID, "")
		if err == nil {
			if onSuccess != nil {
				onSuccess()
			}
			return nil
		}
		lastErr = err
		if !matrixclient.IsForbidden(err) {
			return err
		}

		delay := time.Duration(5*attempt) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("join %s: giving up after 6 attempts: %w", roomID, lastErr)
}

// cleanupRoom implements the invalid-room signal contract (§4.G, §7): leave
// and forget the room, then drop it from the bridge's index.
func (b *Bridge) cleanupRoom(ctx context.Context, room Room) {
	logInvalid(room.ID(), ErrRoomInvalid)

	if cleaner, ok := room.(interface{ Cleanup() }); ok {
		cleaner.Cleanup()
	}

	if err := b.Client.PostRoomLeave(ctx, room.ID(), ""); err != nil {
		log.Printf("[bridge] leave %s failed: %v", room.ID(), err)
	}
	if err := b.Client.PostRoomForget(ctx, room.ID()); err != nil {
		log.Printf("[bridge] forget %s failed: %v", room.ID(), err)
	}

	b.UnregisterRoom(room.ID())
}

// Bootstrap lists the bridge's joined rooms at startup, reads each room's
// persisted config, reconstructs the right Room subclass, and either
// registers it (if is_valid()) or leaves-and-forgets it.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	joined, err := b.Client.GetUserJoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("list joined rooms: %w", err)
	}

	var reconnect []*NetworkRoom

	for _, roomID := range joined {
		raw, err := b.Client.GetRoomAccountData(ctx, b.UserID, roomID, accountDataKey)
		if err != nil {
			if matrixclient.IsNotFound(err) {
				continue
			}
			log.Printf("[bridge] failed to load account data for %s: %v", roomID, err)
			continue
		}

		room, err := b.reconstructRoom(roomID, raw)
		if err != nil {
			log.Printf("[bridge] failed to reconstruct room %s: %v", roomID, err)
			continue
		}

		if room == nil || !room.IsValid() {
			if err := b.Client.PostRoomLeave(ctx, roomID, ""); err != nil {
				log.Printf("[bridge] leave invalid room %s failed: %v", roomID, err)
			}
			if err := b.Client.PostRoomForget(ctx, roomID); err != nil {
				log.Printf("[bridge] forget invalid room %s failed: %v", roomID, err)
			}
			continue
		}

		b.RegisterRoom(room)

		if nr, ok := room.(*NetworkRoom); ok && nr.connected {
			reconnect = append(reconnect, nr)
		}
	}

	// Networks whose persisted desired state is connected resume their IRC
	// sessions once every room (including their sub-rooms) is registered, so
	// attachDanglingRooms sees the full index.
	for _, nr := range reconnect {
		log.Printf("[bridge] resuming connection for network %s (%s)", nr.Name, nr.UserID)
		nr.Connect(ctx)
	}

	return nil
}

func (b *Bridge) reconstructRoom(roomID id.RoomID, raw map[string]any) (Room, error) {
	typeName, _ := raw["type"].(string)
	userIDStr, _ := raw["user_id"].(string)
	userID := id.UserID(userIDStr)

	var room Room
	switch RoomType(typeName) {
	case RoomControl:
		room = NewControlRoom(b, roomID, userID)
	case RoomNetwork:
		room = NewNetworkRoom(b, roomID, userID)
	case RoomPrivate:
		room = NewPrivateRoom(b, roomID, userID)
	case RoomChannel:
		room = NewChannelRoom(b, roomID, userID)
	case RoomPlumbed:
		room = NewPlumbedRoom(b, roomID, userID)
	case RoomSpace:
		room = NewSpaceRoom(b, roomID, userID)
	default:
		return nil, fmt.Errorf("unknown room type %q", typeName)
	}

	if err := room.FromConfig(raw); err != nil {
		return nil, err
	}
	return room, nil
}
