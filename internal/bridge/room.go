// Package bridge implements the room/session state machine (spec §4.G) and
// the bridge controller that dispatches appservice transactions to rooms
// (spec §4.H). Rooms are modeled as tagged variants sharing a RoomBase,
// per §9 Design Notes, rather than as a polymorphic class hierarchy.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
	"github.com/heisenbridge-go/heisenbridge/internal/queue"
)

// ErrRoomInvalid signals that a room's defining membership invariant no
// longer holds; the bridge controller catches it and runs cleanup+leave+
// forget (§4.G, §7).
var ErrRoomInvalid = errors.New("room invalid")

// RoomType is the persisted discriminator tag (§9: "the persisted type
// string is the discriminator").
type RoomType string

const (
	RoomControl RoomType = "ControlRoom"
	RoomNetwork RoomType = "NetworkRoom"
	RoomPrivate RoomType = "PrivateRoom"
	RoomChannel RoomType = "ChannelRoom"
	RoomPlumbed RoomType = "PlumbedRoom"
	RoomSpace   RoomType = "SpaceRoom"
)

// MxHandler processes one Matrix event delivered to a room. Returning
// ErrRoomInvalid marks the room for cleanup.
type MxHandler func(ctx context.Context, evt *event.Event) error

// Room is the common contract every room subclass implements (§4.G).
type Room interface {
	ID() id.RoomID
	Type() RoomType
	IsValid() bool
	FromConfig(cfg map[string]any) error
	ToConfig() map[string]any
	OnMxEvent(ctx context.Context, evt *event.Event) error
}

// RoomBase carries the fields and behavior common to every room: membership
// tracking, the outbound event queue, and Matrix-event handler dispatch.
type RoomBase struct {
	RoomID       id.RoomID
	UserID       id.UserID // owning Matrix user
	Serv         *Bridge
	Members      []id.UserID
	Displaynames map[id.UserID]string

	mxHandlers map[string][]MxHandler
	Queue      *queue.EventQueue
	Runner     *queue.SerialRunner
}

// InitBase wires the event queue to this room's serial runner and the
// Matrix client adapter, ready for send_message/send_notice/send_emote.
func (r *RoomBase) InitBase(serv *Bridge, roomID id.RoomID, userID id.UserID, members []id.UserID) {
	r.RoomID = roomID
	r.UserID = userID
	r.Serv = serv
	r.Members = members
	r.Displaynames = map[id.UserID]string{}
	r.mxHandlers = map[string][]MxHandler{}
	r.Runner = queue.NewSerialRunner()
	r.Queue = queue.New(r.flushEvents)
}

func (r *RoomBase) ID() id.RoomID { return r.RoomID }

// base satisfies the bridge package's internal roomBaseOf helper.
func (r *RoomBase) base() *RoomBase { return r }

// MxRegister adds a handler for a Matrix event type, dispatched in
// registration order (§9).
func (r *RoomBase) MxRegister(eventType string, handler MxHandler) {
	r.mxHandlers[eventType] = append(r.mxHandlers[eventType], handler)
}

// DispatchMxEvent runs every registered handler for the event's type, plus
// the always-on membership tracker for m.room.member.
func (r *RoomBase) DispatchMxEvent(ctx context.Context, evt *event.Event) error {
	if evt.Type.Type == event.StateMember.Type {
		if err := r.onRoomMember(evt); err != nil {
			return err
		}
	}

	for _, h := range r.mxHandlers[evt.Type.Type] {
		if err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (r *RoomBase) onRoomMember(evt *event.Event) error {
	stateKey := evt.GetStateKey()
	if stateKey == "" {
		return nil
	}
	member := evt.Content.AsMember()
	target := id.UserID(stateKey)

	switch member.Membership {
	case event.MembershipJoin, event.MembershipInvite:
		if !r.InRoom(target) {
			r.Members = append(r.Members, target)
		}
		if member.Displayname != "" {
			r.Displaynames[target] = member.Displayname
		}
	case event.MembershipLeave, event.MembershipBan:
		r.removeMember(target)
	}

	return nil
}

func (r *RoomBase) removeMember(target id.UserID) {
	out := r.Members[:0]
	for _, m := range r.Members {
		if m != target {
			out = append(out, m)
		}
	}
	r.Members = out
	delete(r.Displaynames, target)
}

// InRoom reports whether mxid is currently tracked as a room member.
func (r *RoomBase) InRoom(mxid id.UserID) bool {
	for _, m := range r.Members {
		if m == mxid {
			return true
		}
	}
	return false
}

// SendMessage enqueues an m.text message, authored as puppet (empty for the
// bridge bot itself).
func (r *RoomBase) SendMessage(body string, puppet id.UserID) {
	r.Queue.Enqueue(&queue.Event{Type: "m.room.message", UserID: string(puppet), MsgType: "m.text", Body: body})
}

// SendEmote enqueues an m.emote message (IRC CTCP ACTION, §12.5).
func (r *RoomBase) SendEmote(body string, puppet id.UserID) {
	r.Queue.Enqueue(&queue.Event{Type: "m.room.message", UserID: string(puppet), MsgType: "m.emote", Body: body})
}

// SendNotice enqueues an m.notice, used for bridge-originated status text.
func (r *RoomBase) SendNotice(body string, puppet id.UserID) {
	r.Queue.Enqueue(&queue.Event{Type: "m.room.message", UserID: string(puppet), MsgType: "m.notice", Body: body})
}

// SendNoticeHTML enqueues a formatted m.notice.
func (r *RoomBase) SendNoticeHTML(plain, html string, puppet id.UserID) {
	r.Queue.Enqueue(&queue.Event{
		Type: "m.room.message", UserID: string(puppet), MsgType: "m.notice",
		Body: plain, HasFormat: true, Format: "org.matrix.custom.html", FormattedBody: html,
	})
}

// flushEvents is the EventQueue's Flusher: it schedules one serial-runner
// task per coalesced batch so cross-batch ordering is preserved.
func (r *RoomBase) flushEvents(ctx context.Context, events []*queue.Event) {
	r.Runner.Schedule(func(ctx context.Context) error {
		for _, ev := range events {
			var sender id.UserID
			if ev.UserID != "" {
				sender = id.UserID(ev.UserID)
			}
			if _, err := r.Serv.Client.PutRoomSendEvent(ctx, r.RoomID, ev.Type, ev.Content(), sender); err != nil {
				log.Printf("[room:%s] failed to send event: %v", r.RoomID, err)
				return fmt.Errorf("send event: %w", err)
			}
		}
		return nil
	})
}

// Invite invites and joins puppet into the room (used by NAMES/JOIN
// reconciliation).
func (r *RoomBase) InvitePuppet(ctx context.Context, puppet id.UserID) error {
	if err := r.Serv.Client.PostRoomInvite(ctx, r.RoomID, puppet); err != nil && !matrixclient.IsForbidden(err) {
		return err
	}
	if err := r.Serv.Client.PostRoomJoin(ctx, r.RoomID, puppet); err != nil {
		return err
	}
	if !r.InRoom(puppet) {
		r.Members = append(r.Members, puppet)
	}
	return nil
}

// LeavePuppet removes puppet from the room.
func (r *RoomBase) LeavePuppet(ctx context.Context, puppet id.UserID) error {
	if err := r.Serv.Client.PostRoomLeave(ctx, r.RoomID, puppet); err != nil && !matrixclient.IsForbidden(err) {
		return err
	}
	r.removeMember(puppet)
	return nil
}
