// Package matrixclient is a typed facade over the homeserver client-server
// and appservice admin APIs consumed by the bridge (spec §4.E, §6). It is
// built on the mautrix-go client the same way the rest of the corpus talks
// to Matrix, adding only what the library does not carry: the bridge's own
// retry policy, per-puppet impersonation, and the session-stamped
// transaction ids the outbound pipeline requires.
package matrixclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	maxRetries   = 60
	retryBackoff = 30 * time.Second
)

// Client wraps one mautrix.Client authenticated with the appservice's
// as_token, plus derived per-puppet clients for ?user_id= impersonation.
type Client struct {
	BaseURL string

	mx *mautrix.Client

	mu      sync.Mutex
	seq     int
	session string
	puppets map[id.UserID]*mautrix.Client
}

// New builds the adapter. The transaction-id session stamp is the process
// start time, matching heisenbridge's `self.session = str(int(time.time()))`.
func New(baseURL string, userID id.UserID, token string, startedAt time.Time) (*Client, error) {
	mx, err := mautrix.NewClient(baseURL, userID, token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		mx:      mx,
		session: strconv.FormatInt(startedAt.Unix(), 10),
		puppets: map[id.UserID]*mautrix.Client{},
	}, nil
}

// forUser returns a client acting as userID via the appservice ?user_id=
// mechanism, or the bridge bot's own client when userID is empty. Derived
// clients share the base client's HTTP transport and are cached per puppet.
func (c *Client) forUser(userID id.UserID) *mautrix.Client {
	if userID == "" {
		return c.mx
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mxc, ok := c.puppets[userID]; ok {
		return mxc
	}

	mxc, err := mautrix.NewClient(c.BaseURL, userID, c.mx.AccessToken)
	if err != nil {
		// BaseURL was already validated in New; this cannot happen.
		return c.mx
	}
	mxc.Client = c.mx.Client
	mxc.SetAppServiceUserID = true
	c.puppets[userID] = mxc
	return mxc
}

// nextTxnID returns the next "<session-epoch>-<monotonic-seq>" transaction
// id per §4.E.
func (c *Client) nextTxnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%s-%d", c.session, c.seq)
}

// withRetry applies the bridge's retry policy (§4.E, §7): transport errors
// are retried up to 60 times with a 30s back-off; API semantic errors (a
// 4xx/5xx with a Matrix errcode) are surfaced immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isAPIError(err) {
			return err
		}
		lastErr = err
		log.Printf("[matrix] request to HS failed, assuming it is down, retry %d/%d: %v", attempt+1, maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return fmt.Errorf("matrix request exhausted %d retries: %w", maxRetries, lastErr)
}

// GetUserWhoami calls /account/whoami.
func (c *Client) GetUserWhoami(ctx context.Context) (id.UserID, error) {
	var userID id.UserID
	err := c.withRetry(ctx, func() error {
		resp, err := c.mx.Whoami(ctx)
		if err != nil {
			return err
		}
		userID = resp.UserID
		return nil
	})
	return userID, err
}

// GetUserJoinedRooms calls /joined_rooms.
func (c *Client) GetUserJoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	var rooms []id.RoomID
	err := c.withRetry(ctx, func() error {
		resp, err := c.mx.JoinedRooms(ctx)
		if err != nil {
			return err
		}
		rooms = resp.JoinedRooms
		return nil
	})
	return rooms, err
}

// GetUserAccountData fetches per-user account data under key.
func (c *Client) GetUserAccountData(ctx context.Context, userID id.UserID, key string) (map[string]any, error) {
	var out map[string]any
	err := c.withRetry(ctx, func() error {
		return c.forUser(userID).GetAccountData(ctx, key, &out)
	})
	return out, err
}

// PutUserAccountData writes per-user account data under key.
func (c *Client) PutUserAccountData(ctx context.Context, userID id.UserID, key string, data map[string]any) error {
	return c.withRetry(ctx, func() error {
		return c.forUser(userID).SetAccountData(ctx, key, data)
	})
}

// GetRoomAccountData fetches per-room account data under key. mautrix does
// not model the room-scoped variant, so the request goes through its raw
// request machinery against the same URL shape.
func (c *Client) GetRoomAccountData(ctx context.Context, userID id.UserID, roomID id.RoomID, key string) (map[string]any, error) {
	var out map[string]any
	err := c.withRetry(ctx, func() error {
		_, err := c.mx.MakeRequest(ctx, http.MethodGet, c.mx.BuildClientURL("v3", "user", userID, "rooms", roomID, "account_data", key), nil, &out)
		return err
	})
	return out, err
}

// PutRoomAccountData writes per-room account data under key.
func (c *Client) PutRoomAccountData(ctx context.Context, userID id.UserID, roomID id.RoomID, key string, data map[string]any) error {
	return c.withRetry(ctx, func() error {
		_, err := c.mx.MakeRequest(ctx, http.MethodPut, c.mx.BuildClientURL("v3", "user", userID, "rooms", roomID, "account_data", key), data, nil)
		return err
	})
}

// PostRoomLeave leaves a room, optionally as a puppeted user.
func (c *Client) PostRoomLeave(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.forUser(userID).LeaveRoom(ctx, roomID)
		return err
	})
}

// PostRoomKick kicks targetUserID from roomID.
func (c *Client) PostRoomKick(ctx context.Context, roomID id.RoomID, targetUserID id.UserID, reason string, userID id.UserID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.forUser(userID).KickUser(ctx, roomID, &mautrix.ReqKickUser{
			UserID: targetUserID,
			Reason: reason,
		})
		return err
	})
}

// PostRoomForget forgets a room.
func (c *Client) PostRoomForget(ctx context.Context, roomID id.RoomID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.mx.ForgetRoom(ctx, roomID)
		return err
	})
}

// JoinedMember is one entry of GetRoomJoinedMembers's response.
type JoinedMember struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// GetRoomJoinedMembers returns the joined member map of a room.
func (c *Client) GetRoomJoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]JoinedMember, error) {
	var resp struct {
		Joined map[id.UserID]JoinedMember `json:"joined"`
	}
	err := c.withRetry(ctx, func() error {
		_, err := c.mx.MakeRequest(ctx, http.MethodGet, c.mx.BuildClientURL("v3", "rooms", roomID, "joined_members"), nil, &resp)
		return err
	})
	return resp.Joined, err
}

// GetRoomStateEvent fetches one state event's content.
func (c *Client) GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (map[string]any, error) {
	var out map[string]any
	err := c.withRetry(ctx, func() error {
		return c.mx.StateEvent(ctx, roomID, event.Type{Type: eventType, Class: event.StateEventType}, stateKey, &out)
	})
	return out, err
}

// PostRoomJoin joins roomID, optionally as a puppeted user.
func (c *Client) PostRoomJoin(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.forUser(userID).JoinRoomByID(ctx, roomID)
		return err
	})
}

// PostRoomInvite invites userID into roomID.
func (c *Client) PostRoomInvite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.mx.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
}

// PutRoomSendEvent sends a room event with the next session transaction id,
// authored as the puppeted user when userID is set.
func (c *Client) PutRoomSendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any, userID id.UserID) (string, error) {
	var eventID string
	err := c.withRetry(ctx, func() error {
		resp, err := c.forUser(userID).SendMessageEvent(ctx, roomID,
			event.Type{Type: eventType, Class: event.MessageEventType}, content,
			mautrix.ReqSendEvent{TransactionID: c.nextTxnID()})
		if err != nil {
			return err
		}
		eventID = string(resp.EventID)
		return nil
	})
	return eventID, err
}

// PutRoomSendState sets a state event.
func (c *Client) PutRoomSendState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any, userID id.UserID) error {
	return c.withRetry(ctx, func() error {
		_, err := c.forUser(userID).SendStateEvent(ctx, roomID,
			event.Type{Type: eventType, Class: event.StateEventType}, stateKey, content)
		return err
	})
}

// PostRoomCreate creates a room.
func (c *Client) PostRoomCreate(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	var roomID id.RoomID
	err := c.withRetry(ctx, func() error {
		resp, err := c.mx.CreateRoom(ctx, req)
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	return roomID, err
}

// PostUserRegister registers an appservice-puppeted user. UserInUse is
// treated by callers as success (§4.D).
func (c *Client) PostUserRegister(ctx context.Context, username string) error {
	return c.withRetry(ctx, func() error {
		_, _, err := c.mx.Register(ctx, &mautrix.ReqRegister{
			Username:     username,
			Type:         mautrix.AuthTypeAppservice,
			InhibitLogin: true,
		})
		return err
	})
}

// PutUserDisplayname sets a puppet's displayname.
func (c *Client) PutUserDisplayname(ctx context.Context, userID id.UserID, displayname string) error {
	return c.withRetry(ctx, func() error {
		return c.forUser(userID).SetDisplayName(ctx, displayname)
	})
}

// PutUserAvatarURL sets a puppet's avatar.
func (c *Client) PutUserAvatarURL(ctx context.Context, userID id.UserID, avatarURL string) error {
	uri, err := id.ParseContentURI(avatarURL)
	if err != nil {
		return fmt.Errorf("parse avatar mxc uri: %w", err)
	}
	return c.withRetry(ctx, func() error {
		return c.forUser(userID).SetAvatarURL(ctx, uri)
	})
}

// GetSynapseAdminUsersAdmin checks whether userID is a Synapse server admin.
// Not retried: a 404 here just means this isn't Synapse.
func (c *Client) GetSynapseAdminUsersAdmin(ctx context.Context, userID id.UserID) (bool, error) {
	_, err := c.mx.MakeRequest(ctx, http.MethodGet,
		c.BaseURL+"/_synapse/admin/v1/users/"+url.PathEscape(string(userID))+"/admin", nil, nil)
	if err != nil {
		if isAPIError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PostSynapseAdminRoomJoin force-joins userID to roomID via Synapse admin API.
func (c *Client) PostSynapseAdminRoomJoin(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.mx.MakeRequest(ctx, http.MethodPost,
		c.BaseURL+"/_synapse/admin/v1/join/"+url.PathEscape(string(roomID)),
		map[string]any{"user_id": userID}, nil)
	return err
}

// PostMediaUpload uploads raw bytes to the homeserver media repository and
// returns the resulting mxc:// content URI. Used by the PlumbedRoom pastebin
// fallback for over-long messages (§4.G).
func (c *Client) PostMediaUpload(ctx context.Context, data []byte, contentType string) (string, error) {
	var uri string
	err := c.withRetry(ctx, func() error {
		resp, err := c.mx.UploadBytes(ctx, data, contentType)
		if err != nil {
			return err
		}
		uri = resp.ContentURI.String()
		return nil
	})
	return uri, err
}

// isAPIError reports whether err is a terminal Matrix API error (a response
// carrying an errcode) as opposed to a retryable transport failure.
func isAPIError(err error) bool {
	var httpErr mautrix.HTTPError
	return errors.As(err, &httpErr) && httpErr.RespError != nil
}

// MXCToURL renders an mxc:// URI as a plain HTTP media link, for contexts
// (PlumbedRoom, MEDIAURL) where the bridge must emit a fetchable link
// instead of the mxc URI IRC clients cannot resolve.
func MXCToURL(mediaBaseURL, mxcURI string) string {
	const prefix = "mxc://"
	trimmed := mxcURI
	if len(trimmed) > len(prefix) && trimmed[:len(prefix)] == prefix {
		trimmed = trimmed[len(prefix):]
	}
	return fmt.Sprintf("%s/%s", trimBaseSlash(mediaBaseURL), trimmed)
}

func trimBaseSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
