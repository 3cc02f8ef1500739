package appservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"maunium.net/go/mautrix/event"
)

// wsReconnectDelay is how long the websocket transport waits before
// redialing after a dropped connection or dial failure.
const wsReconnectDelay = 5 * time.Second

// wsTransactionMessage is one frame received over the fi.mau.as_sync
// websocket, carrying the same events a /transactions PUT body would.
type wsTransactionMessage struct {
	Status  string         `json:"status"`
	Command string         `json:"command"`
	ID      int64          `json:"id"`
	TxnID   string         `json:"txn_id"`
	Events  []*event.Event `json:"events"`
}

// RunWebsocket runs the fi.mau.as_sync appservice transport: instead of the
// homeserver delivering transactions via PUT /transactions/{id}, the bridge
// dials out to the homeserver's sync websocket and receives the same
// transaction batches as frames, acking each with a "response" command.
// This is an alternative to Run, not a replacement for it — a deployment
// picks one transport or the other depending on whether its homeserver
// supports fi.mau.as_sync.
func (s *Server) RunWebsocket(ctx context.Context, homeserverURL string) error {
	wsURL := strings.TrimSuffix(homeserverURL, "/") + "/_matrix/client/unstable/fi.mau.as_sync"
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Reg.ASToken)
	header.Set("X-Mautrix-Websocket-Version", "3")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.runWebsocketOnce(ctx, wsURL, header); err != nil {
			log.Printf("[appservice] websocket transport error: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (s *Server) runWebsocketOnce(ctx context.Context, wsURL string, header http.Header) error {
	log.Printf("[appservice] connecting to %s", wsURL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Printf("[appservice] websocket connected")

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var msg wsTransactionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if msg.Status != "ok" || msg.Command != "transaction" {
			log.Printf("[appservice] unhandled websocket command: %s", msg.Command)
			continue
		}

		if !s.markSeen(msg.TxnID) {
			prepareEvents(msg.Events)
			s.Br.HandleTransaction(ctx, msg.Events)
		}

		ack, err := json.Marshal(map[string]any{
			"command": "response",
			"id":      msg.ID,
			"data":    map[string]any{},
		})
		if err != nil {
			return fmt.Errorf("marshal ack: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return fmt.Errorf("write ack: %w", err)
		}
	}
}
