package appservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/bridge"
	"github.com/heisenbridge-go/heisenbridge/internal/config"
)

// fakeSyncServer speaks just enough of fi.mau.as_sync to exercise
// runWebsocketOnce: it upgrades once, sends a single transaction frame, reads
// back the ack, then closes.
func fakeSyncServer(t *testing.T, token string, acked chan<- struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		err = conn.WriteJSON(wsTransactionMessage{
			Status:  "ok",
			Command: "transaction",
			ID:      1,
			TxnID:   "wstxn1",
			Events:  []*event.Event{{Type: event.EventMessage, RoomID: id.RoomID("!nonexistent:example.org")}},
		})
		if err != nil {
			t.Fatalf("write transaction: %v", err)
		}

		var ack map[string]any
		if err := conn.ReadJSON(&ack); err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if ack["command"] != "response" {
			t.Fatalf("expected response command, got %v", ack["command"])
		}
		close(acked)
	}))
}

func TestRunWebsocketOnce_AcksTransaction(t *testing.T) {
	reg := &config.Registration{HSToken: "secret-hs-token", ASToken: "secret-as-token"}
	br := bridge.New("example.org", id.UserID("@ircbot:example.org"), reg, nil)
	s := New("unused", reg, br)

	acked := make(chan struct{})
	ts := fakeSyncServer(t, reg.ASToken, acked)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+reg.ASToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.runWebsocketOnce(ctx, wsURL, header) }()

	select {
	case <-acked:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	cancel()
	<-done
}

func TestRunWebsocketOnce_RejectsBadToken(t *testing.T) {
	reg := &config.Registration{HSToken: "secret-hs-token", ASToken: "secret-as-token"}
	br := bridge.New("example.org", id.UserID("@ircbot:example.org"), reg, nil)
	s := New("unused", reg, br)

	ts := fakeSyncServer(t, "different-token", make(chan struct{}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.runWebsocketOnce(ctx, wsURL, header); err == nil {
		t.Fatal("expected dial to fail with a bad token")
	}
}
