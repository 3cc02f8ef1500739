package appservice

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/heisenbridge-go/heisenbridge/internal/bridge"
	"github.com/heisenbridge-go/heisenbridge/internal/config"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := &config.Registration{HSToken: "secret-hs-token"}
	br := bridge.New("example.org", id.UserID("@ircbot:example.org"), reg, nil)
	s := New("unused", reg, br)

	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/_matrix/app/v1/ping", "application/json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	_, ts := testServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/_matrix/app/v1/ping", nil)
	req.Header.Set("Authorization", "Bearer secret-hs-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_AcceptsQueryToken(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/_matrix/app/v1/ping?access_token=secret-hs-token", "application/json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleTransaction_IsIdempotent(t *testing.T) {
	s, ts := testServer(t)
	_ = s

	body := `{"events":[{"type":"m.room.message","room_id":"!nonexistent:example.org"}]}`

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/_matrix/app/v1/transactions/txn1", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-hs-token")

	for i := 0; i < 2; i++ {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
		req, _ = http.NewRequest(http.MethodPut, ts.URL+"/_matrix/app/v1/transactions/txn1", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer secret-hs-token")
	}
}

func TestHandleUserQuery_AlwaysNotFound(t *testing.T) {
	_, ts := testServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/_matrix/app/v1/users/@irc_net_alice:example.org", nil)
	req.Header.Set("Authorization", "Bearer secret-hs-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMarkSeen_EvictsOldest(t *testing.T) {
	s := &Server{seen: map[string]bool{}}
	for i := 0; i < maxSeenTransactions+10; i++ {
		s.markSeen(strconv.Itoa(i))
	}
	s.mu.Lock()
	n := len(s.seenOrd)
	s.mu.Unlock()
	if n > maxSeenTransactions {
		t.Fatalf("expected seenOrd bounded at %d, got %d", maxSeenTransactions, n)
	}
}

func TestMarkSeen_ReportsAlreadySeen(t *testing.T) {
	s := &Server{seen: map[string]bool{}}
	if s.markSeen("txn1") {
		t.Fatal("expected first call to report not-yet-seen")
	}
	if !s.markSeen("txn1") {
		t.Fatal("expected second call to report already-seen")
	}
}
