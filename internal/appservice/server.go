// Package appservice implements the Matrix application-service HTTP
// listener (§4.H): authenticating and routing PUT /transactions/{id}
// (both the legacy and /_matrix/app/v1 paths) to the bridge controller.
package appservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/event"

	"github.com/heisenbridge-go/heisenbridge/internal/bridge"
	"github.com/heisenbridge-go/heisenbridge/internal/config"
)

// maxSeenTransactions bounds the idempotency cache of processed txn ids,
// matching the practical reality that a homeserver only retries the most
// recent handful of failed deliveries.
const maxSeenTransactions = 256

// Server is the appservice's inbound HTTP endpoint.
type Server struct {
	Addr string
	Reg  *config.Registration
	Br   *bridge.Bridge

	mu      sync.Mutex
	seen    map[string]bool
	seenOrd []string
	httpSrv *http.Server
}

func New(addr string, reg *config.Registration, br *bridge.Bridge) *Server {
	return &Server{Addr: addr, Reg: reg, Br: br, seen: map[string]bool{}}
}

// handler builds the appservice's routed HTTP handler, split out from Run so
// tests can exercise routing/auth against an httptest.Server without binding
// a real listener.
func (s *Server) handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.authMiddleware)

	router.HandleFunc("/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	router.HandleFunc("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	router.HandleFunc("/users/{userID}", s.handleUserQuery).Methods(http.MethodGet)
	router.HandleFunc("/_matrix/app/v1/users/{userID}", s.handleUserQuery).Methods(http.MethodGet)
	router.HandleFunc("/_matrix/app/v1/ping", s.handlePing).Methods(http.MethodPost)

	return router
}

// Run starts serving and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.Addr, Handler: s.handler()}

	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Close()
	}()

	log.Printf("[appservice] listening on %s", s.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("appservice http server: %w", err)
	}
	return nil
}

// authMiddleware checks the homeserver's access token against hs_token, per
// the appservice registration handshake.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token != s.Reg.HSToken {
			http.Error(w, `{"errcode":"M_FORBIDDEN","error":"bad hs_token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txnID"]

	if s.markSeen(txnID) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
		return
	}

	var body struct {
		Events []*event.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"errcode":"M_BAD_JSON"}`, http.StatusBadRequest)
		return
	}

	prepareEvents(body.Events)
	s.Br.HandleTransaction(r.Context(), body.Events)

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

// handleUserQuery always answers 404: the bridge mints puppets proactively
// via ensure_puppet rather than lazily on homeserver query (§4.D).
func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	http.Error(w, `{"errcode":"M_NOT_FOUND"}`, http.StatusNotFound)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

// prepareEvents fixes up raw transaction events the way mautrix's own
// appservice module does: the type class is not on the wire, so it is
// derived from the presence of a state key before the content is parsed
// into its typed form. Unknown event types keep their raw content.
func prepareEvents(events []*event.Event) {
	for _, evt := range events {
		if evt.StateKey != nil {
			evt.Type.Class = event.StateEventType
		} else {
			evt.Type.Class = event.MessageEventType
		}
		_ = evt.Content.ParseRaw(evt.Type)
	}
}

func (s *Server) markSeen(txnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[txnID] {
		return true
	}

	s.seen[txnID] = true
	s.seenOrd = append(s.seenOrd, txnID)
	if len(s.seenOrd) > maxSeenTransactions {
		oldest := s.seenOrd[0]
		s.seenOrd = s.seenOrd[1:]
		delete(s.seen, oldest)
	}
	return false
}
