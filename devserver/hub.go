package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

const writeTimeout = 5 * time.Second

// hub tracks realtime connections per user and fans out notifications.
type hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

func (h *hub) add(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

func (h *hub) remove(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[userID], c)
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
}

func (h *hub) count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

func (h *hub) snapshot(userID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		out = append(out, c)
	}
	return out
}

func (h *hub) publish(userID string, ev sitelink.NotificationEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal notification")
		return
	}
	data, err := json.Marshal(sitelink.RealtimeEnvelope{Type: sitelink.EventNotification, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal envelope")
		return
	}

	for _, c := range h.snapshot(userID) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			h.logger.Debug().Err(err).Str("user_id", userID).Msg("realtime write failed")
		}
		cancel()
	}
}

func (h *hub) drop(userID string) {
	for _, c := range h.snapshot(userID) {
		c.Close(websocket.StatusGoingAway, "dropped")
	}
}

// handleWS authenticates the token query parameter, sends the authenticated
// event and keeps the connection registered until the client goes away. An
// invalid token is closed with a policy violation so clients stop retrying.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	caller, err := s.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Info().Err(err).Msg("realtime token rejected")
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	payload, _ := json.Marshal(sitelink.AuthenticatedPayload{UserID: caller.UserID})
	hello, _ := json.Marshal(sitelink.RealtimeEnvelope{Type: sitelink.EventAuthenticated, Payload: payload})
	wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	s.hub.add(caller.UserID, conn)
	defer s.hub.remove(caller.UserID, conn)
	s.logger.Debug().Str("user_id", caller.UserID).Msg("realtime connected")

	// CloseRead answers pings and returns a context done when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}
