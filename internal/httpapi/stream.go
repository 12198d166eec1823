// Optional websocket push-notify channel: an agent that holds an open
// connection gets a hint the instant a message is enqueued for it,
// alongside the authoritative pull path and the webhook dispatcher.
// The hint carries no body — a disconnect or dropped frame loses
// nothing a subsequent pull wouldn't recover. Modeled on
// services/crypto-stream/main.go's websocket dial/reconnect loop and
// the (deleted) connector-hub websocket connector's per-client fan-out
// registry, generalized from "push ticks to subscribers" to "ping one
// agent's own connections".
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/telemetry"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHub fans a "message enqueued" hint out to every open connection
// for a recipient agent. The zero value is unusable; construct with
// NewStreamHub. Safe for concurrent use.
type StreamHub struct {
	log *telemetry.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewStreamHub(log *telemetry.Logger) *StreamHub {
	if log == nil {
		log = telemetry.Nop
	}
	return &StreamHub{log: log, conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *StreamHub) add(agentID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[agentID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[agentID] = set
	}
	set[c] = struct{}{}
}

func (h *StreamHub) remove(agentID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[agentID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, agentID)
	}
}

// Notify implements inbox.WebhookHandoff's shape so it can be attached
// to inbox.Service as a second, independent notifier alongside the
// webhook dispatcher (see inbox.Service.WithStreamHub). It never
// touches message state and never blocks Send: each write gets its own
// short deadline and a slow or dead peer is dropped, not waited on.
func (h *StreamHub) Notify(agentID string, m model.Message) {
	h.mu.Lock()
	set := h.conns[agentID]
	targets := make([]*websocket.Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	hint := streamHint{Event: "message.enqueued", MessageID: m.ID, Subject: m.Subject}
	for _, c := range targets {
		_ = c.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.WriteJSON(hint); err != nil {
			h.log.Debug("stream push failed", telemetry.F("agent_id", agentID), telemetry.F("error", err.Error()))
			_ = c.Close()
			h.remove(agentID, c)
		}
	}
}

type streamHint struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject,omitempty"`
}

func (s *server) registerStreamRoutes(r *mux.Router) {
	r.HandleFunc("/api/agents/{id}/inbox/stream", s.handleInboxStream).Methods(http.MethodGet)
}

// handleInboxStream upgrades the connection after the same HTTP
// Signature check used for the agent-scoped state-changing routes
// (rotate-key, trust-list edits, webhook config); there's no envelope body
// to sign here, only the caller's own identity.
func (s *server) handleInboxStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Agents.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	if s.StreamHub == nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "streaming not enabled"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Debug("stream upgrade failed", telemetry.F("agent_id", id), telemetry.F("error", err.Error()))
		return
	}
	s.StreamHub.add(id, conn)
	defer func() {
		s.StreamHub.remove(id, conn)
		_ = conn.Close()
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
