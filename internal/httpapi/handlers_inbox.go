package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
)

func (s *server) registerInboxRoutes(r *mux.Router) {
	r.HandleFunc("/api/agents/{to}/messages", s.handleMessageSend).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/inbox/pull", s.handleInboxPull).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/inbox/stats", s.handleInboxStats).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/inbox/reclaim", s.handleInboxReclaim).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/messages/{mid}/ack", s.handleMessageAck).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/messages/{mid}/nack", s.handleMessageNack).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/messages/{mid}/reply", s.handleMessageReply).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/messages/{mid}/status", s.handleMessageStatus).Methods(http.MethodGet, http.MethodOptions)
}

type sendBody struct {
	Version         string          `json:"version"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	From            string          `json:"from"`
	Subject         string          `json:"subject"`
	Body            json.RawMessage `json:"body"`
	Timestamp       string          `json:"timestamp"`
	CorrelationID   string          `json:"correlation_id"`
	TTLSec          int64           `json:"ttl_sec"`
	Signature       model.Signature `json:"signature"`
	Ephemeral       bool            `json:"ephemeral"`
	EphemeralTTLSec int64           `json:"ephemeral_ttl_sec"`
}

func (s *server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	to := mux.Vars(r)["to"]
	var in sendBody
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Timestamp == "" {
		in.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m, err := s.Inbox.Send(r.Context(), inbox.SendInput{
		Version: in.Version, ID: in.ID, Type: in.Type, From: in.From, To: to,
		Subject: in.Subject, Body: in.Body, Timestamp: in.Timestamp,
		CorrelationID: in.CorrelationID, TTLSec: in.TTLSec, Signature: in.Signature,
		Ephemeral: in.Ephemeral, EphemeralTTLSec: in.EphemeralTTLSec,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type pullBody struct {
	VisibilityTimeoutSec int64 `json:"visibility_timeout"`
}

func (s *server) handleInboxPull(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in pullBody
	if !decodeJSON(w, r, &in) {
		return
	}
	m, ok, err := s.Inbox.Pull(r.Context(), id, secondsToDuration(in.VisibilityTimeoutSec))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleInboxStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.Inbox.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleInboxReclaim force-runs lease reclamation, the sweeper's job, on
// demand. The ExpireLeases storage call it triggers reclaims expired
// leases across every agent, not only this one; leases_reclaimed counts
// all of them, while the returned stats are this agent's inbox. The
// actual reclaim logic lives in the storage layer.
func (s *server) handleInboxReclaim(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Agents.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.reclaimLeases(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.StorageUnavailable, err.Error()))
		return
	}
	st, err := s.Inbox.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases_reclaimed": n, "stats": st})
}

type ackBody struct {
	Result json.RawMessage `json:"result"`
}

func (s *server) handleMessageAck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var in ackBody
	if !decodeJSON(w, r, &in) {
		return
	}
	m, err := s.Inbox.Ack(r.Context(), vars["id"], vars["mid"], in.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type nackBody struct {
	ExtendSec int64 `json:"extend_sec"`
	Requeue   bool  `json:"requeue"`
}

func (s *server) handleMessageNack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var in nackBody
	if !decodeJSON(w, r, &in) {
		return
	}
	m, err := s.Inbox.Nack(r.Context(), vars["id"], vars["mid"], inbox.NackInput{ExtendSec: in.ExtendSec, Requeue: in.Requeue})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type replyBody struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body"`
}

func (s *server) handleMessageReply(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var in replyBody
	if !decodeJSON(w, r, &in) {
		return
	}
	m, err := s.Inbox.Reply(r.Context(), vars["id"], vars["mid"], in.Subject, in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	mid := mux.Vars(r)["mid"]
	res, err := s.Inbox.Status(r.Context(), mid)
	if err != nil {
		if res.Gone {
			writeJSON(w, http.StatusGone, res.Message)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Message)
}
