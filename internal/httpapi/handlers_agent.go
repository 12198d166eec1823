package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/admp/hub/internal/agent"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
)

func (s *server) registerAgentRoutes(r *mux.Router) {
	r.HandleFunc("/api/agents/register", s.handleAgentRegister).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents", s.handleAgentList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}", s.handleAgentGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}", s.handleAgentDelete).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/heartbeat", s.handleAgentHeartbeat).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/rotate-key", s.handleAgentRotateKey).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/trusted", s.handleTrustedList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/trusted", s.handleTrustedAdd).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/trusted/{trusted}", s.handleTrustedRemove).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/webhook", s.handleWebhookGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/webhook", s.handleWebhookSet).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/agents/{id}/webhook", s.handleWebhookDelete).Methods(http.MethodDelete, http.MethodOptions)
}

type registerBody struct {
	AgentID      string            `json:"agent_id"`
	Seed         string            `json:"seed"` // base64, optional
	AgentType    string            `json:"agent_type"`
	Metadata     map[string]string `json:"metadata"`
	WebhookURL   string            `json:"webhook_url"`
	WebhookSecret string           `json:"webhook_secret"`
}

type registerResponse struct {
	Agent            model.Agent             `json:"agent"`
	SecretKey        string                  `json:"secret_key,omitempty"`
	RegistrationMode model.RegistrationMode  `json:"registration_mode"`
}

// provisioningKeyScope is the scope a single-use key must carry to
// authorize a registration in its place; "register" admits any
// agent_id, "register:<agent_id>" is bound to that one.
func provisioningKeyScope(agentID string) []string {
	if agentID == "" {
		return []string{"register"}
	}
	return []string{"register", "register:" + agentID}
}

func (s *server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var in registerBody
	if !decodeJSON(w, r, &in) {
		return
	}
	if presented := r.Header.Get("X-ADMP-Provision-Key"); presented != "" {
		rec, err := s.APIKeys.VerifyAndBurn(r.Context(), presented)
		if err != nil {
			writeError(w, err)
			return
		}
		allowed := false
		for _, scope := range provisioningKeyScope(in.AgentID) {
			if rec.Scope == scope {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, apperr.New(apperr.Forbidden, "api key scope does not authorize this registration"))
			return
		}
	}
	var seed []byte
	if in.Seed != "" {
		b, err := base64.StdEncoding.DecodeString(in.Seed)
		if err != nil {
			writeError(w, apperr.New(apperr.InvalidRequest, "seed must be base64"))
			return
		}
		seed = b
	}
	res, err := s.Agents.Register(r.Context(), agent.RegisterInput{
		AgentID: in.AgentID, Seed: seed, AgentType: in.AgentType, Metadata: in.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if in.WebhookURL != "" {
		if updated, err := s.Agents.SetWebhook(r.Context(), res.Agent.AgentID, in.WebhookURL, in.WebhookSecret); err == nil {
			res.Agent = updated
		}
	}
	resp := registerResponse{Agent: res.Agent, RegistrationMode: res.RegistrationMode}
	if len(res.SecretKey) > 0 {
		resp.SecretKey = base64.StdEncoding.EncodeToString(res.SecretKey)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	filter := storage.AgentFilter{
		AgentType: r.URL.Query().Get("agent_type"),
		Status:    model.AgentStatus(r.URL.Query().Get("status")),
	}
	agents, err := s.Agents.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Agents.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.Agents.Heartbeat(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type rotateKeyBody struct {
	NewPublicKey string `json:"new_public_key"` // base64
	KeepOldGraceSec int64 `json:"keep_old_grace_sec"`
}

func (s *server) handleAgentRotateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	var in rotateKeyBody
	if !decodeJSON(w, r, &in) {
		return
	}
	newPub, err := base64.StdEncoding.DecodeString(in.NewPublicKey)
	if err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "new_public_key must be base64"))
		return
	}
	a, err := s.Agents.RotateKey(r.Context(), id, newPub, secondsToDuration(in.KeepOldGraceSec))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleTrustedList(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trusted_agents": a.TrustedAgents})
}

type trustedBody struct {
	AgentID string `json:"agent_id"`
}

func (s *server) handleTrustedAdd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	var in trustedBody
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.AgentID == "" {
		writeError(w, apperr.New(apperr.MissingField, "agent_id is required"))
		return
	}
	a, err := s.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	list := append([]string{}, a.TrustedAgents...)
	for _, t := range list {
		if t == in.AgentID {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	list = append(list, in.AgentID)
	updated, err := s.Agents.Update(r.Context(), id, agent.UpdateInput{TrustedAgents: &list})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleTrustedRemove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, trusted := vars["id"], vars["trusted"]
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	list := make([]string, 0, len(a.TrustedAgents))
	for _, t := range a.TrustedAgents {
		if t != trusted {
			list = append(list, t)
		}
	}
	updated, err := s.Agents.Update(r.Context(), id, agent.UpdateInput{TrustedAgents: &list})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.Agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_url": a.WebhookURL})
}

type webhookBody struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *server) handleWebhookSet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	var in webhookBody
	if !decodeJSON(w, r, &in) {
		return
	}
	a, err := s.Agents.SetWebhook(r.Context(), id, in.URL, in.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.verifyAgentSignature(r.Context(), r, id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.Agents.SetWebhook(r.Context(), id, "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
