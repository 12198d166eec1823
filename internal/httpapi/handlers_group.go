package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
)

func (s *server) registerGroupRoutes(r *mux.Router) {
	r.HandleFunc("/api/groups", s.handleGroupCreate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/groups", s.handleGroupList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}", s.handleGroupGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}", s.handleGroupDelete).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/join", s.handleGroupJoin).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/leave", s.handleGroupLeave).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/members", s.handleGroupMembers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/members", s.handleGroupAddMember).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/members/{agentID}", s.handleGroupRemoveMember).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/messages", s.handleGroupPost).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/groups/{id}/messages", s.handleGroupHistory).Methods(http.MethodGet, http.MethodOptions)
}

type groupCreateBody struct {
	Name     string              `json:"name"`
	Creator  string              `json:"creator"`
	Access   model.GroupAccess   `json:"access"`
	JoinKey  string              `json:"join_key"`
	Settings model.GroupSettings `json:"settings"`
}

func (s *server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var in groupCreateBody
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.Groups.Create(r.Context(), group.CreateInput{
		Name: in.Name, Creator: in.Creator, Access: in.Access, JoinKey: in.JoinKey, Settings: in.Settings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	filter := storage.GroupFilter{
		Creator: r.URL.Query().Get("creator"),
		Access:  model.GroupAccess(r.URL.Query().Get("access")),
	}
	groups, err := s.Groups.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g, err := s.Groups.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := r.URL.Query().Get("caller")
	if caller == "" {
		writeError(w, apperr.New(apperr.MissingField, "caller is required"))
		return
	}
	if err := s.Groups.Delete(r.Context(), id, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type joinBody struct {
	AgentID string `json:"agent_id"`
	JoinKey string `json:"join_key"`
}

func (s *server) handleGroupJoin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in joinBody
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.Groups.Join(r.Context(), id, in.AgentID, in.JoinKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type leaveBody struct {
	AgentID string `json:"agent_id"`
}

func (s *server) handleGroupLeave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in leaveBody
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.Groups.Leave(r.Context(), id, in.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	members, err := s.Groups.Members(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type addMemberBody struct {
	Caller  string          `json:"caller"`
	AgentID string          `json:"agent_id"`
	Role    model.GroupRole `json:"role"`
}

func (s *server) handleGroupAddMember(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in addMemberBody
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.Groups.AddMember(r.Context(), id, in.Caller, in.AgentID, in.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleGroupRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	caller := r.URL.Query().Get("caller")
	if caller == "" {
		writeError(w, apperr.New(apperr.MissingField, "caller is required"))
		return
	}
	g, err := s.Groups.RemoveMember(r.Context(), vars["id"], caller, vars["agentID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type groupPostBody struct {
	Sender  string          `json:"sender"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body"`
}

func (s *server) handleGroupPost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in groupPostBody
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := s.Groups.Post(r.Context(), id, in.Sender, in.Subject, in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := r.URL.Query().Get("caller")
	if caller == "" {
		writeError(w, apperr.New(apperr.MissingField, "caller is required"))
		return
	}
	limit := queryInt(r, "limit", 0)
	msgs, err := s.Groups.History(r.Context(), id, caller, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
