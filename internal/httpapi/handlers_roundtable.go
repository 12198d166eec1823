package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/roundtable"
)

func (s *server) registerRoundTableRoutes(r *mux.Router) {
	r.HandleFunc("/api/round-tables", s.handleRoundTableCreate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/round-tables/{id}", s.handleRoundTableGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/round-tables/{id}/speak", s.handleRoundTableSpeak).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/round-tables/{id}/resolve", s.handleRoundTableResolve).Methods(http.MethodPost, http.MethodOptions)
}

type roundTableCreateBody struct {
	Topic        string   `json:"topic"`
	Goal         string   `json:"goal"`
	Facilitator  string   `json:"facilitator"`
	Participants []string `json:"participants"`
	TTLSec       int64    `json:"ttl_sec"`
}

func (s *server) handleRoundTableCreate(w http.ResponseWriter, r *http.Request) {
	var in roundTableCreateBody
	if !decodeJSON(w, r, &in) {
		return
	}
	var ttl time.Duration
	if in.TTLSec > 0 {
		ttl = time.Duration(in.TTLSec) * time.Second
	}
	rt, err := s.RoundTables.Create(r.Context(), roundtable.CreateInput{
		Topic:        in.Topic,
		Goal:         in.Goal,
		Facilitator:  in.Facilitator,
		Participants: in.Participants,
		TTL:          ttl,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *server) handleRoundTableGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := r.URL.Query().Get("caller")
	if caller == "" {
		writeError(w, apperr.New(apperr.MissingField, "caller is required"))
		return
	}
	rt, err := s.RoundTables.Get(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type speakBody struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

func (s *server) handleRoundTableSpeak(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in speakBody
	if !decodeJSON(w, r, &in) {
		return
	}
	rt, err := s.RoundTables.Speak(r.Context(), id, in.From, in.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type resolveBody struct {
	Caller   string `json:"caller"`
	Outcome  string `json:"outcome"`
	Decision string `json:"decision"`
}

func (s *server) handleRoundTableResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in resolveBody
	if !decodeJSON(w, r, &in) {
		return
	}
	rt, err := s.RoundTables.Resolve(r.Context(), id, in.Caller, in.Outcome, in.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
