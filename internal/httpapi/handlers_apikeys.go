package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/admp/hub/internal/apikey"
	apperr "github.com/admp/hub/internal/errors"
)

// registerAPIKeyRoutes wires the single admin-facing endpoint for
// minting issued API keys; it sits behind the master-key gate like
// every other /api/* route, so it's only reachable at all when
// API_KEY_REQUIRED is set (the handler refuses with Forbidden when the
// gate is off or no MASTER_API_KEY is configured).
func (s *server) registerAPIKeyRoutes(r *mux.Router) {
	r.HandleFunc("/api/admin/keys", s.handleIssueAPIKey).Methods(http.MethodPost, http.MethodOptions)
}

type issueKeyBody struct {
	Scope  string `json:"scope"`
	TTLSec int64  `json:"ttl_sec"`
}

type issueKeyResponse struct {
	KeyID     string `json:"key_id"`
	Key       string `json:"key"`
	Scope     string `json:"scope"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (s *server) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.APIKeyRequired || s.MasterAPIKey == "" {
		writeError(w, apperr.New(apperr.Forbidden, "issuing api keys requires API_KEY_REQUIRED and MASTER_API_KEY"))
		return
	}
	var in issueKeyBody
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Scope == "" {
		writeError(w, apperr.New(apperr.MissingField, "scope is required"))
		return
	}
	res, err := s.APIKeys.Issue(r.Context(), apikey.IssueInput{
		Scope: in.Scope,
		TTL:   secondsToDuration(in.TTLSec),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := issueKeyResponse{KeyID: res.Record.KeyID, Key: res.Key, Scope: res.Record.Scope}
	if res.Record.ExpiresAt != nil {
		resp.ExpiresAt = res.Record.ExpiresAt.Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	writeJSON(w, http.StatusCreated, resp)
}
