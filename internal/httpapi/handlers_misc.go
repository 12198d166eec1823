package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/admp/hub/internal/telemetry"
)

// registerMiscRoutes wires the two boundary endpoints that sit outside
// the agent/inbox/group/round-table resource trees: liveness and
// process-wide counters.
func (s *server) registerMiscRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageOK := s.Store.Ping(r.Context()) == nil
	h := telemetry.NewHealth(s.StartedAt, storageOK)
	status := http.StatusOK
	if !storageOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}
