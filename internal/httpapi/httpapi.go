// Package httpapi is the HTTP adapter: a gorilla/mux
// router over the core services (agent, inbox, group, roundtable),
// outer middleware (CORS, rate limiting, request id, master-key auth),
// per-request HTTP-Signature verification for agent-scoped
// state-changing calls, and an optional websocket push hint. Grounded on
// services/control-plane/registry/main.go's mux.NewRouter/Methods/
// mux.Vars usage and services/gateway/internal/middleware's layering
// order (requestLoggingMiddleware(withCORS(withAuth(r)))).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/apikey"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/httpapi/middleware"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/roundtable"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

// Deps is every dependency the HTTP layer needs; cmd/admp-hub/main.go
// constructs one of these after wiring the core services.
type Deps struct {
	Store       storage.Store
	Agents      *agent.Service
	Inbox       *inbox.Service
	Groups      *group.Service
	RoundTables *roundtable.Service
	APIKeys     *apikey.Service
	Metrics     *telemetry.Counters
	Log         *telemetry.Logger
	StreamHub   *StreamHub

	CORSOrigin     string
	APIKeyRequired bool
	MasterAPIKey   string
	RateLimitRPM   int
	RateLimitBurst int

	// StartedAt is recorded once at process start for GET /health's uptime field.
	StartedAt time.Time
}

type server struct {
	Deps
}

// NewRouter builds the full handler chain: outer middleware wrapping a
// gorilla/mux router carrying every route.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = telemetry.Nop
	}
	if d.Metrics == nil {
		d.Metrics = &telemetry.Counters{}
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.APIKeys == nil {
		d.APIKeys = apikey.New(d.Store, d.Log)
	}
	s := &server{Deps: d}

	r := mux.NewRouter()
	s.registerAgentRoutes(r)
	s.registerInboxRoutes(r)
	s.registerGroupRoutes(r)
	s.registerRoundTableRoutes(r)
	s.registerAPIKeyRoutes(r)
	s.registerMiscRoutes(r)
	s.registerStreamRoutes(r)

	limiter := middleware.NewLimiter(d.RateLimitRPM, d.RateLimitBurst)
	handler := middleware.RequestID(newRequestID)(
		middleware.CORS(d.CORSOrigin)(
			middleware.RateLimit(limiter)(
				middleware.MasterKey(d.APIKeyRequired, d.MasterAPIKey)(
					recoverer(r, d.Log),
				),
			),
		),
	)
	return handler
}

func recoverer(next http.Handler, log *telemetry.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered", telemetry.F("panic", rec), telemetry.F("stack", string(debug.Stack())))
				writeError(w, apperr.New(apperr.Internal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

////////////////////////////////////////////////////////////////////////////
// Shared response helpers
////////////////////////////////////////////////////////////////////////////

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	apperr.WriteJSON(w, err)
}

// decodeJSON is the single body-decoding chokepoint; it caps body size
// to inbox.MaxBodyBytes plus headroom for envelope metadata so a client
// can't force unbounded buffering ahead of the service layer's own check.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(inbox.MaxBodyBytes)+4096)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err.Error() == "EOF" {
			return true
		}
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

// reclaimLeases runs the same ExpireLeases pass the sweeper runs on its
// ticker, triggered eagerly by a client's reclaim request.
func (s *server) reclaimLeases(ctx context.Context) (int, error) {
	return s.Store.ExpireLeases(ctx, time.Now().UTC())
}

func secondsToDuration(sec int64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
