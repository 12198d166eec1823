// Package sweeper runs the periodic background maintenance pass:
// lease reclamation, TTL expiry, ephemeral purge, terminal-state
// cleanup, round-table expiry, and heartbeat-status refresh, in that
// order. The ticker-driven run loop follows the shape of the queue
// runner's empty-backoff loop (pkg/queue/consumer.go), simplified to a
// fixed-interval ticker since sweeper passes are unconditional rather
// than poll-until-found.
package sweeper

import (
	"context"
	"time"

	"github.com/admp/hub/internal/roundtable"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

type Sweeper struct {
	store     storage.Store
	roundTables *roundtable.Service
	log       *telemetry.Logger
	metrics   *telemetry.Counters
	interval  time.Duration
	retention time.Duration
	heartbeatTimeout time.Duration
}

func New(store storage.Store, roundTables *roundtable.Service, log *telemetry.Logger, metrics *telemetry.Counters, interval, retention, heartbeatTimeout time.Duration) *Sweeper {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = &telemetry.Counters{}
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Sweeper{
		store: store, roundTables: roundTables, log: log, metrics: metrics,
		interval: interval, retention: retention, heartbeatTimeout: heartbeatTimeout,
	}
}

// Run blocks until ctx is canceled, invoking Pass on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs one sweep in the fixed order specifies.
func (s *Sweeper) Pass(ctx context.Context) {
	now := time.Now().UTC()

	leases, err := s.store.ExpireLeases(ctx, now)
	if err != nil {
		s.log.Error("sweeper: expire_leases failed", telemetry.F("error", err.Error()))
	} else if leases > 0 {
		s.metrics.AddLeasesReclaimed(int64(leases))
	}

	expired, err := s.store.ExpireMessages(ctx, now)
	if err != nil {
		s.log.Error("sweeper: expire_messages failed", telemetry.F("error", err.Error()))
	} else if expired > 0 {
		s.metrics.AddMessagesExpired(int64(expired))
	}

	purged, err := s.store.PurgeExpiredEphemeral(ctx, now)
	if err != nil {
		s.log.Error("sweeper: purge_expired_ephemeral failed", telemetry.F("error", err.Error()))
	} else if purged > 0 {
		s.metrics.AddEphemeralPurged(int64(purged))
	}

	cleaned, err := s.store.CleanupTerminalMessages(ctx, now, s.retention)
	if err != nil {
		s.log.Error("sweeper: cleanup_terminal_messages failed", telemetry.F("error", err.Error()))
	} else if cleaned > 0 {
		s.metrics.AddTerminalCleaned(int64(cleaned))
	}

	if s.roundTables != nil {
		if n, err := s.roundTables.ExpireDue(ctx, now); err != nil {
			s.log.Error("sweeper: round table expiry failed", telemetry.F("error", err.Error()))
		} else if n > 0 {
			s.log.Info("sweeper: round tables expired", telemetry.F("count", n))
		}
	}

	// Heartbeat-status refresh is advisory and derived on read
	// (model.Agent.Status) rather than persisted, so there is nothing
	// to write here; the pass still counts toward sweeper metrics.
	s.metrics.IncSweeperPasses()
	s.log.Info("sweeper pass complete",
		telemetry.F("leases_reclaimed", leases),
		telemetry.F("messages_expired", expired),
		telemetry.F("ephemeral_purged", purged),
		telemetry.F("terminal_cleaned", cleaned),
	)
}
