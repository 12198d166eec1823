package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/roundtable"
	"github.com/admp/hub/internal/storage/memory"
	"github.com/admp/hub/internal/telemetry"
)

func TestPassReclaimsExpiredLease(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()
	store.CreateMessage(ctx, model.Message{
		ID: "m1", To: "bob", Status: model.StatusLeased,
		LeaseUntilMS: now.Add(-time.Second).UnixMilli(),
	})

	metrics := &telemetry.Counters{}
	s := New(store, nil, nil, metrics, time.Hour, time.Hour, 0)
	s.Pass(ctx)

	m, _, _ := store.GetMessage(ctx, "m1")
	if m.Status != model.StatusQueued {
		t.Fatalf("expected the expired lease to be reclaimed, got status=%s", m.Status)
	}
	if metrics.Snapshot().LeasesReclaimed != 1 {
		t.Fatalf("expected leases_reclaimed=1, got %d", metrics.Snapshot().LeasesReclaimed)
	}
}

func TestPassPurgesExpiredEphemeralAndCountsPasses(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()
	store.CreateMessage(ctx, model.Message{
		ID: "m1", To: "bob", Status: model.StatusQueued, Ephemeral: true,
		Body: []byte(`{"x":1}`), ExpiresAtMS: now.Add(-time.Second).UnixMilli(),
	})

	metrics := &telemetry.Counters{}
	s := New(store, nil, nil, metrics, time.Hour, time.Hour, 0)
	s.Pass(ctx)
	s.Pass(ctx)

	m, _, _ := store.GetMessage(ctx, "m1")
	if m.Body != nil {
		t.Fatal("expected ephemeral message body to be purged")
	}
	snap := metrics.Snapshot()
	if snap.EphemeralPurged != 1 {
		t.Fatalf("expected ephemeral_purged=1 (purge is not re-applied on the second pass), got %d", snap.EphemeralPurged)
	}
	if snap.SweeperPasses != 2 {
		t.Fatalf("expected sweeper_passes=2 after two Pass calls, got %d", snap.SweeperPasses)
	}
}

func TestPassExpiresDueRoundTables(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	agents := agent.New(store, nil, 300*time.Second)
	agents.Register(ctx, agent.RegisterInput{AgentID: "fac"})
	inboxSvc := inbox.New(store, agents, nil, nil, nil)
	groups := group.New(store, inboxSvc, nil, nil, 50)
	rts := roundtable.New(store, groups, inboxSvc, nil, nil)
	rt, err := rts.Create(ctx, roundtable.CreateInput{Topic: "t", Facilitator: "fac", TTL: roundtable.MinTTL})
	if err != nil {
		t.Fatalf("Create round table: %v", err)
	}
	// Pass reads the wall clock, so move the expiry into the past instead
	// of waiting out the one-minute minimum TTL.
	store.UpdateRoundTable(ctx, rt.RoundTableID, func(r *model.RoundTable) error {
		r.ExpiresAtMS = time.Now().Add(-time.Second).UnixMilli()
		return nil
	})

	s := New(store, rts, nil, nil, time.Hour, time.Hour, 0)
	s.Pass(ctx)

	got, ok, _ := store.GetRoundTable(ctx, rt.RoundTableID)
	if !ok || got.Status != model.RoundTableExpired {
		t.Fatalf("expected the round table to be expired by the sweeper pass, got %+v", got)
	}
}
