package roundtable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/admp/hub/internal/agent"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage/memory"
)

type fixture struct {
	store      *memory.Store
	agents     *agent.Service
	inbox      *inbox.Service
	groups     *group.Service
	roundTables *Service
}

func newFixture() *fixture {
	store := memory.New()
	agents := agent.New(store, nil, 300*time.Second)
	inb := inbox.New(store, agents, nil, nil, nil)
	groups := group.New(store, inb, nil, nil, 50)
	rts := New(store, groups, inb, nil, nil)
	return &fixture{store: store, agents: agents, inbox: inb, groups: groups, roundTables: rts}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	if _, err := f.agents.Register(context.Background(), agent.RegisterInput{AgentID: id}); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func TestCreateRoundTableInvitesParticipants(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	f.register(t, "p1")
	f.register(t, "p2")

	rt, err := f.roundTables.Create(ctx, CreateInput{
		Topic: "design review", Facilitator: "fac", Participants: []string{"p1", "p2"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rt.Status != model.RoundTableOpen {
		t.Fatalf("expected open status, got %s", rt.Status)
	}

	p1Inbox, _ := f.store.GetInbox(ctx, "p1", "")
	if len(p1Inbox) != 1 || p1Inbox[0].Type != "work_order" {
		t.Fatalf("expected p1 to receive a work_order invite, got %+v", p1Inbox)
	}
}

func TestCreateRejectsTooManyParticipants(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	participants := make([]string, MaxParticipants+1)
	for i := range participants {
		id := fmt.Sprintf("p%d", i)
		f.register(t, id)
		participants[i] = id
	}

	_, err := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: participants})
	if err == nil {
		t.Fatal("expected a round table with more than the participant bound to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestCreateAcceptsExactlyMaxParticipants(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	participants := make([]string, MaxParticipants)
	for i := range participants {
		id := fmt.Sprintf("p%d", i)
		f.register(t, id)
		participants[i] = id
	}

	if _, err := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: participants}); err != nil {
		t.Fatalf("expected exactly %d participants to be accepted, got %v", MaxParticipants, err)
	}
}

func TestCreateRejectsTTLOutOfRange(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")

	cases := []struct {
		name string
		ttl  time.Duration
	}{
		{"below minimum", MinTTL - time.Second},
		{"above maximum", MaxTTL + time.Hour},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", TTL: c.ttl})
			if err == nil {
				t.Fatalf("expected ttl %s to be rejected", c.ttl)
			}
			ae, ok := apperr.AsAppError(err)
			if !ok || ae.Code != apperr.InvalidRequest {
				t.Fatalf("expected InvalidRequest, got %v", err)
			}
		})
	}
}

func TestCreateAcceptsTTLBoundaries(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")

	for _, ttl := range []time.Duration{MinTTL, MaxTTL} {
		if _, err := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", TTL: ttl}); err != nil {
			t.Fatalf("expected ttl %s to be accepted, got %v", ttl, err)
		}
	}
}

func TestCreateDefaultsTTLTo30Minutes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")

	before := time.Now().UTC()
	rt, err := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantExpiry := before.Add(DefaultTTL).UnixMilli()
	if diff := rt.ExpiresAtMS - wantExpiry; diff < -1000 || diff > 1000 {
		t.Fatalf("expected default TTL of %s, got expiry %d vs created %d", DefaultTTL, rt.ExpiresAtMS, rt.CreatedAtMS)
	}
}

func TestSpeakAppendsThreadAndMulticasts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	f.register(t, "p1")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: []string{"p1"}})

	updated, err := f.roundTables.Speak(ctx, rt.RoundTableID, "p1", "I think we should ship")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(updated.Thread) != 1 || updated.Thread[0].From != "p1" {
		t.Fatalf("expected thread entry from p1, got %+v", updated.Thread)
	}
}

func TestSpeakRejectedFromNonParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	f.register(t, "p1")
	f.register(t, "outsider")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: []string{"p1"}})

	_, err := f.roundTables.Speak(ctx, rt.RoundTableID, "outsider", "hi")
	if err == nil {
		t.Fatal("expected a non-participant to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestThreadBoundedAt200(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac"})

	var err error
	for i := 0; i < MaxThreadEntries; i++ {
		_, err = f.roundTables.Speak(ctx, rt.RoundTableID, "fac", "entry")
		if err != nil {
			t.Fatalf("expected entry %d (within the 200-entry bound) to be accepted, got %v", i, err)
		}
	}
	_, err = f.roundTables.Speak(ctx, rt.RoundTableID, "fac", "one too many")
	if err == nil {
		t.Fatal("expected the 201st thread entry to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.ThreadFull {
		t.Fatalf("expected ThreadFull, got %v", err)
	}
}

func TestResolveOnlyByFacilitatorAndDeletesGroup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	f.register(t, "p1")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: []string{"p1"}})

	if _, err := f.roundTables.Resolve(ctx, rt.RoundTableID, "p1", "done", "ship it"); err == nil {
		t.Fatal("expected a non-facilitator resolve to be rejected")
	}

	resolved, err := f.roundTables.Resolve(ctx, rt.RoundTableID, "fac", "done", "ship it")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != model.RoundTableResolved || resolved.Decision != "ship it" {
		t.Fatalf("unexpected resolved round table: %+v", resolved)
	}
	if _, ok, _ := f.store.GetGroup(ctx, rt.GroupID); ok {
		t.Fatal("expected the backing group to be deleted on resolve")
	}
}

func TestExpireDueClosesPastExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", TTL: MinTTL})

	n, err := f.roundTables.ExpireDue(ctx, time.Now().UTC().Add(MinTTL+time.Second))
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 round table expired, got %d", n)
	}
	got, ok, _ := f.store.GetRoundTable(ctx, rt.RoundTableID)
	if !ok || got.Status != model.RoundTableExpired {
		t.Fatalf("expected round table to transition to expired, got %+v", got)
	}
}

func TestGetRequiresFacilitatorOrParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "fac")
	f.register(t, "p1")
	f.register(t, "stranger")
	rt, _ := f.roundTables.Create(ctx, CreateInput{Topic: "t", Facilitator: "fac", Participants: []string{"p1"}})

	if _, err := f.roundTables.Get(ctx, rt.RoundTableID, "p1"); err != nil {
		t.Fatalf("expected participant to access the round table, got %v", err)
	}
	if _, err := f.roundTables.Get(ctx, rt.RoundTableID, "stranger"); err == nil {
		t.Fatal("expected a non-party caller to be rejected")
	}
}
