package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
)

func TestCreateAgentDuplicateRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := model.Agent{AgentID: "alice"}
	if _, err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if _, err := s.CreateAgent(ctx, a); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDeleteAgentDestroysInbox(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateAgent(ctx, model.Agent{AgentID: "bob"})
	s.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})
	s.CreateMessage(ctx, model.Message{ID: "m2", To: "bob", Status: model.StatusQueued})

	ok, err := s.DeleteAgent(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("DeleteAgent: ok=%v err=%v", ok, err)
	}
	inbox, _ := s.GetInbox(ctx, "bob", "")
	if len(inbox) != 0 {
		t.Fatalf("expected deregistration to destroy the inbox, got %d messages", len(inbox))
	}
}

func TestLeaseNextFIFOOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateMessage(ctx, model.Message{ID: "m2", To: "bob", Status: model.StatusQueued, CreatedAtMS: 200})
	s.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued, CreatedAtMS: 100})
	s.CreateMessage(ctx, model.Message{ID: "m3", To: "bob", Status: model.StatusQueued, CreatedAtMS: 300})

	m, ok, err := s.LeaseNext(ctx, "bob", time.Now(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("LeaseNext: ok=%v err=%v", ok, err)
	}
	if m.ID != "m1" {
		t.Fatalf("expected oldest message m1 first, got %s", m.ID)
	}
	if m.Status != model.StatusLeased || m.Attempts != 1 {
		t.Fatalf("expected leased status with attempts=1, got status=%s attempts=%d", m.Status, m.Attempts)
	}
}

func TestLeaseNextSkipsExpiredEphemeral(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.CreateMessage(ctx, model.Message{
		ID: "expired", To: "bob", Status: model.StatusQueued, CreatedAtMS: 100,
		Ephemeral: true, ExpiresAtMS: now.Add(-time.Minute).UnixMilli(),
	})
	s.CreateMessage(ctx, model.Message{ID: "live", To: "bob", Status: model.StatusQueued, CreatedAtMS: 200})

	m, ok, err := s.LeaseNext(ctx, "bob", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("LeaseNext: ok=%v err=%v", ok, err)
	}
	if m.ID != "live" {
		t.Fatalf("expected the expired ephemeral message to be skipped, got %s", m.ID)
	}
}

func TestLeaseNextConcurrentPullsNeverDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		s.CreateMessage(ctx, model.Message{ID: idAt(i), To: "bob", Status: model.StatusQueued, CreatedAtMS: int64(i)})
	}

	seen := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, ok, err := s.LeaseNext(ctx, "bob", time.Now(), time.Minute)
			if err != nil {
				t.Errorf("LeaseNext: %v", err)
				return
			}
			if ok {
				seen <- m.ID
			}
		}()
	}
	wg.Wait()
	close(seen)

	got := make(map[string]int)
	for id := range seen {
		got[id]++
	}
	if len(got) != n {
		t.Fatalf("expected %d distinct messages leased, got %d", n, len(got))
	}
	for id, count := range got {
		if count != 1 {
			t.Fatalf("message %s leased %d times, want exactly once", id, count)
		}
	}
}

func idAt(i int) string {
	return "m" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestUpdateMessageStatusPrecondition(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})

	st := model.StatusAcked
	_, ok, err := s.UpdateMessage(ctx, "m1", []model.MessageStatus{model.StatusLeased}, storage.MessagePatch{Status: &st})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if ok {
		t.Fatal("expected the ack precondition (status=leased) to fail against a queued message")
	}
}

func TestBurnSingleUseKeyOnlyOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateIssuedKey(ctx, model.IssuedAPIKey{KeyID: "k1", KeyHash: "h1", Scope: "register"})

	const n = 20
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.BurnSingleUseKey(ctx, "k1", time.Now())
			if err != nil {
				t.Errorf("BurnSingleUseKey: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for w := range wins {
		if w {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("expected exactly 1 winner across concurrent burns, got %d", total)
	}
}

func TestExpireLeasesReclaims(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.CreateMessage(ctx, model.Message{
		ID: "m1", To: "bob", Status: model.StatusLeased,
		LeaseUntilMS: now.Add(-time.Second).UnixMilli(),
	})
	s.CreateMessage(ctx, model.Message{
		ID: "m2", To: "bob", Status: model.StatusLeased,
		LeaseUntilMS: now.Add(time.Hour).UnixMilli(),
	})

	n, err := s.ExpireLeases(ctx, now)
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 lease reclaimed, got %d", n)
	}
	m1, _, _ := s.GetMessage(ctx, "m1")
	if m1.Status != model.StatusQueued || m1.LeaseUntilMS != 0 {
		t.Fatalf("expected m1 requeued with lease cleared, got status=%s lease_until=%d", m1.Status, m1.LeaseUntilMS)
	}
	m2, _, _ := s.GetMessage(ctx, "m2")
	if m2.Status != model.StatusLeased {
		t.Fatalf("expected m2 (not yet expired) to remain leased, got %s", m2.Status)
	}
}

func TestPurgeExpiredEphemeralStripsBody(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.CreateMessage(ctx, model.Message{
		ID: "m1", To: "bob", Status: model.StatusQueued, Ephemeral: true,
		Body: []byte(`{"secret":"x"}`), ExpiresAtMS: now.Add(-time.Second).UnixMilli(),
	})

	n, err := s.PurgeExpiredEphemeral(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredEphemeral: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message purged, got %d", n)
	}
	m, _, _ := s.GetMessage(ctx, "m1")
	if m.Body != nil {
		t.Fatalf("expected body to be nulled, got %q", m.Body)
	}
	if m.PurgeReason != "ephemeral_ttl" {
		t.Fatalf("expected purge_reason=ephemeral_ttl, got %q", m.PurgeReason)
	}
}

func TestCleanupTerminalMessagesRetention(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.CreateMessage(ctx, model.Message{ID: "old", To: "bob", Status: model.StatusAcked, UpdatedAtMS: now.Add(-2 * time.Hour).UnixMilli()})
	s.CreateMessage(ctx, model.Message{ID: "recent", To: "bob", Status: model.StatusAcked, UpdatedAtMS: now.Add(-time.Minute).UnixMilli()})
	s.CreateMessage(ctx, model.Message{ID: "active", To: "bob", Status: model.StatusQueued, UpdatedAtMS: now.Add(-2 * time.Hour).UnixMilli()})

	n, err := s.CleanupTerminalMessages(ctx, now, time.Hour)
	if err != nil {
		t.Fatalf("CleanupTerminalMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message cleaned up, got %d", n)
	}
	if _, ok, _ := s.GetMessage(ctx, "old"); ok {
		t.Fatal("expected old terminal message to be deleted")
	}
	if _, ok, _ := s.GetMessage(ctx, "recent"); !ok {
		t.Fatal("expected recent terminal message to survive the retention window")
	}
	if _, ok, _ := s.GetMessage(ctx, "active"); !ok {
		t.Fatal("expected non-terminal message to survive regardless of age")
	}
}

func TestGroupMembershipLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := model.Group{GroupID: "group://g-12345678", Name: "g", Creator: "owner"}
	s.CreateGroup(ctx, g)

	_, ok, err := s.AddGroupMember(ctx, g.GroupID, model.GroupMember{AgentID: "alice", Role: model.RoleMember})
	if err != nil || !ok {
		t.Fatalf("AddGroupMember: ok=%v err=%v", ok, err)
	}
	isMember, err := s.IsGroupMember(ctx, g.GroupID, "alice")
	if err != nil || !isMember {
		t.Fatalf("expected alice to be a member: %v %v", isMember, err)
	}

	_, ok, err = s.RemoveGroupMember(ctx, g.GroupID, "alice")
	if err != nil || !ok {
		t.Fatalf("RemoveGroupMember: ok=%v err=%v", ok, err)
	}
	isMember, _ = s.IsGroupMember(ctx, g.GroupID, "alice")
	if isMember {
		t.Fatal("expected alice to no longer be a member after removal")
	}
}

func TestGetGroupMessagesOrderedByCreation(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateMessage(ctx, model.Message{ID: "m2", GroupID: "g1", CreatedAtMS: 200})
	s.CreateMessage(ctx, model.Message{ID: "m1", GroupID: "g1", CreatedAtMS: 100})
	s.CreateMessage(ctx, model.Message{ID: "other", GroupID: "g2", CreatedAtMS: 50})

	msgs, err := s.GetGroupMessages(ctx, "g1", 0)
	if err != nil {
		t.Fatalf("GetGroupMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
