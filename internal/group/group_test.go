package group

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/admp/hub/internal/agent"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage/memory"
)

type fixture struct {
	store  *memory.Store
	agents *agent.Service
	inbox  *inbox.Service
	groups *Service
}

func newFixture(maxMembers int) *fixture {
	store := memory.New()
	agents := agent.New(store, nil, 300*time.Second)
	inb := inbox.New(store, agents, nil, nil, nil)
	groups := New(store, inb, nil, nil, maxMembers)
	return &fixture{store: store, agents: agents, inbox: inb, groups: groups}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	if _, err := f.agents.Register(context.Background(), agent.RegisterInput{AgentID: id}); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func TestCreateGroupOwnerAutoAdded(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")

	g, err := f.groups.Create(ctx, CreateInput{Name: "Team Alpha", Creator: "owner"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(g.Members) != 1 || g.Members[0].AgentID != "owner" || g.Members[0].Role != model.RoleOwner {
		t.Fatalf("expected creator auto-added as owner, got %+v", g.Members)
	}
	if g.Access != model.AccessInviteOnly {
		t.Fatalf("expected default access invite-only, got %s", g.Access)
	}
}

func TestJoinOpenGroup(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "alice")
	g, _ := f.groups.Create(ctx, CreateInput{Name: "open-group", Creator: "owner", Access: model.AccessOpen})

	if _, err := f.groups.Join(ctx, g.GroupID, "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	isMember, err := f.groups.IsMember(ctx, g.GroupID, "alice")
	if err != nil || !isMember {
		t.Fatalf("expected alice to be a member: %v %v", isMember, err)
	}
}

func TestJoinInviteOnlyRejected(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "alice")
	g, _ := f.groups.Create(ctx, CreateInput{Name: "private", Creator: "owner", Access: model.AccessInviteOnly})

	_, err := f.groups.Join(ctx, g.GroupID, "alice", "")
	if err == nil {
		t.Fatal("expected join on an invite-only group to be rejected")
	}
}

func TestJoinKeyProtected(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "alice")
	g, err := f.groups.Create(ctx, CreateInput{Name: "secret-club", Creator: "owner", Access: model.AccessKeyProtected, JoinKey: "swordfish"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.groups.Join(ctx, g.GroupID, "alice", "wrong"); err == nil {
		t.Fatal("expected a wrong join key to be rejected")
	}
	if _, err := f.groups.Join(ctx, g.GroupID, "alice", "swordfish"); err != nil {
		t.Fatalf("expected the correct join key to succeed, got %v", err)
	}
}

func TestGroupAtMaxMembersBoundary(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "alice")
	f.register(t, "bob")
	g, _ := f.groups.Create(ctx, CreateInput{
		Name: "small", Creator: "owner", Access: model.AccessOpen,
		Settings: model.GroupSettings{MaxMembers: 2},
	})

	if _, err := f.groups.Join(ctx, g.GroupID, "alice", ""); err != nil {
		t.Fatalf("expected the last join (reaching max_members) to succeed, got %v", err)
	}
	_, joinErr := f.groups.Join(ctx, g.GroupID, "bob", "")
	if joinErr == nil {
		t.Fatal("expected the join past max_members to be rejected")
	}
	ae, ok := apperr.AsAppError(joinErr)
	if !ok || ae.Code != apperr.GroupFull {
		t.Fatalf("expected GroupFull, got %v", joinErr)
	}
}

func TestOwnerCannotLeaveOrBeRemoved(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	g, _ := f.groups.Create(ctx, CreateInput{Name: "g", Creator: "owner"})

	if _, err := f.groups.Leave(ctx, g.GroupID, "owner"); err == nil {
		t.Fatal("expected the owner to be unable to leave")
	}
	if _, err := f.groups.RemoveMember(ctx, g.GroupID, "owner", "owner"); err == nil {
		t.Fatal("expected the owner to be unable to be removed")
	}
}

func TestPostFanoutDedupHistory(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "a")
	f.register(t, "b")
	g, _ := f.groups.Create(ctx, CreateInput{
		Name: "team", Creator: "owner", Access: model.AccessOpen,
		Settings: model.GroupSettings{HistoryVisible: true, MaxMembers: 3},
	})
	f.groups.Join(ctx, g.GroupID, "a", "")
	f.groups.Join(ctx, g.GroupID, "b", "")

	res, err := f.groups.Post(ctx, g.GroupID, "owner", "tick", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(res.Delivered) != 2 {
		t.Fatalf("expected fanout to 2 non-sender members, got %d", len(res.Delivered))
	}

	aInbox, _ := f.store.GetInbox(ctx, "a", "")
	bInbox, _ := f.store.GetInbox(ctx, "b", "")
	ownerInbox, _ := f.store.GetInbox(ctx, "owner", "")
	if len(aInbox) != 1 || len(bInbox) != 1 {
		t.Fatalf("expected exactly one message delivered to each recipient, got a=%d b=%d", len(aInbox), len(bInbox))
	}
	if len(ownerInbox) != 0 {
		t.Fatal("expected the sender (owner) to not receive their own post")
	}
	if aInbox[0].GroupMessageID != bInbox[0].GroupMessageID {
		t.Fatal("expected both fanout copies to share the same group_message_id")
	}

	history, err := f.groups.History(ctx, g.GroupID, "owner", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected history deduplicated to 1 entry by group_message_id, got %d", len(history))
	}
}

func TestHistoryRejectedWhenNotVisibleOrNotMember(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "stranger")
	g, _ := f.groups.Create(ctx, CreateInput{Name: "g", Creator: "owner", Settings: model.GroupSettings{HistoryVisible: false}})

	if _, err := f.groups.History(ctx, g.GroupID, "owner", 0); err == nil {
		t.Fatal("expected history to be rejected when history_visible=false")
	}

	g2, _ := f.groups.Create(ctx, CreateInput{Name: "g2", Creator: "owner", Settings: model.GroupSettings{HistoryVisible: true}})
	if _, err := f.groups.History(ctx, g2.GroupID, "stranger", 0); err == nil {
		t.Fatal("expected history to be rejected for a non-member caller")
	}
}

func TestAddMemberRequiresAdminOrOwner(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	f.register(t, "owner")
	f.register(t, "member")
	f.register(t, "newbie")
	g, _ := f.groups.Create(ctx, CreateInput{Name: "g", Creator: "owner", Access: model.AccessOpen})
	f.groups.Join(ctx, g.GroupID, "member", "")

	_, err := f.groups.AddMember(ctx, g.GroupID, "member", "newbie", model.RoleMember)
	if err == nil {
		t.Fatal("expected a plain member to be unable to add other members")
	}
	if _, err := f.groups.AddMember(ctx, g.GroupID, "owner", "newbie", model.RoleMember); err != nil {
		t.Fatalf("expected the owner to be able to add a member, got %v", err)
	}
}
