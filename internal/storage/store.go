// Package storage defines the persistence contract every ADMP backend
// implements. Two backends are provided: internal/storage/memory
// (in-process, non-durable) and internal/storage/remote (a SQL-backed
// document store standing in for an eventually consistent NoSQL store).
// Selection is a configuration-time decision (internal/config)
// returning the Store interface — there is no duck typing.
package storage

import (
	"context"
	"time"

	"github.com/admp/hub/internal/model"
)

var (
	ErrAlreadyExists = NewErr("already_exists")
	ErrNotFound      = NewErr("not_found")
	ErrConflict      = NewErr("conflict")
)

// Err is a sentinel error kind storage backends return; callers compare
// with errors.Is.
type Err struct{ kind string }

func NewErr(kind string) *Err { return &Err{kind: kind} }
func (e *Err) Error() string  { return "storage: " + e.kind }

// AgentFilter narrows list_agents.
type AgentFilter struct {
	AgentType string
	Status    model.AgentStatus // "" = any
}

// AgentPatch is a last-write-wins partial update.
type AgentPatch struct {
	TrustedAgents    *[]string
	WebhookURL       *string
	WebhookSecret    *string
	Metadata         map[string]string
	LastHeartbeatMS  *int64
	PublicKeys       *[]model.PublicKeyEntry
	PublicKey        *[]byte
}

// MessagePatch is a last-write-wins partial update that always bumps updated_at_ms.
type MessagePatch struct {
	Status           *model.MessageStatus
	LeaseUntilMS     *int64
	ClearLease       bool
	Attempts         *int
	AckedAtMS        *int64
	Result           []byte
	WebhookDelivered *bool
	PurgedAtMS       *int64
	PurgeReason      *string
	ClearBody        bool
}

type GroupFilter struct {
	Creator string
	Access  model.GroupAccess
}

type RoundTableFilter struct {
	Facilitator string
	Participant string
	Status      model.RoundTableStatus
}

type InboxStats struct {
	Queued  int `json:"queued"`
	Leased  int `json:"leased"`
	Acked   int `json:"acked"`
	Expired int `json:"expired"`
	Purged  int `json:"purged"`
}

// Store is the full persistence contract. Every
// operation may suspend on I/O; expire_leases, burn_single_use_key, and
// the pull transition (LeaseNext) MUST be atomic per record.
type Store interface {
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, bool, error)
	GetAgentByDID(ctx context.Context, did string) (model.Agent, bool, error)
	UpdateAgent(ctx context.Context, id string, patch AgentPatch) (model.Agent, bool, error)
	DeleteAgent(ctx context.Context, id string) (bool, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]model.Agent, error)

	CreateMessage(ctx context.Context, m model.Message) (model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, bool, error)
	// UpdateMessage applies patch iff the record's current status matches
	// one of ifStatus (when non-empty); it returns ok=false without
	// modifying anything if the precondition fails. This is the single
	// chokepoint atomic transitions (ack/nack/purge) go through; leasing
	// goes through LeaseNext.
	UpdateMessage(ctx context.Context, id string, ifStatus []model.MessageStatus, patch MessagePatch) (model.Message, bool, error)
	DeleteMessage(ctx context.Context, id string) (bool, error)

	GetInbox(ctx context.Context, agentID string, status model.MessageStatus) ([]model.Message, error)
	GetInboxStats(ctx context.Context, agentID string) (InboxStats, error)

	// LeaseNext atomically finds the oldest queued, non-expired message
	// for agentID and transitions it to leased. It returns ok=false if
	// none is eligible. This is the sole enforcement point for
	// "two concurrent pulls never receive the same message".
	LeaseNext(ctx context.Context, agentID string, now time.Time, visibilityTimeout time.Duration) (model.Message, bool, error)

	ExpireLeases(ctx context.Context, now time.Time) (int, error)
	ExpireMessages(ctx context.Context, now time.Time) (int, error)
	CleanupTerminalMessages(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	PurgeExpiredEphemeral(ctx context.Context, now time.Time) (int, error)

	CreateGroup(ctx context.Context, g model.Group) (model.Group, error)
	GetGroup(ctx context.Context, id string) (model.Group, bool, error)
	UpdateGroup(ctx context.Context, id string, mutate func(g *model.Group) error) (model.Group, bool, error)
	DeleteGroup(ctx context.Context, id string) (bool, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]model.Group, error)
	AddGroupMember(ctx context.Context, groupID string, m model.GroupMember) (model.Group, bool, error)
	RemoveGroupMember(ctx context.Context, groupID, agentID string) (model.Group, bool, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error)
	IsGroupMember(ctx context.Context, groupID, agentID string) (bool, error)
	GetGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error)

	CreateRoundTable(ctx context.Context, rt model.RoundTable) (model.RoundTable, error)
	GetRoundTable(ctx context.Context, id string) (model.RoundTable, bool, error)
	UpdateRoundTable(ctx context.Context, id string, mutate func(rt *model.RoundTable) error) (model.RoundTable, bool, error)
	ListRoundTables(ctx context.Context, filter RoundTableFilter) ([]model.RoundTable, error)

	CreateIssuedKey(ctx context.Context, k model.IssuedAPIKey) (model.IssuedAPIKey, error)
	GetIssuedKeyByHash(ctx context.Context, hash string) (model.IssuedAPIKey, bool, error)
	// BurnSingleUseKey atomically sets used_at only if currently null;
	// returns true only for the caller that won the race.
	BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (bool, error)

	GetOrCreateTenant(ctx context.Context, id string) (model.Tenant, error)

	Ping(ctx context.Context) error
}
