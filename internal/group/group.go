// Package group implements group multicast: creation,
// membership management with owner/admin/member role inheritance, post
// fanout, and deduplicated history. Role inheritance (owner implies
// admin implies member) is adapted from the
// services/auth/internal/rbac permission-expansion model, simplified
// from RBAC's general wildcard-permission graph to the three-level
// fixed role hierarchy groups use.
package group

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/admp/hub/internal/canonical"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

const (
	MaxPostSubjectLen = 200
	DefaultHistoryLimit = 50
	DefaultMaxMembers   = 500
)

// rankOf gives each role a comparable level: owner(2) ⊇ admin(1) ⊇ member(0).
func rankOf(r model.GroupRole) int {
	switch r {
	case model.RoleOwner:
		return 2
	case model.RoleAdmin:
		return 1
	default:
		return 0
	}
}

// atLeast reports whether role grants at least the privilege of want.
func atLeast(role, want model.GroupRole) bool {
	return rankOf(role) >= rankOf(want)
}

type Service struct {
	store   storage.Store
	inbox   *inbox.Service
	log     *telemetry.Logger
	metrics *telemetry.Counters
	maxMembersCap int
}

func New(store storage.Store, inbox *inbox.Service, log *telemetry.Logger, metrics *telemetry.Counters, maxMembersCap int) *Service {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = &telemetry.Counters{}
	}
	if maxMembersCap <= 0 {
		maxMembersCap = DefaultMaxMembers
	}
	return &Service{store: store, inbox: inbox, log: log, metrics: metrics, maxMembersCap: maxMembersCap}
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "group"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func newGroupID(name string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("group://%s-%s", slugify(name), hex.EncodeToString(suffix)), nil
}

type CreateInput struct {
	Name     string
	Creator  string
	Access   model.GroupAccess
	JoinKey  string
	Settings model.GroupSettings
}

func (s *Service) Create(ctx context.Context, in CreateInput) (model.Group, error) {
	if err := canonical.ValidateGroupName(in.Name); err != nil {
		return model.Group{}, apperr.New(apperr.InvalidRequest, err.Error())
	}
	if _, ok, err := s.store.GetAgent(ctx, in.Creator); err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	} else if !ok {
		return model.Group{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("creator %q not registered", in.Creator))
	}

	access := in.Access
	if access == "" {
		access = model.AccessInviteOnly
	}
	var joinHash string
	if access == model.AccessKeyProtected {
		if in.JoinKey == "" {
			return model.Group{}, apperr.New(apperr.MissingField, "join_key is required for key-protected groups")
		}
		sum := sha256.Sum256([]byte(in.JoinKey))
		joinHash = hex.EncodeToString(sum[:])
	}

	id, err := newGroupID(in.Name)
	if err != nil {
		return model.Group{}, apperr.New(apperr.Internal, "failed to generate group id")
	}
	settings := in.Settings
	if settings.MaxMembers <= 0 || settings.MaxMembers > s.maxMembersCap {
		settings.MaxMembers = s.maxMembersCap
	}

	now := time.Now().UTC().UnixMilli()
	g := model.Group{
		GroupID:     id,
		Name:        in.Name,
		Creator:     in.Creator,
		Access:      access,
		JoinKeyHash: joinHash,
		Settings:    settings,
		Members:     []model.GroupMember{{AgentID: in.Creator, Role: model.RoleOwner, JoinedAtMS: now}},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	created, err := s.store.CreateGroup(ctx, g)
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	s.log.Info("group created", telemetry.F("group_id", id), telemetry.F("creator", in.Creator))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Group, error) {
	g, ok, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Group{}, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", id))
	}
	return g, nil
}

func (s *Service) Delete(ctx context.Context, id, caller string) error {
	g, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if g.Creator != caller {
		return apperr.New(apperr.Forbidden, "only the owner may delete the group")
	}
	ok, err := s.store.DeleteGroup(ctx, id)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", id))
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter storage.GroupFilter) ([]model.Group, error) {
	out, err := s.store.ListGroups(ctx, filter)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	return out, nil
}

// Join admits agentID per the group's access-control rule.
func (s *Service) Join(ctx context.Context, groupID, agentID, joinKey string) (model.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return model.Group{}, err
	}
	if _, ok, err := s.store.GetAgent(ctx, agentID); err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	} else if !ok {
		return model.Group{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not registered", agentID))
	}

	switch g.Access {
	case model.AccessInviteOnly:
		return model.Group{}, apperr.New(apperr.Forbidden, "group is invite-only")
	case model.AccessKeyProtected:
		sum := sha256.Sum256([]byte(joinKey))
		if hex.EncodeToString(sum[:]) != g.JoinKeyHash {
			return model.Group{}, apperr.New(apperr.Forbidden, "invalid join key")
		}
	case model.AccessOpen:
		// always accepted
	}

	for _, m := range g.Members {
		if m.AgentID == agentID {
			return g, nil
		}
	}
	if len(g.Members) >= g.Settings.MaxMembers {
		return model.Group{}, apperr.New(apperr.GroupFull, "group has reached max_members")
	}

	updated, ok, err := s.store.AddGroupMember(ctx, groupID, model.GroupMember{
		AgentID: agentID, Role: model.RoleMember, JoinedAtMS: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Group{}, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return updated, nil
}

// Leave removes agentID; the owner cannot leave.
func (s *Service) Leave(ctx context.Context, groupID, agentID string) (model.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return model.Group{}, err
	}
	if g.Creator == agentID {
		return model.Group{}, apperr.New(apperr.OwnerImmutable, "owner cannot leave the group")
	}
	updated, ok, err := s.store.RemoveGroupMember(ctx, groupID, agentID)
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Group{}, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return updated, nil
}

func (s *Service) roleOf(g model.Group, agentID string) (model.GroupRole, bool) {
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return m.Role, true
		}
	}
	return "", false
}

// AddMember requires caller to hold at least admin.
func (s *Service) AddMember(ctx context.Context, groupID, caller, agentID string, role model.GroupRole) (model.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return model.Group{}, err
	}
	callerRole, ok := s.roleOf(g, caller)
	if !ok || !atLeast(callerRole, model.RoleAdmin) {
		return model.Group{}, apperr.New(apperr.Forbidden, "requires admin or owner")
	}
	if role == "" {
		role = model.RoleMember
	}
	if _, ok, err := s.store.GetAgent(ctx, agentID); err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	} else if !ok {
		return model.Group{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not registered", agentID))
	}
	updated, ok, err := s.store.AddGroupMember(ctx, groupID, model.GroupMember{AgentID: agentID, Role: role, JoinedAtMS: time.Now().UTC().UnixMilli()})
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Group{}, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return updated, nil
}

// RemoveMember requires caller to hold at least admin; the owner cannot
// be removed.
func (s *Service) RemoveMember(ctx context.Context, groupID, caller, agentID string) (model.Group, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return model.Group{}, err
	}
	callerRole, ok := s.roleOf(g, caller)
	if !ok || !atLeast(callerRole, model.RoleAdmin) {
		return model.Group{}, apperr.New(apperr.Forbidden, "requires admin or owner")
	}
	if g.Creator == agentID {
		return model.Group{}, apperr.New(apperr.OwnerImmutable, "owner cannot be removed")
	}
	updated, ok, err := s.store.RemoveGroupMember(ctx, groupID, agentID)
	if err != nil {
		return model.Group{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Group{}, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return updated, nil
}

func (s *Service) Members(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	members, err := s.store.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, apperr.New(apperr.GroupNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return members, nil
}

func (s *Service) IsMember(ctx context.Context, groupID, agentID string) (bool, error) {
	ok, err := s.store.IsGroupMember(ctx, groupID, agentID)
	if err != nil {
		return false, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	return ok, nil
}

func newGroupMessageID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "gm_" + hex.EncodeToString(b), nil
}

// PostResult reports per-recipient fanout outcomes; partial success is allowed.
type PostResult struct {
	GroupMessageID string
	Delivered      []string
	Failed         map[string]string
}

// Post fans the message out to every member except the sender, sharing
// one group_message_id so history can dedup.
func (s *Service) Post(ctx context.Context, groupID, sender, subject string, body json.RawMessage) (PostResult, error) {
	if len(subject) > MaxPostSubjectLen {
		return PostResult{}, apperr.New(apperr.InvalidRequest, "subject exceeds 200 characters")
	}
	if len(body) > inbox.MaxBodyBytes {
		return PostResult{}, apperr.New(apperr.BodyTooLarge, "body exceeds 1 MB")
	}
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return PostResult{}, err
	}
	if _, ok := s.roleOf(g, sender); !ok {
		return PostResult{}, apperr.New(apperr.Forbidden, "sender must be a group member")
	}

	gmID, err := newGroupMessageID()
	if err != nil {
		return PostResult{}, apperr.New(apperr.Internal, "failed to generate group_message_id")
	}

	result := PostResult{GroupMessageID: gmID, Failed: map[string]string{}}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, member := range g.Members {
		if member.AgentID == sender {
			continue
		}
		_, err := s.inbox.Send(ctx, inbox.SendInput{
			From:           sender,
			To:             member.AgentID,
			Type:           "group.post",
			Subject:        subject,
			Body:           body,
			Timestamp:      now,
			GroupID:        groupID,
			GroupMessageID: gmID,
			Internal:       true,
		})
		if err != nil {
			result.Failed[member.AgentID] = err.Error()
			continue
		}
		result.Delivered = append(result.Delivered, member.AgentID)
	}
	s.metrics.IncGroupPosts()
	return result, nil
}

// History returns newest-first entries deduplicated by group_message_id.
// Rejected if history is hidden or caller is not a member.
func (s *Service) History(ctx context.Context, groupID, caller string, limit int) ([]model.Message, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.Settings.HistoryVisible {
		return nil, apperr.New(apperr.Forbidden, "history is not visible for this group")
	}
	if _, ok := s.roleOf(g, caller); !ok {
		return nil, apperr.New(apperr.Forbidden, "caller must be a group member")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs, err := s.store.GetGroupMessages(ctx, groupID, 0)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAtMS > msgs[j].CreatedAtMS })

	seen := make(map[string]bool)
	out := make([]model.Message, 0, limit)
	for _, m := range msgs {
		key := m.GroupMessageID
		if key == "" {
			key = m.ID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
