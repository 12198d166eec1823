// Package memory implements storage.Store as one sync.Mutex-guarded map
// per collection, following services/control-plane/registry/main.go's
// mutex-guarded store pattern:
// individual operations are atomic to concurrent callers, and the compound
// transitions (lease, ack/nack, burn_single_use_key) are the only
// locking contracts — everything else is a single critical section.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
)

type Store struct {
	mu sync.Mutex

	agents      map[string]model.Agent
	agentsByDID map[string]string // did -> agent_id

	messages map[string]model.Message

	groups map[string]model.Group

	roundTables map[string]model.RoundTable

	issuedKeys     map[string]model.IssuedAPIKey // key_id -> key
	issuedKeyIndex map[string]string             // hash -> key_id

	tenants map[string]model.Tenant
}

func New() *Store {
	return &Store{
		agents:         make(map[string]model.Agent),
		agentsByDID:    make(map[string]string),
		messages:       make(map[string]model.Message),
		groups:         make(map[string]model.Group),
		roundTables:    make(map[string]model.RoundTable),
		issuedKeys:     make(map[string]model.IssuedAPIKey),
		issuedKeyIndex: make(map[string]string),
		tenants:        make(map[string]model.Tenant),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// ---- agents ----

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.AgentID]; exists {
		return model.Agent{}, storage.ErrAlreadyExists
	}
	s.agents[a.AgentID] = a
	if a.DID != "" {
		s.agentsByDID[a.DID] = a.AgentID
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok, nil
}

func (s *Store) GetAgentByDID(ctx context.Context, did string) (model.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.agentsByDID[did]
	if !ok {
		return model.Agent{}, false, nil
	}
	a, ok := s.agents[id]
	return a, ok, nil
}

func (s *Store) UpdateAgent(ctx context.Context, id string, patch storage.AgentPatch) (model.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, false, nil
	}
	applyAgentPatch(&a, patch)
	a.UpdatedAtMS = nowMS()
	s.agents[id] = a
	return a, true, nil
}

func applyAgentPatch(a *model.Agent, patch storage.AgentPatch) {
	if patch.TrustedAgents != nil {
		a.TrustedAgents = *patch.TrustedAgents
	}
	if patch.WebhookURL != nil {
		a.WebhookURL = *patch.WebhookURL
	}
	if patch.WebhookSecret != nil {
		a.WebhookSecret = *patch.WebhookSecret
	}
	if patch.Metadata != nil {
		a.Metadata = patch.Metadata
	}
	if patch.LastHeartbeatMS != nil {
		a.LastHeartbeatMS = *patch.LastHeartbeatMS
	}
	if patch.PublicKeys != nil {
		a.PublicKeys = *patch.PublicKeys
	}
	if patch.PublicKey != nil {
		a.PublicKey = *patch.PublicKey
	}
}

func (s *Store) DeleteAgent(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false, nil
	}
	delete(s.agents, id)
	if a.DID != "" {
		delete(s.agentsByDID, a.DID)
	}
	for mid, m := range s.messages {
		if m.To == id {
			delete(s.messages, mid)
		}
	}
	return true, nil
}

func (s *Store) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Agent, 0, len(s.agents))
	now := nowMS()
	for _, a := range s.agents {
		if filter.AgentType != "" && a.AgentType != filter.AgentType {
			continue
		}
		if filter.Status != "" && a.Status(now, 300_000) != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func nowMS() int64 { return time.Now().UTC().UnixMilli() }

// ---- messages ----

func (s *Store) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return model.Message{}, storage.ErrAlreadyExists
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, ifStatus []model.MessageStatus, patch storage.MessagePatch) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false, nil
	}
	if len(ifStatus) > 0 && !statusIn(m.Status, ifStatus) {
		return model.Message{}, false, nil
	}
	applyMessagePatch(&m, patch)
	m.UpdatedAtMS = nowMS()
	s.messages[id] = m
	return m, true, nil
}

func statusIn(st model.MessageStatus, set []model.MessageStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func applyMessagePatch(m *model.Message, patch storage.MessagePatch) {
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.ClearLease {
		m.LeaseUntilMS = 0
	} else if patch.LeaseUntilMS != nil {
		m.LeaseUntilMS = *patch.LeaseUntilMS
	}
	if patch.Attempts != nil {
		m.Attempts = *patch.Attempts
	}
	if patch.AckedAtMS != nil {
		m.AckedAtMS = *patch.AckedAtMS
	}
	if patch.Result != nil {
		m.Result = patch.Result
	}
	if patch.WebhookDelivered != nil {
		m.WebhookDelivered = *patch.WebhookDelivered
	}
	if patch.PurgedAtMS != nil {
		m.PurgedAtMS = *patch.PurgedAtMS
	}
	if patch.PurgeReason != nil {
		m.PurgeReason = *patch.PurgeReason
	}
	if patch.ClearBody {
		m.Body = nil
	}
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *Store) GetInbox(ctx context.Context, agentID string, status model.MessageStatus) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0)
	for _, m := range s.messages {
		if m.To != agentID {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

func (s *Store) GetInboxStats(ctx context.Context, agentID string) (storage.InboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st storage.InboxStats
	for _, m := range s.messages {
		if m.To != agentID {
			continue
		}
		switch m.Status {
		case model.StatusQueued:
			st.Queued++
		case model.StatusLeased:
			st.Leased++
		case model.StatusAcked:
			st.Acked++
		case model.StatusExpired:
			st.Expired++
		case model.StatusPurged:
			st.Purged++
		}
	}
	return st, nil
}

// LeaseNext is the atomicity-critical pull transition: the mutex held for
// the entire scan-and-mutate makes the find-oldest-queued and
// transition-to-leased steps indivisible, so two concurrent pulls can
// never observe and claim the same message.
func (s *Store) LeaseNext(ctx context.Context, agentID string, now time.Time, visibilityTimeout time.Duration) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.Message
	for id := range s.messages {
		m := s.messages[id]
		if m.To != agentID || m.Status != model.StatusQueued {
			continue
		}
		if m.ExpiresAtMS != 0 && m.ExpiresAtMS <= now.UnixMilli() {
			continue
		}
		if best == nil || m.CreatedAtMS < best.CreatedAtMS {
			mm := m
			best = &mm
		}
	}
	if best == nil {
		return model.Message{}, false, nil
	}

	best.Status = model.StatusLeased
	best.LeaseUntilMS = now.Add(visibilityTimeout).UnixMilli()
	best.Attempts++
	best.UpdatedAtMS = now.UnixMilli()
	s.messages[best.ID] = *best
	return *best, true, nil
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	nowMs := now.UnixMilli()
	for id, m := range s.messages {
		if m.Status == model.StatusLeased && m.LeaseUntilMS != 0 && m.LeaseUntilMS <= nowMs {
			m.Status = model.StatusQueued
			m.LeaseUntilMS = 0
			m.UpdatedAtMS = nowMs
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpireMessages(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	nowMs := now.UnixMilli()
	for id, m := range s.messages {
		if (m.Status == model.StatusQueued || m.Status == model.StatusLeased) &&
			m.ExpiresAtMS != 0 && m.ExpiresAtMS <= nowMs {
			m.Status = model.StatusExpired
			m.LeaseUntilMS = 0
			m.UpdatedAtMS = nowMs
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupTerminalMessages(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	cutoff := now.Add(-retention).UnixMilli()
	for id, m := range s.messages {
		if !isTerminal(m.Status) {
			continue
		}
		if m.UpdatedAtMS <= cutoff {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func isTerminal(st model.MessageStatus) bool {
	return st == model.StatusAcked || st == model.StatusExpired || st == model.StatusPurged
}

func (s *Store) PurgeExpiredEphemeral(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	nowMs := now.UnixMilli()
	for id, m := range s.messages {
		if !m.Ephemeral || m.Body == nil {
			continue
		}
		if m.ExpiresAtMS != 0 && m.ExpiresAtMS <= nowMs {
			m.Body = nil
			m.PurgedAtMS = nowMs
			m.PurgeReason = "ephemeral_ttl"
			m.UpdatedAtMS = nowMs
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

// ---- groups ----

func (s *Store) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.GroupID]; exists {
		return model.Group{}, storage.ErrAlreadyExists
	}
	s.groups[g.GroupID] = g
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (model.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok, nil
}

func (s *Store) UpdateGroup(ctx context.Context, id string, mutate func(g *model.Group) error) (model.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return model.Group{}, false, nil
	}
	if err := mutate(&g); err != nil {
		return model.Group{}, false, err
	}
	g.UpdatedAtMS = nowMS()
	s.groups[id] = g
	return g, true, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return false, nil
	}
	delete(s.groups, id)
	return true, nil
}

func (s *Store) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Group, 0, len(s.groups))
	for _, g := range s.groups {
		if filter.Creator != "" && g.Creator != filter.Creator {
			continue
		}
		if filter.Access != "" && g.Access != filter.Access {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID string, m model.GroupMember) (model.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return model.Group{}, false, nil
	}
	for i, existing := range g.Members {
		if existing.AgentID == m.AgentID {
			g.Members[i] = m
			g.UpdatedAtMS = nowMS()
			s.groups[groupID] = g
			return g, true, nil
		}
	}
	g.Members = append(g.Members, m)
	g.UpdatedAtMS = nowMS()
	s.groups[groupID] = g
	return g, true, nil
}

func (s *Store) RemoveGroupMember(ctx context.Context, groupID, agentID string) (model.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return model.Group{}, false, nil
	}
	for i, existing := range g.Members {
		if existing.AgentID == agentID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			g.UpdatedAtMS = nowMS()
			s.groups[groupID] = g
			return g, true, nil
		}
	}
	return g, true, nil
}

func (s *Store) GetGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]model.GroupMember, len(g.Members))
	copy(out, g.Members)
	return out, nil
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false, nil
	}
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0)
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ---- round tables ----

func (s *Store) CreateRoundTable(ctx context.Context, rt model.RoundTable) (model.RoundTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roundTables[rt.RoundTableID]; exists {
		return model.RoundTable{}, storage.ErrAlreadyExists
	}
	s.roundTables[rt.RoundTableID] = rt
	return rt, nil
}

func (s *Store) GetRoundTable(ctx context.Context, id string) (model.RoundTable, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.roundTables[id]
	return rt, ok, nil
}

func (s *Store) UpdateRoundTable(ctx context.Context, id string, mutate func(rt *model.RoundTable) error) (model.RoundTable, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.roundTables[id]
	if !ok {
		return model.RoundTable{}, false, nil
	}
	if err := mutate(&rt); err != nil {
		return model.RoundTable{}, false, err
	}
	s.roundTables[id] = rt
	return rt, true, nil
}

func (s *Store) ListRoundTables(ctx context.Context, filter storage.RoundTableFilter) ([]model.RoundTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RoundTable, 0)
	for _, rt := range s.roundTables {
		if filter.Facilitator != "" && rt.Facilitator != filter.Facilitator {
			continue
		}
		if filter.Status != "" && rt.Status != filter.Status {
			continue
		}
		if filter.Participant != "" && !containsStr(rt.Participants, filter.Participant) {
			continue
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ---- issued keys ----

func (s *Store) CreateIssuedKey(ctx context.Context, k model.IssuedAPIKey) (model.IssuedAPIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.issuedKeys[k.KeyID]; exists {
		return model.IssuedAPIKey{}, storage.ErrAlreadyExists
	}
	s.issuedKeys[k.KeyID] = k
	s.issuedKeyIndex[k.KeyHash] = k.KeyID
	return k, nil
}

func (s *Store) GetIssuedKeyByHash(ctx context.Context, hash string) (model.IssuedAPIKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.issuedKeyIndex[hash]
	if !ok {
		return model.IssuedAPIKey{}, false, nil
	}
	k, ok := s.issuedKeys[id]
	return k, ok, nil
}

// BurnSingleUseKey is the other atomicity-critical transition: the lock
// makes "check used_at is nil, then set it" indivisible,
// so only one concurrent caller ever wins.
func (s *Store) BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.issuedKeys[keyID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if k.UsedAt != nil {
		return false, nil
	}
	t := now
	k.UsedAt = &t
	s.issuedKeys[keyID] = k
	return true, nil
}

// ---- tenants ----

func (s *Store) GetOrCreateTenant(ctx context.Context, id string) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[id]; ok {
		return t, nil
	}
	t := model.Tenant{TenantID: id, CreatedAtMS: nowMS()}
	s.tenants[id] = t
	return t, nil
}
