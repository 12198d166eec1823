// Package roundtable implements the ephemeral N-way deliberation layer
// built on groups: a round table is a hidden group whose membership
// mirrors its participants, with a bounded append-only thread and a
// facilitator-only resolution step, reusing internal/group for the
// backing multicast group rather than a parallel membership model.
package roundtable

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

const (
	MaxThreadEntries = 200
	MaxParticipants  = 20
	MinTTL           = time.Minute
	MaxTTL           = 7 * 24 * time.Hour
	DefaultTTL       = 30 * time.Minute
)

type Service struct {
	store   storage.Store
	groups  *group.Service
	inbox   *inbox.Service
	log     *telemetry.Logger
	metrics *telemetry.Counters
}

func New(store storage.Store, groups *group.Service, inb *inbox.Service, log *telemetry.Logger, metrics *telemetry.Counters) *Service {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = &telemetry.Counters{}
	}
	return &Service{store: store, groups: groups, inbox: inb, log: log, metrics: metrics}
}

func newRoundTableID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rt_" + hex.EncodeToString(b), nil
}

type CreateInput struct {
	Topic        string
	Goal         string
	Facilitator  string
	Participants []string
	TTL          time.Duration
}

// Create opens a hidden backing group matching the participant set and
// invites everyone via an inbox work_order.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.RoundTable, error) {
	if in.Facilitator == "" || in.Topic == "" {
		return model.RoundTable{}, apperr.New(apperr.MissingField, "facilitator and topic are required")
	}
	if len(in.Participants) > MaxParticipants {
		return model.RoundTable{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("participants is bounded at %d", MaxParticipants))
	}
	if in.TTL != 0 && (in.TTL < MinTTL || in.TTL > MaxTTL) {
		return model.RoundTable{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("ttl must be between %s and %s", MinTTL, MaxTTL))
	}

	id, err := newRoundTableID()
	if err != nil {
		return model.RoundTable{}, apperr.New(apperr.Internal, "failed to generate round_table_id")
	}

	g, err := s.groups.Create(ctx, group.CreateInput{
		Name:    fmt.Sprintf("rt-%s", id),
		Creator: in.Facilitator,
		Access:  model.AccessInviteOnly,
		Settings: model.GroupSettings{HistoryVisible: true, MaxMembers: len(in.Participants) + 1},
	})
	if err != nil {
		return model.RoundTable{}, err
	}

	participants := append([]string{}, in.Participants...)
	for _, p := range participants {
		if p == in.Facilitator {
			continue
		}
		if _, err := s.groups.AddMember(ctx, g.GroupID, in.Facilitator, p, model.RoleMember); err != nil {
			s.log.Warn("round table invite failed to add member", telemetry.F("round_table_id", id), telemetry.F("agent_id", p))
			continue
		}
		s.notify(ctx, in.Facilitator, p, "work_order", fmt.Sprintf(`{"round_table_id":%q,"topic":%q}`, id, in.Topic))
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC().UnixMilli()
	rt := model.RoundTable{
		RoundTableID: id,
		Topic:        in.Topic,
		Goal:         in.Goal,
		Facilitator:  in.Facilitator,
		Participants: participants,
		GroupID:      g.GroupID,
		Status:       model.RoundTableOpen,
		CreatedAtMS:  now,
		ExpiresAtMS:  now + ttl.Milliseconds(),
	}
	created, err := s.store.CreateRoundTable(ctx, rt)
	if err != nil {
		return model.RoundTable{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	s.metrics.IncRoundTablesOpen()
	return created, nil
}

func (s *Service) notify(ctx context.Context, from, to, msgType, body string) {
	s.inbox.Send(ctx, inbox.SendInput{
		From:      from,
		To:        to,
		Type:      msgType,
		Subject:   msgType,
		Body:      json.RawMessage(body),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Internal:  true,
	})
}

func (s *Service) requireParty(rt model.RoundTable, caller string) error {
	if caller == rt.Facilitator {
		return nil
	}
	for _, p := range rt.Participants {
		if p == caller {
			return nil
		}
	}
	return apperr.New(apperr.Forbidden, "caller must be the facilitator or a participant")
}

func (s *Service) Get(ctx context.Context, id, caller string) (model.RoundTable, error) {
	rt, ok, err := s.store.GetRoundTable(ctx, id)
	if err != nil {
		return model.RoundTable{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.RoundTable{}, apperr.New(apperr.RoundTableNotFound, fmt.Sprintf("round table %q not found", id))
	}
	if err := s.requireParty(rt, caller); err != nil {
		return model.RoundTable{}, err
	}
	return rt, nil
}

// Speak appends to the bounded thread and multicasts via the backing
// group.
func (s *Service) Speak(ctx context.Context, id, from, message string) (model.RoundTable, error) {
	rt, err := s.Get(ctx, id, from)
	if err != nil {
		return model.RoundTable{}, err
	}
	if rt.Status != model.RoundTableOpen {
		return model.RoundTable{}, apperr.New(apperr.InvalidRequest, "round table is not open")
	}
	if len(rt.Thread) >= MaxThreadEntries {
		return model.RoundTable{}, apperr.New(apperr.ThreadFull, fmt.Sprintf("thread is bounded at %d entries", MaxThreadEntries))
	}

	entry := model.ThreadEntry{
		ID:      fmt.Sprintf("te_%d", len(rt.Thread)+1),
		From:    from,
		Message: message,
		TSMs:    time.Now().UTC().UnixMilli(),
	}
	updated, ok, err := s.store.UpdateRoundTable(ctx, id, func(rt *model.RoundTable) error {
		if len(rt.Thread) >= MaxThreadEntries {
			return apperr.New(apperr.ThreadFull, "thread is full")
		}
		rt.Thread = append(rt.Thread, entry)
		return nil
	})
	if err != nil {
		if ae, ok := apperr.AsAppError(err); ok {
			return model.RoundTable{}, ae
		}
		return model.RoundTable{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.RoundTable{}, apperr.New(apperr.RoundTableNotFound, fmt.Sprintf("round table %q not found", id))
	}

	body, _ := json.Marshal(entry)
	s.groups.Post(ctx, rt.GroupID, from, "round_table_entry", body)
	return updated, nil
}

// Resolve is facilitator-only: it records outcome/decision, multicasts
// the resolution, and tears down the backing group.
func (s *Service) Resolve(ctx context.Context, id, caller, outcome, decision string) (model.RoundTable, error) {
	rt, ok, err := s.store.GetRoundTable(ctx, id)
	if err != nil {
		return model.RoundTable{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.RoundTable{}, apperr.New(apperr.RoundTableNotFound, fmt.Sprintf("round table %q not found", id))
	}
	if caller != rt.Facilitator {
		return model.RoundTable{}, apperr.New(apperr.Forbidden, "only the facilitator may resolve")
	}
	if rt.Status != model.RoundTableOpen {
		return model.RoundTable{}, apperr.New(apperr.InvalidRequest, "round table is not open")
	}

	updated, ok, err := s.store.UpdateRoundTable(ctx, id, func(rt *model.RoundTable) error {
		rt.Status = model.RoundTableResolved
		rt.Outcome = outcome
		rt.Decision = decision
		return nil
	})
	if err != nil {
		return model.RoundTable{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.RoundTable{}, apperr.New(apperr.RoundTableNotFound, fmt.Sprintf("round table %q not found", id))
	}

	body, _ := json.Marshal(map[string]string{"outcome": outcome, "decision": decision})
	s.groups.Post(ctx, rt.GroupID, caller, "round_table_resolved", body)
	s.groups.Delete(ctx, rt.GroupID, rt.Facilitator)
	s.metrics.DecRoundTablesOpen()
	return updated, nil
}

// ExpireDue is invoked by the sweeper: it closes any open round table
// past its expires_at_ms and tears down its backing group.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tables, err := s.store.ListRoundTables(ctx, storage.RoundTableFilter{Status: model.RoundTableOpen})
	if err != nil {
		return 0, err
	}
	n := 0
	nowMS := now.UnixMilli()
	for _, rt := range tables {
		if rt.ExpiresAtMS == 0 || rt.ExpiresAtMS > nowMS {
			continue
		}
		_, ok, err := s.store.UpdateRoundTable(ctx, rt.RoundTableID, func(r *model.RoundTable) error {
			r.Status = model.RoundTableExpired
			return nil
		})
		if err != nil {
			return n, err
		}
		if ok {
			s.groups.Delete(ctx, rt.GroupID, rt.Facilitator)
			s.metrics.DecRoundTablesOpen()
			n++
		}
	}
	return n, nil
}
