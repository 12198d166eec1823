// Package inbox implements the messaging engine's primary hard
// subsystem: envelope ingress/validation, lease-based
// pull, ack/nack, correlated reply, status, and stats. It is the
// generalization of pkg/queue.Consumer (visibility-timeout
// leasing, DefaultRetryPolicy-shaped attempt counting) to ADMP's signed,
// recipient-addressed, at-least-once inbox model.
package inbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/cache"
	"github.com/admp/hub/internal/canonical"
	"github.com/admp/hub/internal/crypto"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
	"github.com/admp/hub/internal/validate"
)

const (
	MaxSubjectLen    = 255
	MaxBodyBytes     = 1 << 20 // 1 MB
	DefaultTTLSec    = 86400
	MaxTTLSec        = 604800
	DefaultVisibility = 60 * time.Second
	MaxVisibility     = 300 * time.Second
	DefaultRetention  = time.Hour
)

// WebhookHandoff is implemented by internal/webhook; Send calls it
// asynchronously without blocking the response.
type WebhookHandoff interface {
	Notify(agentID string, m model.Message)
}

type Service struct {
	store        storage.Store
	agents       *agent.Service
	webhook      WebhookHandoff
	log          *telemetry.Logger
	metrics      *telemetry.Counters
	keyCache     *cache.KeyCache
	streamHub    WebhookHandoff
	maxPerAgent  int
	maxBodyBytes int
}

// WithStreamHub attaches an optional second push-notify sink alongside
// the webhook dispatcher (see httpapi.StreamHub) — unlike the webhook,
// it fires for every send regardless of whether the recipient has a
// webhook URL configured, since a websocket subscription is its own
// opt-in.
func (s *Service) WithStreamHub(h WebhookHandoff) *Service {
	s.streamHub = h
	return s
}

func New(store storage.Store, agents *agent.Service, webhook WebhookHandoff, log *telemetry.Logger, metrics *telemetry.Counters) *Service {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = &telemetry.Counters{}
	}
	return &Service{store: store, agents: agents, webhook: webhook, log: log, metrics: metrics}
}

// WithMaxPerAgent bounds the number of non-terminal (queued+leased)
// messages a single recipient's inbox may hold at once (// MAX_MESSAGES_PER_AGENT). A value <= 0 disables the check.
func (s *Service) WithMaxPerAgent(n int) *Service {
	s.maxPerAgent = n
	return s
}

// WithMaxBodyBytes overrides the default 1 MB body cap with a
// deployment-configured limit (MAX_MESSAGE_SIZE_KB). A
// value <= 0 keeps the hard 1 MB default.
func (s *Service) WithMaxBodyBytes(n int) *Service {
	s.maxBodyBytes = n
	return s
}

func (s *Service) bodyLimit() int {
	if s.maxBodyBytes > 0 {
		return s.maxBodyBytes
	}
	return MaxBodyBytes
}

// WithKeyCache attaches an optional read-through public-key cache. A nil
// keyCache (the zero value when Redis isn't configured) is safe to pass:
// every cache.KeyCache method is a documented no-op on a nil receiver.
func (s *Service) WithKeyCache(kc *cache.KeyCache) *Service {
	s.keyCache = kc
	return s
}

// SendInput is the inbound envelope shape.
type SendInput struct {
	Version         string
	ID              string
	Type            string
	From            string
	To              string
	Subject         string
	Body            json.RawMessage
	Timestamp       string
	CorrelationID   string
	TTLSec          int64
	Signature       model.Signature
	Ephemeral       bool
	EphemeralTTLSec int64
	GroupID         string
	GroupMessageID  string

	// Internal marks a Send originating from another core service
	// (reply correlation, group fanout, round-table notify) rather
	// than an externally submitted envelope. Internal sends are
	// exempt from the signature-required check since they never
	// carry a caller-supplied envelope to sign; every externally
	// reachable path (handleMessageSend) leaves this false.
	Internal bool
}

func newMessageID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) Send(ctx context.Context, in SendInput) (model.Message, error) {
	if err := s.validateSend(in); err != nil {
		return model.Message{}, err
	}

	toID, toIsDID := canonical.NormalizeRecipient(in.To)
	fromID, _ := canonical.NormalizeRecipient(in.From)

	var recipient model.Agent
	var err error
	if toIsDID {
		var ok bool
		recipient, ok, err = s.store.GetAgentByDID(ctx, toID)
		if err == nil && !ok {
			err = apperr.New(apperr.RecipientNotFound, fmt.Sprintf("recipient %q not found", in.To))
		}
	} else {
		var ok bool
		recipient, ok, err = s.store.GetAgent(ctx, toID)
		if err == nil && !ok {
			err = apperr.New(apperr.RecipientNotFound, fmt.Sprintf("recipient %q not found", in.To))
		}
	}
	if err != nil {
		if ae, ok := apperr.AsAppError(err); ok {
			return model.Message{}, ae
		}
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}

	if err := s.agents.TrustCheck(ctx, recipient, fromID); err != nil {
		return model.Message{}, err
	}

	if err := s.verifySignature(ctx, in); err != nil {
		return model.Message{}, err
	}

	if s.maxPerAgent > 0 {
		st, err := s.store.GetInboxStats(ctx, recipient.AgentID)
		if err != nil {
			return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
		}
		if st.Queued+st.Leased >= s.maxPerAgent {
			return model.Message{}, apperr.New(apperr.InboxFull, fmt.Sprintf("recipient inbox is at its %d-message cap", s.maxPerAgent))
		}
	}

	id := in.ID
	if id == "" {
		gen, genErr := newMessageID()
		if genErr != nil {
			return model.Message{}, apperr.New(apperr.Internal, "failed to generate message id")
		}
		id = gen
	}

	ttl := in.TTLSec
	if ttl == 0 {
		ttl = DefaultTTLSec
	}

	now := time.Now().UTC()
	nowMS := now.UnixMilli()
	m := model.Message{
		Version:       "1.0",
		ID:            id,
		Type:          in.Type,
		From:          fromID,
		To:            recipient.AgentID,
		Subject:       in.Subject,
		Body:          in.Body,
		Timestamp:     in.Timestamp,
		CorrelationID: in.CorrelationID,
		TTLSec:        ttl,
		Signature:     in.Signature,
		Status:        model.StatusQueued,
		CreatedAtMS:   nowMS,
		UpdatedAtMS:   nowMS,
		Ephemeral:     in.Ephemeral,
		GroupID:       in.GroupID,
		GroupMessageID: in.GroupMessageID,
	}
	if in.Ephemeral && in.EphemeralTTLSec > 0 {
		m.EphemeralTTLSec = in.EphemeralTTLSec
		m.ExpiresAtMS = nowMS + in.EphemeralTTLSec*1000
	} else if ttl > 0 {
		m.ExpiresAtMS = nowMS + ttl*1000
	}

	created, err := s.store.CreateMessage(ctx, m)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	s.metrics.IncMessagesSent()
	s.log.Info("message sent", telemetry.F("message_id", id), telemetry.F("to", recipient.AgentID))

	if recipient.WebhookURL != "" && s.webhook != nil {
		s.webhook.Notify(recipient.AgentID, created)
	}
	if s.streamHub != nil {
		s.streamHub.Notify(recipient.AgentID, created)
	}

	return created, nil
}

// validateSend accumulates every shape problem with in into a
// validate.Report before failing, then returns only the first violation
// (in check order) as the error; the rest of the report is not returned
// to the caller.
func (s *Service) validateSend(in SendInput) error {
	var report validate.Report
	if in.Version != "" && in.Version != "1.0" {
		report.AddCode(string(apperr.UnsupportedVer), "version", fmt.Sprintf("unsupported version %q", in.Version))
	}
	if in.From == "" || in.To == "" {
		report.AddCode(string(apperr.MissingField), "from_to", "from and to are required")
	}
	if in.Timestamp == "" {
		report.AddCode(string(apperr.MissingField), "timestamp", "timestamp is required")
	} else if _, err := time.Parse(time.RFC3339Nano, in.Timestamp); err != nil {
		if _, err2 := time.Parse(time.RFC3339, in.Timestamp); err2 != nil {
			report.AddCode(string(apperr.InvalidTimestamp), "timestamp", fmt.Sprintf("invalid timestamp %q", in.Timestamp))
		}
	}
	if len(in.Subject) > MaxSubjectLen {
		report.AddCode(string(apperr.InvalidRequest), "subject", "subject exceeds 255 characters")
	}
	if limit := s.bodyLimit(); len(in.Body) > limit {
		report.AddCode(string(apperr.BodyTooLarge), "body", fmt.Sprintf("body exceeds %d bytes", limit))
	}
	if in.TTLSec < 0 || in.TTLSec > MaxTTLSec {
		report.AddCode(string(apperr.InvalidTTL), "ttl_sec", fmt.Sprintf("ttl_sec must be between 0 and %d", MaxTTLSec))
	}
	if fromID, fromIsDID := canonical.NormalizeRecipient(in.From); !fromIsDID {
		if err := canonical.ValidateAgentID(fromID); err != nil {
			report.AddCode(string(apperr.InvalidAgentID), "from", err.Error())
		}
	}
	if !in.Internal && (in.Signature.Alg != "ed25519" || len(in.Signature.Sig) == 0) {
		report.AddCode(string(apperr.InvalidSignature), "signature", "a signed ed25519 envelope is required")
	}
	if report.HasErrors() {
		v := report.First()
		return apperr.New(apperr.Code(v.Code), v.Message)
	}
	return nil
}

// verifySignature is a no-op only for an Internal send with no
// signature attached (reply correlation, group fanout, round-table
// notify — none of which carry a caller-supplied envelope to verify);
// validateSend already rejects an externally submitted Send with a
// missing or non-ed25519 signature before this is ever reached, so
// every other path here always has signature bytes to check against
// the sender's key set (active keys plus any still in their rotation
// grace window); a sender that is not registered is rejected. The key
// set is served from s.keyCache when configured (fail-open: a miss or
// absent cache falls straight through to agent.ActiveKeys, never
// blocking verification).
func (s *Service) verifySignature(ctx context.Context, in SendInput) error {
	if in.Internal && len(in.Signature.Sig) == 0 {
		return nil
	}
	fromID, fromIsDID := canonical.NormalizeRecipient(in.From)
	var sender model.Agent
	var ok bool
	var err error
	if fromIsDID {
		sender, ok, err = s.store.GetAgentByDID(ctx, fromID)
	} else {
		sender, ok, err = s.store.GetAgent(ctx, fromID)
	}
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return apperr.New(apperr.InvalidSignature, fmt.Sprintf("sender %q is not registered", in.From))
	}
	keys, hit := s.keyCache.Get(ctx, sender.AgentID)
	if !hit {
		keys = agent.ActiveKeys(sender)
		s.keyCache.Set(ctx, sender.AgentID, keys)
	}
	_, err = crypto.VerifyEnvelope(keys, in.Signature.Sig, in.Timestamp, in.From, in.To, in.CorrelationID, in.Body, time.Now().UTC())
	if err != nil {
		return apperr.New(apperr.InvalidSignature, err.Error())
	}
	return nil
}

// Pull performs the atomic lease transition. ok=false
// means the inbox has nothing eligible right now (204 at the HTTP layer).
func (s *Service) Pull(ctx context.Context, agentID string, visibility time.Duration) (model.Message, bool, error) {
	if _, ok, err := s.store.GetAgent(ctx, agentID); err != nil {
		return model.Message{}, false, apperr.New(apperr.StorageUnavailable, err.Error())
	} else if !ok {
		return model.Message{}, false, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}

	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	if visibility > MaxVisibility {
		return model.Message{}, false, apperr.New(apperr.InvalidVisibility, fmt.Sprintf("visibility_timeout must be <= %s", MaxVisibility))
	}

	m, ok, err := s.store.LeaseNext(ctx, agentID, time.Now().UTC(), visibility)
	if err != nil {
		return model.Message{}, false, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, false, nil
	}
	s.metrics.IncMessagesPulled()
	return m, true, nil
}

// Ack finalizes a leased message: ephemeral messages have
// their body stripped and become purged; others become acked.
func (s *Service) Ack(ctx context.Context, agentID, messageID string, result json.RawMessage) (model.Message, error) {
	m, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.MessageNotFound, fmt.Sprintf("message %q not found", messageID))
	}
	if m.To != agentID {
		return model.Message{}, apperr.New(apperr.Forbidden, "message does not belong to this agent")
	}
	if m.Status != model.StatusLeased {
		return model.Message{}, apperr.New(apperr.NotLeased, fmt.Sprintf("message %q is not leased", messageID))
	}

	nowMS := time.Now().UTC().UnixMilli()
	patch := storage.MessagePatch{AckedAtMS: &nowMS, ClearLease: true, Result: result}
	if m.Ephemeral {
		st := model.StatusPurged
		reason := "acked"
		patch.Status = &st
		patch.PurgedAtMS = &nowMS
		patch.PurgeReason = &reason
		patch.ClearBody = true
	} else {
		st := model.StatusAcked
		patch.Status = &st
	}

	updated, ok, err := s.store.UpdateMessage(ctx, messageID, []model.MessageStatus{model.StatusLeased}, patch)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.NotLeased, fmt.Sprintf("message %q is not leased", messageID))
	}
	s.metrics.IncMessagesAcked()
	return updated, nil
}

// NackInput carries the two negative-ack modes: requeue or extend lease.
type NackInput struct {
	ExtendSec int64
	Requeue   bool
}

func (s *Service) Nack(ctx context.Context, agentID, messageID string, in NackInput) (model.Message, error) {
	m, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.MessageNotFound, fmt.Sprintf("message %q not found", messageID))
	}
	if m.To != agentID {
		return model.Message{}, apperr.New(apperr.Forbidden, "message does not belong to this agent")
	}
	if m.Status != model.StatusLeased {
		return model.Message{}, apperr.New(apperr.NotLeased, fmt.Sprintf("message %q is not leased", messageID))
	}

	var patch storage.MessagePatch
	if in.ExtendSec > 0 && !in.Requeue {
		nowMS := time.Now().UTC().UnixMilli()
		base := m.LeaseUntilMS
		if base < nowMS {
			base = nowMS
		}
		newLease := base + in.ExtendSec*1000
		patch = storage.MessagePatch{LeaseUntilMS: &newLease}
	} else {
		st := model.StatusQueued
		patch = storage.MessagePatch{Status: &st, ClearLease: true}
	}

	updated, ok, err := s.store.UpdateMessage(ctx, messageID, []model.MessageStatus{model.StatusLeased}, patch)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.NotLeased, fmt.Sprintf("message %q is not leased", messageID))
	}
	s.metrics.IncMessagesNacked()
	return updated, nil
}

// Reply creates a correlated message on the normal send path.
func (s *Service) Reply(ctx context.Context, replier, originalID, subject string, body json.RawMessage) (model.Message, error) {
	orig, ok, err := s.store.GetMessage(ctx, originalID)
	if err != nil {
		return model.Message{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Message{}, apperr.New(apperr.MessageNotFound, fmt.Sprintf("message %q not found", originalID))
	}
	if subject == "" {
		subject = orig.Subject
	}
	return s.Send(ctx, SendInput{
		From:          replier,
		To:            orig.From,
		Type:          "reply",
		Subject:       subject,
		Body:          body,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: orig.ID,
		Internal:      true,
	})
}

// StatusResult distinguishes "gone" (purged) from plain not-found
// so callers get the right HTTP status.
type StatusResult struct {
	Message model.Message
	Gone    bool
}

func (s *Service) Status(ctx context.Context, messageID string) (StatusResult, error) {
	m, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return StatusResult{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return StatusResult{}, apperr.New(apperr.MessageNotFound, fmt.Sprintf("message %q not found", messageID))
	}
	if m.Status == model.StatusPurged {
		restricted := model.Message{
			ID:          m.ID,
			From:        m.From,
			To:          m.To,
			Subject:     m.Subject,
			Status:      m.Status,
			PurgedAtMS:  m.PurgedAtMS,
			PurgeReason: m.PurgeReason,
		}
		return StatusResult{Message: restricted, Gone: true}, apperr.New(apperr.MessagePurged, "message has been purged")
	}
	return StatusResult{Message: m}, nil
}

func (s *Service) Stats(ctx context.Context, agentID string) (storage.InboxStats, error) {
	st, err := s.store.GetInboxStats(ctx, agentID)
	if err != nil {
		return storage.InboxStats{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	return st, nil
}
