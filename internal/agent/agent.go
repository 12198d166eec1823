// Package agent implements the agent identity service:
// registration (legacy keygen or seed-derived), profile management,
// heartbeat, trust lists, webhook configuration, and key rotation.
// Opaque-ID validation is handled by the pkg/canonical/entity.go
// generalization already living in internal/canonical.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/admp/hub/internal/cache"
	"github.com/admp/hub/internal/canonical"
	"github.com/admp/hub/internal/crypto"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

type Service struct {
	store           storage.Store
	log             *telemetry.Logger
	heartbeatTimeoutMS int64
	keyCache        *cache.KeyCache
}

func New(store storage.Store, log *telemetry.Logger, heartbeatTimeout time.Duration) *Service {
	if log == nil {
		log = telemetry.Nop
	}
	return &Service{store: store, log: log, heartbeatTimeoutMS: heartbeatTimeout.Milliseconds()}
}

// WithKeyCache attaches the optional public-key cache so RotateKey can
// invalidate a stale entry the moment a key is replaced, instead of
// waiting out the cache's TTL.
func (s *Service) WithKeyCache(kc *cache.KeyCache) *Service {
	s.keyCache = kc
	return s
}

// RegisterInput carries the optional fields a caller may set on registration.
type RegisterInput struct {
	AgentID  string
	Seed     []byte
	Metadata map[string]string
	AgentType string
}

// RegisterResult surfaces the secret key only on the legacy path, and
// only in this one response.
type RegisterResult struct {
	Agent            model.Agent
	SecretKey        []byte
	RegistrationMode model.RegistrationMode
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "agt_" + hex.EncodeToString(b), nil
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	id := in.AgentID
	if id == "" {
		gen, err := randomID()
		if err != nil {
			return RegisterResult{}, apperr.New(apperr.Internal, "failed to generate agent id")
		}
		id = gen
	}
	if err := canonical.ValidateAgentID(id); err != nil {
		return RegisterResult{}, apperr.New(apperr.InvalidAgentID, err.Error())
	}

	var (
		pub       []byte
		priv      []byte
		mode      model.RegistrationMode
		did       string
	)
	if len(in.Seed) > 0 {
		kp, err := crypto.DeriveFromSeed(in.Seed)
		if err != nil {
			return RegisterResult{}, apperr.New(apperr.InvalidRequest, err.Error())
		}
		pub = kp.Public
		mode = model.RegistrationSeed
		did = "did:seed:" + crypto.EncodeBase58(pub)
	} else {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return RegisterResult{}, apperr.New(apperr.Internal, "failed to generate key pair")
		}
		pub, priv = kp.Public, kp.Private
		mode = model.RegistrationLegacy
	}

	now := time.Now().UTC()
	nowMS := now.UnixMilli()
	a := model.Agent{
		AgentID:          id,
		DID:              did,
		PublicKey:        pub,
		PublicKeys:       []model.PublicKeyEntry{{Key: pub, Active: true, RotatedAt: now}},
		RegistrationMode: mode,
		AgentType:        in.AgentType,
		Metadata:         in.Metadata,
		CreatedAtMS:      nowMS,
		UpdatedAtMS:      nowMS,
	}
	if mode == model.RegistrationLegacy {
		a.SecretKey = priv
	}

	created, err := s.store.CreateAgent(ctx, a)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return RegisterResult{}, apperr.New(apperr.AgentExists, fmt.Sprintf("agent %q already registered", id))
		}
		return RegisterResult{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	s.log.Info("agent registered", telemetry.F("agent_id", id), telemetry.F("mode", string(mode)))

	result := RegisterResult{Agent: sanitize(created), RegistrationMode: mode}
	if mode == model.RegistrationLegacy {
		result.SecretKey = priv
	}
	return result, nil
}

// sanitize strips fields Get must never return.
func sanitize(a model.Agent) model.Agent {
	a.SecretKey = nil
	a.WebhookSecret = ""
	return a
}

func (s *Service) Get(ctx context.Context, id string) (model.Agent, error) {
	a, ok, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	return sanitize(a), nil
}

type UpdateInput struct {
	TrustedAgents *[]string
	Metadata      map[string]string
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (model.Agent, error) {
	a, ok, err := s.store.UpdateAgent(ctx, id, storage.AgentPatch{
		TrustedAgents: in.TrustedAgents,
		Metadata:      in.Metadata,
	})
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	return sanitize(a), nil
}

// Delete deregisters the agent and its inbox.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.store.DeleteAgent(ctx, id)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	s.log.Info("agent deregistered", telemetry.F("agent_id", id))
	return nil
}

// Heartbeat updates last_heartbeat_ms; derived status flips to online
// immediately, offline only after the sweeper observes the timeout has
// elapsed (— advisory only, never blocks delivery).
func (s *Service) Heartbeat(ctx context.Context, id string) (model.Agent, error) {
	nowMS := time.Now().UTC().UnixMilli()
	a, ok, err := s.store.UpdateAgent(ctx, id, storage.AgentPatch{LastHeartbeatMS: &nowMS})
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	return sanitize(a), nil
}

// List returns registered agents, optionally filtered by type/derived status.
func (s *Service) List(ctx context.Context, filter storage.AgentFilter) ([]model.Agent, error) {
	agents, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	out := make([]model.Agent, len(agents))
	for i, a := range agents {
		out[i] = sanitize(a)
	}
	return out, nil
}

// SetWebhook configures the push URL; an omitted secret is autogenerated
//. Get must never return it (enforced by sanitize).
func (s *Service) SetWebhook(ctx context.Context, id, url, secret string) (model.Agent, error) {
	if secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return model.Agent{}, apperr.New(apperr.Internal, "failed to generate webhook secret")
		}
		secret = hex.EncodeToString(b)
	}
	a, ok, err := s.store.UpdateAgent(ctx, id, storage.AgentPatch{WebhookURL: &url, WebhookSecret: &secret})
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	return sanitize(a), nil
}

// RotateKey appends a new active public key; if keepOldGrace>0 the prior
// active key stays usable until now+keepOldGrace.
// Envelope verification tries every active-or-in-grace key.
func (s *Service) RotateKey(ctx context.Context, id string, newPub []byte, keepOldGrace time.Duration) (model.Agent, error) {
	a, ok, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}

	now := time.Now().UTC()
	keys := make([]model.PublicKeyEntry, len(a.PublicKeys))
	copy(keys, a.PublicKeys)
	for i := range keys {
		if keys[i].Active {
			keys[i].Active = false
			if keepOldGrace > 0 {
				d := now.Add(keepOldGrace)
				keys[i].DeactivateAt = &d
			} else {
				t := now
				keys[i].DeactivateAt = &t
			}
		}
	}
	keys = append(keys, model.PublicKeyEntry{Key: newPub, Active: true, RotatedAt: now})

	updated, ok, err := s.store.UpdateAgent(ctx, id, storage.AgentPatch{PublicKeys: &keys, PublicKey: &newPub})
	if err != nil {
		return model.Agent{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.Agent{}, apperr.New(apperr.AgentNotFound, fmt.Sprintf("agent %q not found", id))
	}
	s.keyCache.Invalidate(ctx, id)
	s.log.Info("agent key rotated", telemetry.F("agent_id", id))
	return sanitize(updated), nil
}

// ActiveKeys returns the candidate verification keys for the envelope
// layer: anything active, or within grace.
func ActiveKeys(a model.Agent) []crypto.ActiveKey {
	if len(a.PublicKeys) == 0 {
		return []crypto.ActiveKey{{Public: a.PublicKey, Active: true}}
	}
	out := make([]crypto.ActiveKey, len(a.PublicKeys))
	for i, k := range a.PublicKeys {
		out[i] = crypto.ActiveKey{Public: k.Key, Active: k.Active, DeactivateAt: k.DeactivateAt}
	}
	return out
}

// TrustCheck implements trust-list rule: empty list means
// open (any sender accepted); non-empty means the sender must appear in
// the list AND be a currently-registered agent — an unregistered sender
// claiming a trusted ID is rejected so a deregistered identity can't be
// impersonated.
func (s *Service) TrustCheck(ctx context.Context, recipient model.Agent, senderID string) error {
	if len(recipient.TrustedAgents) == 0 {
		return nil
	}
	trusted := false
	for _, t := range recipient.TrustedAgents {
		if t == senderID {
			trusted = true
			break
		}
	}
	if !trusted {
		return apperr.New(apperr.UntrustedSender, fmt.Sprintf("sender %q is not in recipient's trust list", senderID))
	}
	if _, ok, err := s.store.GetAgent(ctx, senderID); err != nil {
		return apperr.New(apperr.StorageUnavailable, err.Error())
	} else if !ok {
		return apperr.New(apperr.UntrustedSender, fmt.Sprintf("sender %q is trusted but no longer registered", senderID))
	}
	return nil
}
