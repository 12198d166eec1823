// Package apikey issues and verifies the scoped/single-use bearer
// tokens described by the `issued_api_keys` / `issued_api_key_hashes`
// collections, layered on top of the storage abstraction's
// create_issued_key/get_issued_key_by_hash/burn_single_use_key
// operations. A master-key holder issues a key out of band (typically
// a single-use provisioning token handed to a new agent so it doesn't
// need the shared master key to register); the presenter exchanges the
// raw secret for the stored record by hash lookup, never by key_id.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"time"

	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/idempotency"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

type Service struct {
	store storage.Store
	log   *telemetry.Logger
}

func New(store storage.Store, log *telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.Nop
	}
	return &Service{store: store, log: log}
}

type IssueInput struct {
	Scope string
	TTL   time.Duration
}

// IssueResult carries the raw secret, which is returned exactly once
// and never recoverable afterward — only its hash is persisted.
type IssueResult struct {
	Key    string
	Record model.IssuedAPIKey
}

func newKeyID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "key_" + hex.EncodeToString(b), nil
}

func newRawSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admp_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// hash derives the deterministic "v1:issued_api_key:<sha256>" index key
// a raw secret hashes to, shared between Issue and Verify so the
// issued_api_key_hashes lookup is O(1) on either side.
func hash(raw string) (string, error) {
	return idempotency.BuildKey("issued_api_key", raw)
}

// Issue mints a new key under scope and persists only its hash. Scope
// is caller-defined and opaque to this package; callers that issue
// single-use provisioning tokens use a "register:" prefix convention
// so Verify's caller can tell a presented key apart from a standing,
// reusable scoped key.
func (s *Service) Issue(ctx context.Context, in IssueInput) (IssueResult, error) {
	if in.Scope == "" {
		return IssueResult{}, apperr.New(apperr.MissingField, "scope is required")
	}
	keyID, err := newKeyID()
	if err != nil {
		return IssueResult{}, apperr.New(apperr.Internal, "failed to generate key_id")
	}
	raw, err := newRawSecret()
	if err != nil {
		return IssueResult{}, apperr.New(apperr.Internal, "failed to generate key secret")
	}
	h, err := hash(raw)
	if err != nil {
		return IssueResult{}, apperr.New(apperr.Internal, "failed to hash key")
	}

	now := time.Now().UTC()
	rec := model.IssuedAPIKey{KeyID: keyID, KeyHash: h, Scope: in.Scope, CreatedAt: now}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		rec.ExpiresAt = &exp
	}
	created, err := s.store.CreateIssuedKey(ctx, rec)
	if err != nil {
		return IssueResult{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	s.log.Info("issued api key", telemetry.F("key_id", created.KeyID), telemetry.F("scope", created.Scope))
	return IssueResult{Key: raw, Record: created}, nil
}

// Verify resolves a raw presented key to its record, rejecting
// revoked, expired, or unrecognized keys. It never burns a single-use
// key; callers that require single-use semantics call VerifyAndBurn.
func (s *Service) Verify(ctx context.Context, raw string) (model.IssuedAPIKey, error) {
	h, err := hash(raw)
	if err != nil {
		return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "malformed api key")
	}
	rec, ok, err := s.store.GetIssuedKeyByHash(ctx, h)
	if err != nil {
		return model.IssuedAPIKey{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !ok {
		return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "unknown api key")
	}
	if rec.Revoked {
		return model.IssuedAPIKey{}, apperr.New(apperr.Forbidden, "api key revoked")
	}
	if rec.ExpiresAt != nil && time.Now().UTC().After(*rec.ExpiresAt) {
		return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "api key expired")
	}
	return rec, nil
}

// VerifyAndBurn resolves a raw key like Verify, then atomically claims
// it via burn_single_use_key; a key already used by a prior caller
// fails with Unauthorized rather than silently succeeding twice.
func (s *Service) VerifyAndBurn(ctx context.Context, raw string) (model.IssuedAPIKey, error) {
	rec, err := s.Verify(ctx, raw)
	if err != nil {
		return model.IssuedAPIKey{}, err
	}
	if rec.UsedAt != nil {
		return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "api key already used")
	}
	won, err := s.store.BurnSingleUseKey(ctx, rec.KeyID, time.Now().UTC())
	if err != nil {
		if err == storage.ErrNotFound {
			return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "unknown api key")
		}
		return model.IssuedAPIKey{}, apperr.New(apperr.StorageUnavailable, err.Error())
	}
	if !won {
		return model.IssuedAPIKey{}, apperr.New(apperr.Unauthorized, "api key already used")
	}
	return rec, nil
}
