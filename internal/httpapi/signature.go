package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/crypto"
	apperr "github.com/admp/hub/internal/errors"
)

// verifyAgentSignature implements the HTTP Signature auth mode used
// for agent-scoped state-changing requests (rotate-key,
// trust-list edits, webhook config): the caller signs
// "(request-target): <method> <path>\ndate: <date>" with their current
// active private key and presents it via X-ADMP-Signature /
// X-ADMP-Signature-Date. No key-id header is read: every active or
// in-grace key of the agent is tried. This is additive to the
// envelope-level signature used for message sends — it
// authenticates the HTTP request itself, not a queued envelope.
func (s *server) verifyAgentSignature(ctx context.Context, r *http.Request, agentID string) error {
	sigB64 := strings.TrimSpace(r.Header.Get("X-ADMP-Signature"))
	date := strings.TrimSpace(r.Header.Get("X-ADMP-Signature-Date"))
	if sigB64 == "" || date == "" {
		return apperr.New(apperr.Unauthorized, "missing X-ADMP-Signature / X-ADMP-Signature-Date")
	}
	ts, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, date)
		if err != nil {
			return apperr.New(apperr.Unauthorized, "invalid X-ADMP-Signature-Date")
		}
	}
	if skew := time.Now().UTC().Sub(ts); skew > crypto.MaxSkew || skew < -crypto.MaxSkew {
		return apperr.New(apperr.Unauthorized, "signature date outside allowed skew")
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "invalid signature encoding")
	}

	target := fmt.Sprintf("(request-target): %s %s", strings.ToLower(r.Method), r.URL.Path)
	base := target + "\ndate: " + date

	a, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	for _, k := range agent.ActiveKeys(a) {
		if len(k.Public) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(k.Public, []byte(base), sig) {
			return nil
		}
	}
	return apperr.New(apperr.Unauthorized, "signature verification failed")
}
