package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxSkew is the maximum allowed difference between an envelope's
// timestamp and the server's clock at ingress.
const MaxSkew = 5 * time.Minute

// SigningBase builds the canonical, newline-joined string that is signed
// and verified for every envelope:
//
//	timestamp\nSHA256_base64(JSON.serialize(body))\nfrom\nto\ncorrelation_id_or_empty
func SigningBase(timestamp, from, to, correlationID string, body json.RawMessage) string {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	sum := sha256.Sum256(body)
	bodyHash := base64.StdEncoding.EncodeToString(sum[:])
	return strings.Join([]string{timestamp, bodyHash, from, to, correlationID}, "\n")
}

// SignEnvelope signs the canonical base with priv and returns the raw signature bytes.
func SignEnvelope(priv ed25519.PrivateKey, timestamp, from, to, correlationID string, body json.RawMessage) []byte {
	base := SigningBase(timestamp, from, to, correlationID, body)
	return Sign(priv, []byte(base))
}

// ActiveKey is one public key considered valid for verification: either
// currently active, or within its rotation grace window.
type ActiveKey struct {
	Public        ed25519.PublicKey
	Active        bool
	DeactivateAt  *time.Time
}

// usableAt reports whether the key may still be used to verify a
// signature produced/checked at `at`.
func (k ActiveKey) usableAt(at time.Time) bool {
	if k.Active {
		return true
	}
	if k.DeactivateAt != nil && at.Before(*k.DeactivateAt) {
		return true
	}
	return false
}

// VerifyEnvelope checks the signature against every key in keys that is
// active or within grace, and checks the timestamp skew window. It
// returns the key that verified, or an error describing which check failed.
func VerifyEnvelope(keys []ActiveKey, sig []byte, timestamp, from, to, correlationID string, body json.RawMessage, now time.Time) (ActiveKey, error) {
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return ActiveKey{}, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
		}
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return ActiveKey{}, fmt.Errorf("timestamp skew %s exceeds %s", skew, MaxSkew)
	}

	base := []byte(SigningBase(timestamp, from, to, correlationID, body))
	for _, k := range keys {
		if !k.usableAt(now) {
			continue
		}
		if Verify(k.Public, base, sig) {
			return k, nil
		}
	}
	return ActiveKey{}, fmt.Errorf("signature verification failed against %d candidate key(s)", len(keys))
}
