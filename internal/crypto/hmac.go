package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignWebhookPayload returns the hex-encoded HMAC-SHA256 of payload under
// secret, delivered both inline in the webhook body and mirrored in the
// X-ADMP-Signature header.
func SignWebhookPayload(secret string, payload []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyWebhookSignature compares in constant time,
func VerifyWebhookSignature(secret string, payload []byte, signature string) bool {
	want := SignWebhookPayload(secret, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
