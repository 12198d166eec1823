package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/crypto"
	apperr "github.com/admp/hub/internal/errors"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage/memory"
)

type fixture struct {
	store  *memory.Store
	agents *agent.Service
	inbox  *Service
}

func newFixture() *fixture {
	store := memory.New()
	agents := agent.New(store, nil, 300*time.Second)
	inb := New(store, agents, nil, nil, nil)
	return &fixture{store: store, agents: agents, inbox: inb}
}

func (f *fixture) register(t *testing.T, id string) (model.Agent, agent.RegisterResult) {
	t.Helper()
	res, err := f.agents.Register(context.Background(), agent.RegisterInput{AgentID: id})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return res.Agent, res
}

// signedSend signs an envelope with priv and sends it through the normal path.
func (f *fixture) signedSend(t *testing.T, priv []byte, from, to, subject string, body json.RawMessage) (model.Message, error) {
	t.Helper()
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig := crypto.SignEnvelope(priv, ts, from, to, "", body)
	return f.inbox.Send(context.Background(), SendInput{
		From: from, To: to, Type: "task.request", Subject: subject, Body: body,
		Timestamp: ts, Signature: model.Signature{Alg: "ed25519", Sig: sig},
	})
}

func TestSendPullAckHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, aliceReg := f.register(t, "alice")
	f.register(t, "bob")

	m, err := f.signedSend(t, aliceReg.SecretKey, "alice", "bob", "hello", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Status != model.StatusQueued {
		t.Fatalf("expected queued status, got %s", m.Status)
	}

	pulled, ok, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || !ok {
		t.Fatalf("Pull: ok=%v err=%v", ok, err)
	}
	if pulled.Status != model.StatusLeased || pulled.Attempts != 1 {
		t.Fatalf("expected leased/attempts=1, got status=%s attempts=%d", pulled.Status, pulled.Attempts)
	}

	if _, err := f.inbox.Ack(ctx, "bob", pulled.ID, nil); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	_, ok, err = f.inbox.Pull(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if ok {
		t.Fatal("expected no more messages after ack")
	}

	st, err := f.inbox.Status(ctx, m.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Message.Status != model.StatusAcked {
		t.Fatalf("expected acked status, got %s", st.Message.Status)
	}
}

func TestPullTwoConcurrentNeverDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	for i := 0; i < 2; i++ {
		f.store.CreateMessage(ctx, model.Message{
			ID: idN(i), To: "bob", Status: model.StatusQueued, CreatedAtMS: int64(i),
		})
	}
	var wg sync.WaitGroup
	got := make([]model.Message, 2)
	oks := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], oks[i], _ = f.inbox.Pull(ctx, "bob", 0)
		}(i)
	}
	wg.Wait()
	m1, ok1, m2, ok2 := got[0], oks[0], got[1], oks[1]
	if !ok1 || !ok2 {
		t.Fatal("expected both pulls to succeed")
	}
	if m1.ID == m2.ID {
		t.Fatal("expected two concurrent pulls to receive distinct messages")
	}
}

func idN(i int) string { return "m" + string(rune('0'+i)) }

func TestLeaseReclamation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})

	pulled, ok, err := f.inbox.Pull(ctx, "bob", time.Second)
	if err != nil || !ok {
		t.Fatalf("Pull: ok=%v err=%v", ok, err)
	}
	if pulled.Attempts != 1 {
		t.Fatalf("expected attempts=1 on first pull, got %d", pulled.Attempts)
	}

	n, err := f.store.ExpireLeases(ctx, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 lease reclaimed, got %d", n)
	}

	pulled2, ok, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || !ok {
		t.Fatalf("second Pull: ok=%v err=%v", ok, err)
	}
	if pulled2.ID != "m1" || pulled2.Attempts != 2 {
		t.Fatalf("expected the same message redelivered with attempts=2, got id=%s attempts=%d", pulled2.ID, pulled2.Attempts)
	}
}

func TestEphemeralPurgeOnAck(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{
		ID: "m2", To: "bob", Status: model.StatusQueued, Ephemeral: true,
		Body: json.RawMessage(`{"secret":"S"}`),
	})

	pulled, ok, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || !ok {
		t.Fatalf("Pull: ok=%v err=%v", ok, err)
	}
	if _, err := f.inbox.Ack(ctx, "bob", pulled.ID, nil); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	st, err := f.inbox.Status(ctx, "m2")
	if err == nil {
		t.Fatal("expected Status of a purged message to return an error (gone)")
	}
	ae, ok2 := apperr.AsAppError(err)
	if !ok2 || ae.Code != apperr.MessagePurged {
		t.Fatalf("expected MessagePurged, got %v", err)
	}
	if !st.Gone {
		t.Fatal("expected Gone=true")
	}
	if st.Message.Status != model.StatusPurged || st.Message.PurgeReason != "acked" {
		t.Fatalf("expected purged/acked reason, got status=%s reason=%s", st.Message.Status, st.Message.PurgeReason)
	}
	if st.Message.Body != nil {
		t.Fatal("expected body to be nulled on the restricted purged record")
	}
}

func TestTrustRejection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, aliceReg := f.register(t, "alice")
	_, carolReg := f.register(t, "carol")
	f.register(t, "bob")

	trusted := []string{"alice"}
	if _, err := f.agents.Update(ctx, "bob", agent.UpdateInput{TrustedAgents: &trusted}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := f.signedSend(t, aliceReg.SecretKey, "alice", "bob", "hi", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected trusted sender to be accepted: %v", err)
	}

	_, err := f.signedSend(t, carolReg.SecretKey, "carol", "bob", "hi", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected untrusted sender to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.UntrustedSender {
		t.Fatalf("expected UntrustedSender, got %v", err)
	}

	f.agents.Delete(ctx, "carol")
	trustedWithCarol := []string{"alice", "carol"}
	f.agents.Update(ctx, "bob", agent.UpdateInput{TrustedAgents: &trustedWithCarol})
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	body := json.RawMessage(`{}`)
	sig := crypto.SignEnvelope(carolReg.SecretKey, ts, "carol", "bob", "", body)
	_, err = f.inbox.Send(ctx, SendInput{
		From: "carol", To: "bob", Type: "task.request", Subject: "forged", Body: body,
		Timestamp: ts, Signature: model.Signature{Alg: "ed25519", Sig: sig},
	})
	if err == nil {
		t.Fatal("expected a forged sender claiming a deregistered trusted id to be rejected")
	}
}

func TestReplayRejectedAfterSkewWindow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, aliceReg := f.register(t, "alice")
	f.register(t, "bob")

	ts := time.Now().UTC().Add(-301 * time.Second).Format(time.RFC3339Nano)
	body := json.RawMessage(`{}`)
	sig := crypto.SignEnvelope(aliceReg.SecretKey, ts, "alice", "bob", "", body)
	_, err := f.inbox.Send(ctx, SendInput{
		From: "alice", To: "bob", Type: "task.request", Subject: "replay", Body: body,
		Timestamp: ts, Signature: model.Signature{Alg: "ed25519", Sig: sig},
	})
	if err == nil {
		t.Fatal("expected a replayed envelope past the skew window to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.InvalidSignature {
		t.Fatalf("expected InvalidSignature (skew check lives inside VerifyEnvelope), got %v", err)
	}
}

func TestNackExtendKeepsLeased(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})
	pulled, _, _ := f.inbox.Pull(ctx, "bob", time.Minute)

	updated, err := f.inbox.Nack(ctx, "bob", pulled.ID, NackInput{ExtendSec: 30})
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if updated.Status != model.StatusLeased {
		t.Fatalf("expected status to remain leased after extend, got %s", updated.Status)
	}
	if updated.LeaseUntilMS <= pulled.LeaseUntilMS {
		t.Fatal("expected lease_until_ms to be extended forward")
	}
}

func TestNackRequeueIsImmediatelyPullable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})
	pulled, _, _ := f.inbox.Pull(ctx, "bob", time.Minute)

	if _, err := f.inbox.Nack(ctx, "bob", pulled.ID, NackInput{Requeue: true}); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, ok, err := f.inbox.Pull(ctx, "bob", 0)
	if err != nil || !ok {
		t.Fatalf("Pull after requeue: ok=%v err=%v", ok, err)
	}
	if again.ID != "m1" || again.Attempts != 2 {
		t.Fatalf("expected redelivery with attempts=2, got id=%s attempts=%d", again.ID, again.Attempts)
	}
}

func TestAckNonLeasedMessageRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})

	_, err := f.inbox.Ack(ctx, "bob", "m1", nil)
	if err == nil {
		t.Fatal("expected acking a queued (not leased) message to fail")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.NotLeased {
		t.Fatalf("expected NotLeased, got %v", err)
	}
}

func TestAckWrongAgentForbidden(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusLeased, LeaseUntilMS: time.Now().Add(time.Minute).UnixMilli()})

	_, err := f.inbox.Ack(ctx, "mallory", "m1", nil)
	if err == nil {
		t.Fatal("expected ack from the wrong agent to be forbidden")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestDoubleAckFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})
	pulled, _, _ := f.inbox.Pull(ctx, "bob", time.Minute)

	if _, err := f.inbox.Ack(ctx, "bob", pulled.ID, nil); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if _, err := f.inbox.Ack(ctx, "bob", pulled.ID, nil); err == nil {
		t.Fatal("expected re-acking the same message to fail")
	}
}

func TestReplyIsCorrelated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", From: "alice", To: "bob", Status: model.StatusQueued, Subject: "orig"})

	reply, err := f.inbox.Reply(ctx, "bob", "m1", "", json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.From != "bob" || reply.To != "alice" || reply.CorrelationID != "m1" {
		t.Fatalf("unexpected reply shape: %+v", reply)
	}
	if reply.Subject != "orig" {
		t.Fatalf("expected inherited subject, got %q", reply.Subject)
	}
}

func TestBodyTooLargeRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	huge := make([]byte, MaxBodyBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	body, _ := json.Marshal(string(huge))
	_, err := f.inbox.Send(ctx, SendInput{
		From: "alice", To: "bob", Type: "x", Subject: "s", Body: body,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		t.Fatal("expected a body over 1 MB to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.BodyTooLarge {
		t.Fatalf("expected BodyTooLarge, got %v", err)
	}
}

func TestTTLBoundary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, aliceReg := f.register(t, "alice")
	f.register(t, "bob")

	body := json.RawMessage(`{}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig := crypto.SignEnvelope(aliceReg.SecretKey, ts, "alice", "bob", "", body)
	base := SendInput{
		From: "alice", To: "bob", Type: "x", Subject: "s", Body: body,
		Timestamp: ts, Signature: model.Signature{Alg: "ed25519", Sig: sig},
	}
	ok := base
	ok.TTLSec = MaxTTLSec
	if _, err := f.inbox.Send(ctx, ok); err != nil {
		t.Fatalf("expected ttl_sec at the max boundary to be accepted, got %v", err)
	}

	bad := base
	bad.TTLSec = MaxTTLSec + 1
	_, err := f.inbox.Send(ctx, bad)
	if err == nil {
		t.Fatal("expected ttl_sec above the max to be rejected")
	}
	ae, ok2 := apperr.AsAppError(err)
	if !ok2 || ae.Code != apperr.InvalidTTL {
		t.Fatalf("expected InvalidTTL, got %v", err)
	}
}

func TestRecipientNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "alice")
	_, err := f.inbox.Send(ctx, SendInput{
		From: "alice", To: "ghost", Type: "x", Subject: "s", Body: json.RawMessage(`{}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Signature: model.Signature{Alg: "ed25519", Sig: []byte("not-verified-until-recipient-resolves")},
	})
	if err == nil {
		t.Fatal("expected sending to an unregistered recipient to fail")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.RecipientNotFound {
		t.Fatalf("expected RecipientNotFound, got %v", err)
	}
}

func TestUnsignedEnvelopeRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	_, err := f.inbox.Send(ctx, SendInput{
		From: "alice", To: "bob", Type: "x", Subject: "s", Body: json.RawMessage(`{}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		t.Fatal("expected an unsigned externally-submitted envelope to be rejected")
	}
	ae, ok := apperr.AsAppError(err)
	if !ok || ae.Code != apperr.InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}

	_, err = f.inbox.Send(ctx, SendInput{
		From: "alice", To: "bob", Type: "x", Subject: "s", Body: json.RawMessage(`{}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Signature: model.Signature{Alg: "hmac-sha256", Sig: []byte("x")},
	})
	if err == nil {
		t.Fatal("expected a non-ed25519 signature algorithm to be rejected")
	}
	ae, ok = apperr.AsAppError(err)
	if !ok || ae.Code != apperr.InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

// TestInternalSendBypassesSignatureRequirement mirrors the call shape
// internal/roundtable and internal/group use for work_order/fanout
// notifies and internal/inbox.Reply uses for correlated replies: none
// of them carry a caller-supplied envelope signature, so they set
// Internal to skip the externally-submitted-envelope requirement.
func TestInternalSendBypassesSignatureRequirement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	_, err := f.inbox.Send(ctx, SendInput{
		From: "alice", To: "bob", Type: "work_order", Subject: "s", Body: json.RawMessage(`{}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Internal:  true,
	})
	if err != nil {
		t.Fatalf("expected an internal send without a signature to succeed, got %v", err)
	}
}

func TestPullVisibilityTimeoutBoundary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.register(t, "bob")
	f.store.CreateMessage(ctx, model.Message{ID: "m1", To: "bob", Status: model.StatusQueued})

	if _, _, err := f.inbox.Pull(ctx, "bob", MaxVisibility+time.Second); err == nil {
		t.Fatal("expected visibility_timeout above the max to be rejected")
	}
}
