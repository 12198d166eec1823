package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/admp/hub/internal/agent"
	"github.com/admp/hub/internal/crypto"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage/memory"
	"github.com/admp/hub/internal/telemetry"
)

func TestInboxStreamPushesHintOnSend(t *testing.T) {
	store := memory.New()
	agents := agent.New(store, telemetry.Nop, time.Minute)
	hub := NewStreamHub(telemetry.Nop)
	inb := inbox.New(store, agents, nil, telemetry.Nop, nil).WithStreamHub(hub)

	ctx := context.Background()
	alice, err := agents.Register(ctx, agent.RegisterInput{AgentID: "alice"})
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := agents.Register(ctx, agent.RegisterInput{AgentID: "bob"})
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	router := NewRouter(Deps{
		Store:     store,
		Agents:    agents,
		Inbox:     inb,
		Log:       telemetry.Nop,
		StreamHub: hub,
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/bob/inbox/stream"
	header := signedStreamHeader(t, bob.SecretKey, "bob")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body := json.RawMessage(`{"x":1}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig := crypto.SignEnvelope(alice.SecretKey, ts, "alice", "bob", "", body)
	if _, err := inb.Send(ctx, inbox.SendInput{
		ID: "m1", Version: "1.0", Type: "task.request",
		From: "alice", To: "bob", Subject: "hi", Body: body,
		Timestamp: ts, Signature: model.Signature{Alg: "ed25519", Sig: sig},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hint streamHint
	if err := conn.ReadJSON(&hint); err != nil {
		t.Fatalf("read hint: %v", err)
	}
	if hint.MessageID != "m1" || hint.Event != "message.enqueued" {
		t.Fatalf("unexpected hint: %+v", hint)
	}
}

func TestInboxStreamRejectsBadSignature(t *testing.T) {
	store := memory.New()
	agents := agent.New(store, telemetry.Nop, time.Minute)
	hub := NewStreamHub(telemetry.Nop)

	ctx := context.Background()
	if _, err := agents.Register(ctx, agent.RegisterInput{AgentID: "bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	router := NewRouter(Deps{Store: store, Agents: agents, Inbox: inbox.New(store, agents, nil, nil, nil), Log: telemetry.Nop, StreamHub: hub})
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/bob/inbox/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial failure without signature headers")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func signedStreamHeader(t *testing.T, priv ed25519.PrivateKey, agentID string) map[string][]string {
	t.Helper()
	date := time.Now().UTC().Format(time.RFC3339Nano)
	target := "(request-target): get /api/agents/" + agentID + "/inbox/stream"
	base := target + "\ndate: " + date
	sig := ed25519.Sign(priv, []byte(base))
	return map[string][]string{
		"X-ADMP-Signature":      {base64.StdEncoding.EncodeToString(sig)},
		"X-ADMP-Signature-Date": {date},
	}
}

