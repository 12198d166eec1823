// Package webhook implements the best-effort push dispatcher: a bounded
// worker pool drains a job queue, POSTs a signed
// payload, and retries with fixed exponential backoff before giving up.
// Follows the worker-pool-over-channel shape of pkg/queue.Runner's
// attempt-bounded retry, with pkg/queue/dlq.go's DLQRecord adapted into
// deliveryFailure, recorded
// for observability only — it never feeds back into message lifecycle).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/admp/hub/internal/crypto"
	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
	"github.com/admp/hub/internal/telemetry"
)

const (
	MaxAttempts   = 3
	RequestTimeout = 10 * time.Second
)

// backoffDelays are the fixed per-attempt retry delays.
var backoffDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

type payload struct {
	Event       string          `json:"event"`
	MessageID   string          `json:"message_id"`
	Envelope    model.Message   `json:"envelope"`
	DeliveredAt string          `json:"delivered_at"`
	Signature   string          `json:"signature,omitempty"`
}

// deliveryFailure is an in-process record of a given-up delivery,
// retained only for the lifetime of the process.
type deliveryFailure struct {
	MessageID string
	AgentID   string
	URL       string
	Reason    string
	At        time.Time
}

type job struct {
	agentID string
	url     string
	secret  string
	m       model.Message
}

// Dispatcher is the bounded worker pool. Construct once per process and
// call Notify for every send whose recipient has a webhook configured.
type Dispatcher struct {
	store   storage.Store
	client  *http.Client
	log     *telemetry.Logger
	metrics *telemetry.Counters

	jobs chan job

	mu       sync.Mutex
	failures []deliveryFailure

	wg sync.WaitGroup
}

func New(store storage.Store, log *telemetry.Logger, metrics *telemetry.Counters, workers int) *Dispatcher {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = &telemetry.Counters{}
	}
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: RequestTimeout},
		log:     log,
		metrics: metrics,
		jobs:    make(chan job, 1024),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues the message for async push delivery; it never blocks
// the caller's response path. If the queue is
// saturated the job is dropped — the message stays pullable regardless.
func (d *Dispatcher) Notify(agentID string, m model.Message) {
	// secret/url resolution happens inside the worker via a fresh agent
	// lookup so rotated webhook config is always honored.
	select {
	case d.jobs <- job{agentID: agentID, m: m}:
	default:
		d.log.Warn("webhook queue saturated, dropping notification", telemetry.F("agent_id", agentID), telemetry.F("message_id", m.ID))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx := context.Background()
	agent, ok, err := d.store.GetAgent(ctx, j.agentID)
	if err != nil || !ok || agent.WebhookURL == "" {
		return
	}

	body := payload{
		Event:       "message.received",
		MessageID:   j.m.ID,
		Envelope:    j.m,
		DeliveredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return
	}
	if agent.WebhookSecret != "" {
		body.Signature = crypto.SignWebhookPayload(agent.WebhookSecret, buf)
		buf, _ = json.Marshal(body)
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		d.metrics.IncWebhookAttempts()
		if d.attempt(ctx, agent.WebhookURL, buf, body.Signature, attempt) {
			d.metrics.IncWebhookDelivered()
			st := true
			d.store.UpdateMessage(ctx, j.m.ID, nil, storage.MessagePatch{WebhookDelivered: &st})
			return
		}
		if attempt < MaxAttempts {
			time.Sleep(backoffDelays[attempt-1])
		}
	}

	d.metrics.IncWebhookGivenUp()
	d.recordFailure(deliveryFailure{
		MessageID: j.m.ID,
		AgentID:   j.agentID,
		URL:       agent.WebhookURL,
		Reason:    fmt.Sprintf("gave up after %d attempts", MaxAttempts),
		At:        time.Now().UTC(),
	})
	d.log.Warn("webhook delivery gave up", telemetry.F("agent_id", j.agentID), telemetry.F("message_id", j.m.ID))
}

func (d *Dispatcher) attempt(ctx context.Context, url string, buf []byte, signature string, attemptNo int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return false
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("X-ADMP-Event", "message.received")
	req.Header.Set("X-ADMP-Delivery-Attempt", fmt.Sprintf("%d", attemptNo))
	req.Header.Set("User-Agent", "ADMP-Server/1.0")
	if signature != "" {
		req.Header.Set("X-ADMP-Signature", signature)
	}

	var body struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(buf, &body)
	if body.MessageID != "" {
		req.Header.Set("X-ADMP-Message-ID", body.MessageID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (d *Dispatcher) recordFailure(f deliveryFailure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, f)
	if len(d.failures) > 1000 {
		d.failures = d.failures[len(d.failures)-1000:]
	}
}

// Failures returns recent gave-up deliveries for diagnostics.
func (d *Dispatcher) Failures() []deliveryFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]deliveryFailure, len(d.failures))
	copy(out, d.failures)
	return out
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}
