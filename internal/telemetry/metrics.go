package telemetry

import "sync/atomic"

// Counters holds the process-local counters surfaced at GET /api/stats.
// Concrete atomic counters, not a pluggable backend: nothing in this
// repo needs a second metrics exporter, so the generic labeled-metric
// contract of pkg/telemetry/metrics.go is trimmed down to exactly what
// the sweeper, webhook dispatcher, inbox engine, group service and
// round-table service emit.
type Counters struct {
	MessagesSent     int64
	MessagesPulled   int64
	MessagesAcked    int64
	MessagesNacked   int64
	LeasesReclaimed  int64
	MessagesExpired  int64
	EphemeralPurged  int64
	TerminalCleaned  int64
	WebhookAttempts  int64
	WebhookDelivered int64
	WebhookGivenUp   int64
	GroupPosts       int64
	RoundTablesOpen  int64
	SweeperPasses    int64
}

func (c *Counters) incr(p *int64, n int64) {
	atomic.AddInt64(p, n)
}

func (c *Counters) IncMessagesSent()     { c.incr(&c.MessagesSent, 1) }
func (c *Counters) IncMessagesPulled()    { c.incr(&c.MessagesPulled, 1) }
func (c *Counters) IncMessagesAcked()     { c.incr(&c.MessagesAcked, 1) }
func (c *Counters) IncMessagesNacked()    { c.incr(&c.MessagesNacked, 1) }
func (c *Counters) AddLeasesReclaimed(n int64) { c.incr(&c.LeasesReclaimed, n) }
func (c *Counters) AddMessagesExpired(n int64) { c.incr(&c.MessagesExpired, n) }
func (c *Counters) AddEphemeralPurged(n int64) { c.incr(&c.EphemeralPurged, n) }
func (c *Counters) AddTerminalCleaned(n int64) { c.incr(&c.TerminalCleaned, n) }
func (c *Counters) IncWebhookAttempts()   { c.incr(&c.WebhookAttempts, 1) }
func (c *Counters) IncWebhookDelivered()  { c.incr(&c.WebhookDelivered, 1) }
func (c *Counters) IncWebhookGivenUp()    { c.incr(&c.WebhookGivenUp, 1) }
func (c *Counters) IncGroupPosts()        { c.incr(&c.GroupPosts, 1) }
func (c *Counters) IncSweeperPasses()     { c.incr(&c.SweeperPasses, 1) }
func (c *Counters) IncRoundTablesOpen()   { c.incr(&c.RoundTablesOpen, 1) }
func (c *Counters) DecRoundTablesOpen()   { c.incr(&c.RoundTablesOpen, -1) }

// Snapshot returns a point-in-time copy safe for JSON encoding.
func (c *Counters) Snapshot() Counters {
	return Counters{
		MessagesSent:     atomic.LoadInt64(&c.MessagesSent),
		MessagesPulled:   atomic.LoadInt64(&c.MessagesPulled),
		MessagesAcked:    atomic.LoadInt64(&c.MessagesAcked),
		MessagesNacked:   atomic.LoadInt64(&c.MessagesNacked),
		LeasesReclaimed:  atomic.LoadInt64(&c.LeasesReclaimed),
		MessagesExpired:  atomic.LoadInt64(&c.MessagesExpired),
		EphemeralPurged:  atomic.LoadInt64(&c.EphemeralPurged),
		TerminalCleaned:  atomic.LoadInt64(&c.TerminalCleaned),
		WebhookAttempts:  atomic.LoadInt64(&c.WebhookAttempts),
		WebhookDelivered: atomic.LoadInt64(&c.WebhookDelivered),
		WebhookGivenUp:   atomic.LoadInt64(&c.WebhookGivenUp),
		GroupPosts:       atomic.LoadInt64(&c.GroupPosts),
		RoundTablesOpen:  atomic.LoadInt64(&c.RoundTablesOpen),
		SweeperPasses:    atomic.LoadInt64(&c.SweeperPasses),
	}
}
