package telemetry

import "time"

// Health is the liveness payload served at GET /health.
type Health struct {
	Status    string    `json:"status"` // ok|degraded
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Storage   string    `json:"storage"` // ok|unavailable
}

func NewHealth(startedAt time.Time, storageOK bool) Health {
	status, storage := "ok", "ok"
	if !storageOK {
		status, storage = "degraded", "unavailable"
	}
	return Health{
		Status:    status,
		StartedAt: startedAt,
		Uptime:    time.Since(startedAt).Round(time.Second).String(),
		Storage:   storage,
	}
}
