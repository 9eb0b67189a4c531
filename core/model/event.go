package model

import "time"

// DispatchKind distinguishes why a delivery happened.
type DispatchKind string

const (
	DispatchScheduled DispatchKind = "scheduled"
	DispatchHeartbeat DispatchKind = "heartbeat"
	DispatchForce     DispatchKind = "force"
)

// DispatchStatus is the terminal state of one delivery attempt chain.
type DispatchStatus string

const (
	DispatchSent            DispatchStatus = "sent"
	DispatchFailed          DispatchStatus = "failed"
	DispatchRetrying        DispatchStatus = "retrying"
	DispatchBlocked         DispatchStatus = "blocked"
	DispatchSkippedNoTarget DispatchStatus = "skipped_no_target"
)

// OutputDispatchEvent is one entry in the append-only delivery ledger. The
// ledger doubles as the idempotency gate: an attempt is skipped when any event
// already carries its idempotency-key prefix.
type OutputDispatchEvent struct {
	ID             int64          `json:"id"`
	RunID          string         `json:"run_id"`
	ResourceID     string         `json:"resource_id"`
	ExecutionTime  time.Time      `json:"execution_time"`
	Kind           DispatchKind   `json:"dispatch_kind"`
	TargetURL      string         `json:"target_url,omitempty"`
	Payload        map[string]any `json:"request_payload,omitempty"`
	Status         DispatchStatus `json:"status"`
	HTTPStatus     int            `json:"http_status,omitempty"`
	ErrorText      string         `json:"error_text,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PowerSample is one grid-import power reading used by the safety guard.
// Positive watts mean import from the grid.
type PowerSample struct {
	Watts      float64   `json:"watts"`
	MeasuredAt time.Time `json:"measured_at"`
}
