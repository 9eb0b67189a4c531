package model

import "time"

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	TriggerAutomatic         TriggerSource = "automatic"
	TriggerForceRun          TriggerSource = "force_run"
	TriggerPredictionRefresh TriggerSource = "prediction_refresh"
	TriggerPeriodic          TriggerSource = "periodic"
)

// RunStatus is the lifecycle state of a run. A run starts in RunRunning and
// transitions exactly once to one of the terminal states.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the status is one a run can never leave.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// Run is one attempt to obtain and capture an optimization result.
type Run struct {
	ID            string        `json:"id"`
	TriggerSource TriggerSource `json:"trigger_source"`
	// RunMode is a free-form label describing how the run was executed,
	// e.g. "pulse_then_legacy" or "aligned_schedule".
	RunMode string    `json:"run_mode"`
	Status  RunStatus `json:"status"`
	// OptimizerRunAt is the optimizer's own run timestamp, used to avoid
	// capturing the same optimizer run twice.
	OptimizerRunAt *time.Time `json:"optimizer_run_at,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	// ErrorText accumulates soft-failure notes; non-empty even on partial success.
	ErrorText string `json:"error_text,omitempty"`
}
