// Package metrics defines the observability sink interfaces recorded by the
// orchestrator and the dispatch engine. Concrete sinks live under
// infra/metrics.
package metrics

import (
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// RunRecord captures one finished run.
type RunRecord struct {
	RunID    string
	Trigger  model.TriggerSource
	RunMode  string
	Status   model.RunStatus
	Duration time.Duration
	Time     time.Time
}

// DispatchRecord captures one terminal dispatch ledger entry.
type DispatchRecord struct {
	RunID      string
	ResourceID string
	Kind       model.DispatchKind
	Status     model.DispatchStatus
	HTTPStatus int
	Latency    time.Duration
	Time       time.Time
}

// Sink records run and dispatch events for observability purposes.
type Sink interface {
	RecordRun(rec RunRecord) error
	RecordDispatch(rec DispatchRecord) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordRun(RunRecord) error           { return nil }
func (NopSink) RecordDispatch(DispatchRecord) error { return nil }
