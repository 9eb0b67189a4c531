// Package repository defines the narrow persistence seams the orchestrator and
// dispatch engine operate through. Every call is expected to be atomic on its
// own; no multi-statement client-side transactions are assumed.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// Runs persists run records.
type Runs interface {
	Create(ctx context.Context, run *model.Run) error
	// UpdateStatus moves a run to a terminal status and stamps finished_at.
	UpdateStatus(ctx context.Context, id string, status model.RunStatus, errorText string, finishedAt time.Time) error
	// SetOptimizerTimestamp records the optimizer's own run timestamp once it
	// is known (after a pulse completes for force runs).
	SetOptimizerTimestamp(ctx context.Context, id string, ts time.Time) error
	// SetRunMode relabels a run while it executes, e.g. when a pulse degrades
	// to the legacy fallback.
	SetRunMode(ctx context.Context, id string, mode string) error
	Get(ctx context.Context, id string) (*model.Run, error)
	ListRunning(ctx context.Context) ([]model.Run, error)
	// LatestSuccessfulWithPlan returns the newest success/partial run that has
	// a plan artifact, or ErrNotFound.
	LatestSuccessfulWithPlan(ctx context.Context) (*model.Run, error)
	// GetByOptimizerTimestamp finds the run captured for the optimizer's own
	// run timestamp, or ErrNotFound.
	GetByOptimizerTimestamp(ctx context.Context, ts time.Time) (*model.Run, error)
}

// Artifacts is the append-only artifact store. Add upserts on
// (run_id, artifact_type, artifact_key).
type Artifacts interface {
	Add(ctx context.Context, a *model.Artifact) error
	ListForRun(ctx context.Context, runID string) ([]model.Artifact, error)
	Latest(ctx context.Context, typ model.ArtifactType, key string) (*model.Artifact, error)
	LatestForRun(ctx context.Context, runID string, typ model.ArtifactType) (*model.Artifact, error)
}

// Instructions persists plan instructions per run.
type Instructions interface {
	// ReplaceForRun deletes all instructions for the run and inserts the given
	// set, keeping rows consistent with the latest captured plan artifact.
	ReplaceForRun(ctx context.Context, runID string, instructions []model.PlanInstruction) error
	ListForRun(ctx context.Context, runID string) ([]model.PlanInstruction, error)
}

// Targets reads output-target configuration.
type Targets interface {
	List(ctx context.Context) ([]model.OutputTarget, error)
	GetByResource(ctx context.Context, resourceID string) (*model.OutputTarget, error)
	Upsert(ctx context.Context, t *model.OutputTarget) error
}

// DispatchEvents is the append-only delivery ledger.
type DispatchEvents interface {
	Create(ctx context.Context, ev *model.OutputDispatchEvent) error
	// HasKeyPrefix reports whether any event's idempotency key starts with the
	// given prefix. This is the durable dedup gate; it must never be replaced
	// by an in-memory cache.
	HasKeyPrefix(ctx context.Context, prefix string) (bool, error)
	ListRecent(ctx context.Context, limit int) ([]model.OutputDispatchEvent, error)
}

// PowerSamples reads recent grid-import readings for the safety guard.
type PowerSamples interface {
	Recent(ctx context.Context, n int) ([]model.PowerSample, error)
}

// PowerSampleWriter records grid-import readings from the ingestion edge.
type PowerSampleWriter interface {
	Add(ctx context.Context, sample model.PowerSample) error
}
