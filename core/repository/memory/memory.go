// Package memory provides in-memory repository implementations. They back
// unit tests and serve as the store when no database path is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/repository"
)

// state holds all tables behind one mutex.
type state struct {
	mu           sync.Mutex
	runs         []model.Run
	artifacts    []model.Artifact
	instructions map[string][]model.PlanInstruction
	targets      map[string]model.OutputTarget
	events       []model.OutputDispatchEvent
	samples      []model.PowerSample
	nextID       int64
}

// Store bundles one in-memory repository per entity, all sharing one state.
type Store struct {
	Runs         *RunRepo
	Artifacts    *ArtifactRepo
	Instructions *InstructionRepo
	Targets      *TargetRepo
	Events       *EventRepo
	Power        *PowerRepo
}

// New creates an empty Store.
func New() *Store {
	st := &state{
		instructions: make(map[string][]model.PlanInstruction),
		targets:      make(map[string]model.OutputTarget),
	}
	return &Store{
		Runs:         &RunRepo{st: st},
		Artifacts:    &ArtifactRepo{st: st},
		Instructions: &InstructionRepo{st: st},
		Targets:      &TargetRepo{st: st},
		Events:       &EventRepo{st: st},
		Power:        &PowerRepo{st: st},
	}
}

var (
	_ repository.Runs              = (*RunRepo)(nil)
	_ repository.Artifacts         = (*ArtifactRepo)(nil)
	_ repository.Instructions      = (*InstructionRepo)(nil)
	_ repository.Targets           = (*TargetRepo)(nil)
	_ repository.DispatchEvents    = (*EventRepo)(nil)
	_ repository.PowerSamples      = (*PowerRepo)(nil)
	_ repository.PowerSampleWriter = (*PowerRepo)(nil)
)

// RunRepo implements repository.Runs.
type RunRepo struct{ st *state }

func (r *RunRepo) Create(_ context.Context, run *model.Run) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.runs = append(r.st.runs, *run)
	return nil
}

func (r *RunRepo) UpdateStatus(_ context.Context, id string, status model.RunStatus, errorText string, finishedAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.runs {
		if r.st.runs[i].ID == id {
			r.st.runs[i].Status = status
			r.st.runs[i].ErrorText = errorText
			t := finishedAt
			r.st.runs[i].FinishedAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *RunRepo) SetOptimizerTimestamp(_ context.Context, id string, ts time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.runs {
		if r.st.runs[i].ID == id {
			t := ts
			r.st.runs[i].OptimizerRunAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *RunRepo) SetRunMode(_ context.Context, id string, mode string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.runs {
		if r.st.runs[i].ID == id {
			r.st.runs[i].RunMode = mode
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *RunRepo) Get(_ context.Context, id string) (*model.Run, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.runs {
		if r.st.runs[i].ID == id {
			c := r.st.runs[i]
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *RunRepo) ListRunning(_ context.Context) ([]model.Run, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []model.Run
	for _, run := range r.st.runs {
		if run.Status == model.RunRunning {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *RunRepo) LatestSuccessfulWithPlan(_ context.Context) (*model.Run, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var best *model.Run
	for i := range r.st.runs {
		run := r.st.runs[i]
		if run.Status != model.RunSuccess && run.Status != model.RunPartial {
			continue
		}
		if !r.st.hasArtifactLocked(run.ID, model.ArtifactPlan) {
			continue
		}
		if best == nil || run.StartedAt.After(best.StartedAt) {
			c := run
			best = &c
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (r *RunRepo) GetByOptimizerTimestamp(_ context.Context, ts time.Time) (*model.Run, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.runs {
		run := r.st.runs[i]
		if run.OptimizerRunAt != nil && run.OptimizerRunAt.Equal(ts) {
			c := run
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *state) hasArtifactLocked(runID string, typ model.ArtifactType) bool {
	for _, a := range s.artifacts {
		if a.RunID == runID && a.Type == typ {
			return true
		}
	}
	return false
}

// ArtifactRepo implements repository.Artifacts.
type ArtifactRepo struct{ st *state }

func (r *ArtifactRepo) Add(_ context.Context, a *model.Artifact) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range r.st.artifacts {
		e := &r.st.artifacts[i]
		if e.RunID == a.RunID && e.Type == a.Type && e.Key == a.Key {
			id := e.ID
			*e = *a
			e.ID = id
			return nil
		}
	}
	r.st.nextID++
	a.ID = r.st.nextID
	r.st.artifacts = append(r.st.artifacts, *a)
	return nil
}

func (r *ArtifactRepo) ListForRun(_ context.Context, runID string) ([]model.Artifact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []model.Artifact
	for _, a := range r.st.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *ArtifactRepo) Latest(_ context.Context, typ model.ArtifactType, key string) (*model.Artifact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.latestLocked("", typ, key)
}

func (r *ArtifactRepo) LatestForRun(_ context.Context, runID string, typ model.ArtifactType) (*model.Artifact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.latestLocked(runID, typ, "")
}

func (s *state) latestLocked(runID string, typ model.ArtifactType, key string) (*model.Artifact, error) {
	var best *model.Artifact
	for i := range s.artifacts {
		a := s.artifacts[i]
		if a.Type != typ {
			continue
		}
		if runID != "" && a.RunID != runID {
			continue
		}
		if key != "" && a.Key != key {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) || (a.CreatedAt.Equal(best.CreatedAt) && a.ID > best.ID) {
			c := a
			best = &c
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

// InstructionRepo implements repository.Instructions.
type InstructionRepo struct{ st *state }

func (r *InstructionRepo) ReplaceForRun(_ context.Context, runID string, instructions []model.PlanInstruction) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.instructions[runID] = append([]model.PlanInstruction(nil), instructions...)
	return nil
}

func (r *InstructionRepo) ListForRun(_ context.Context, runID string) ([]model.PlanInstruction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := append([]model.PlanInstruction(nil), r.st.instructions[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// TargetRepo implements repository.Targets.
type TargetRepo struct{ st *state }

func (r *TargetRepo) List(_ context.Context) ([]model.OutputTarget, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]model.OutputTarget, 0, len(r.st.targets))
	for _, t := range r.st.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (r *TargetRepo) GetByResource(_ context.Context, resourceID string) (*model.OutputTarget, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.targets[resourceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r *TargetRepo) Upsert(_ context.Context, t *model.OutputTarget) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.targets[t.ResourceID] = *t
	return nil
}

// EventRepo implements repository.DispatchEvents.
type EventRepo struct{ st *state }

func (r *EventRepo) Create(_ context.Context, ev *model.OutputDispatchEvent) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.nextID++
	ev.ID = r.st.nextID
	r.st.events = append(r.st.events, *ev)
	return nil
}

func (r *EventRepo) HasKeyPrefix(_ context.Context, prefix string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, ev := range r.st.events {
		if strings.HasPrefix(ev.IdempotencyKey, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (r *EventRepo) ListRecent(_ context.Context, limit int) ([]model.OutputDispatchEvent, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := append([]model.OutputDispatchEvent(nil), r.st.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PowerRepo implements repository.PowerSamples.
type PowerRepo struct{ st *state }

func (r *PowerRepo) Recent(_ context.Context, n int) ([]model.PowerSample, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := append([]model.PowerSample(nil), r.st.samples...)
	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.After(out[j].MeasuredAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *PowerRepo) Add(_ context.Context, sample model.PowerSample) error {
	r.st.mu.Lock()
	r.st.samples = append(r.st.samples, sample)
	r.st.mu.Unlock()
	return nil
}
