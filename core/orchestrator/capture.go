package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
	"github.com/hemsd/hemsd/core/repository"
)

// captureResult accumulates the outcome of the artifact-capture sequence.
type captureResult struct {
	notes    []string
	captured int
	fatal    bool
}

func (r *captureResult) note(format string, args ...any) {
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *captureResult) status() model.RunStatus {
	switch {
	case r.fatal || r.captured == 0:
		return model.RunFailed
	case len(r.notes) > 0:
		return model.RunPartial
	default:
		return model.RunSuccess
	}
}

// capture runs the shared artifact-capture sequence: run-input snapshot,
// health, prediction keys and series, then plan and solution through the
// bounded wait helper. The order is fixed because the plan's derived validity
// window feeds the later artifacts. Soft failures become notes, they never
// abort the sequence.
func (o *Orchestrator) capture(ctx context.Context, run *model.Run, health optimizer.Health) *captureResult {
	res := &captureResult{}

	o.captureRunInput(ctx, run, res)

	if health.Payload != nil {
		o.addArtifact(ctx, run, model.ArtifactHealth, "latest", health.Payload, nil, nil, res)
	}

	o.capturePredictions(ctx, run, res)

	planDoc, err := o.waitForDocument(ctx, "plan", o.client.GetPlan)
	switch {
	case err == nil:
		o.warm.Clear()
		o.capturePlan(ctx, run, planDoc, res)
	case o.isSoftNotConfigured(err, run.TriggerSource):
		o.warm.Observe(apiDetail(err), o.clock())
		res.note("plan not configured: %v", err)
	default:
		res.note("plan capture failed: %v", err)
	}

	solDoc, err := o.waitForDocument(ctx, "solution", o.client.GetSolution)
	switch {
	case err == nil:
		o.warm.Clear()
		o.addArtifact(ctx, run, model.ArtifactSolution, "latest", solDoc, nil, nil, res)
	case o.isSoftNotConfigured(err, run.TriggerSource):
		o.warm.Observe(apiDetail(err), o.clock())
		res.note("solution not configured: %v", err)
	default:
		res.note("solution capture failed: %v", err)
	}

	return res
}

// captureRunInput snapshots the optimizer's current config and the previous
// successful run for auditability.
func (o *Orchestrator) captureRunInput(ctx context.Context, run *model.Run, res *captureResult) {
	doc, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get config", o.client.GetConfig)
	if err != nil {
		res.note("run-input snapshot failed: %v", err)
		return
	}
	payload := map[string]any{"config": doc}
	if prev, err := o.runs.LatestSuccessfulWithPlan(ctx); err == nil {
		payload["previous_run_id"] = prev.ID
	} else if !errors.Is(err, repository.ErrNotFound) {
		res.note("previous run lookup failed: %v", err)
	}
	o.addArtifact(ctx, run, model.ArtifactRunInput, "latest", payload, nil, nil, res)
}

// capturePredictions stores the prediction key list plus a series artifact per
// key. Per-key failures degrade to notes.
func (o *Orchestrator) capturePredictions(ctx context.Context, run *model.Run, res *captureResult) {
	keys, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get prediction keys", o.client.GetPredictionKeys)
	if err != nil {
		res.note("prediction keys failed: %v", err)
		return
	}
	keyList := make([]any, len(keys))
	for i, k := range keys {
		keyList[i] = k
	}
	o.addArtifact(ctx, run, model.ArtifactPredictionKeys, "latest", map[string]any{"keys": keyList}, nil, nil, res)

	for _, key := range keys {
		series, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get prediction series",
			func(ctx context.Context) (map[string]any, error) {
				return o.client.GetPredictionSeries(ctx, key, nil, nil)
			})
		if err != nil {
			res.note("prediction series %s failed: %v", key, err)
			continue
		}
		o.addArtifact(ctx, run, model.ArtifactPredictionSeries, key, series, nil, nil, res)
	}
}

// capturePlan parses the plan document, replaces the run's instructions and
// stores the plan artifact with its derived validity window.
func (o *Orchestrator) capturePlan(ctx context.Context, run *model.Run, doc map[string]any, res *captureResult) {
	planID, instructions, err := parsePlan(run.ID, doc)
	if err != nil {
		res.note("plan parse failed: %v", err)
		return
	}
	if err := o.instrs.ReplaceForRun(ctx, run.ID, instructions); err != nil {
		res.note("replace instructions failed: %v", err)
		return
	}
	validFrom, validUntil := validityWindow(instructions)
	o.addArtifact(ctx, run, model.ArtifactPlan, planID, doc, validFrom, validUntil, res)
	o.log.Infof("run %s captured plan %s with %d instructions", run.ID, planID, len(instructions))
}

// addArtifact stores one artifact, degrading failure to a note.
func (o *Orchestrator) addArtifact(ctx context.Context, run *model.Run, typ model.ArtifactType, key string, payload map[string]any, validFrom, validUntil *time.Time, res *captureResult) {
	a := &model.Artifact{
		RunID:      run.ID,
		Type:       typ,
		Key:        key,
		Payload:    payload,
		ValidFrom:  validFrom,
		ValidUntil: validUntil,
		CreatedAt:  o.clock(),
	}
	if err := o.arts.Add(ctx, a); err != nil {
		res.note("store %s artifact failed: %v", typ, err)
		return
	}
	res.captured++
}

// waitForDocument polls fetch until it succeeds, tolerating "not yet
// available" 404s for the configured grace period. Permanent non-404 errors
// return immediately; transient errors ride the same poll loop.
func (o *Orchestrator) waitForDocument(ctx context.Context, name string, fetch func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	cfg := o.snapshotCfg()
	deadline := o.clock().Add(time.Duration(cfg.DocumentWaitSeconds) * time.Second)
	poll := time.Duration(cfg.DocumentPollSeconds) * time.Second
	var lastErr error
	for {
		doc, err := fetch(ctx)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !optimizer.IsNotFound(err) && !optimizer.IsTransient(err) {
			return nil, err
		}
		if !o.clock().Before(deadline) {
			return nil, fmt.Errorf("%s not available within %ds: %w", name, cfg.DocumentWaitSeconds, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// isSoftNotConfigured reports whether the error is the optimizer's recognized
// "not configured" 404 and the trigger allows downgrading it to a warning.
func (o *Orchestrator) isSoftNotConfigured(err error, trigger model.TriggerSource) bool {
	if trigger != model.TriggerAutomatic {
		return false
	}
	cfg := o.snapshotCfg()
	if !optimizer.IsNotFound(err) {
		return false
	}
	return optimizer.DetailMatches(err, cfg.NotConfiguredPatterns) ||
		optimizer.DetailMatches(err, cfg.WarmupPatterns)
}

func apiDetail(err error) string {
	var apiErr *optimizer.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return err.Error()
}

// parsePlan extracts the plan id and the ordered instruction list from a plan
// document.
func parsePlan(runID string, doc map[string]any) (string, []model.PlanInstruction, error) {
	planID, _ := doc["plan_id"].(string)
	if planID == "" {
		if id, ok := doc["id"].(string); ok {
			planID = id
		} else {
			planID = "latest"
		}
	}
	rawList, ok := doc["instructions"].([]any)
	if !ok {
		return "", nil, fmt.Errorf("plan document has no instructions list")
	}
	instructions := make([]model.PlanInstruction, 0, len(rawList))
	for i, raw := range rawList {
		m, ok := raw.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("instruction %d is not an object", i)
		}
		resource, _ := m["resource_id"].(string)
		if resource == "" {
			return "", nil, fmt.Errorf("instruction %d has no resource_id", i)
		}
		ins := model.PlanInstruction{
			RunID:      runID,
			Index:      i,
			ResourceID: resource,
			Raw:        m,
		}
		ins.ActuatorID, _ = m["actuator_id"].(string)
		ins.Type, _ = m["instruction_type"].(string)
		ins.OperationModeID, _ = m["operation_mode_id"].(string)
		if f, ok := m["operation_mode_factor"].(float64); ok {
			ins.OperationModeFactor = f
		}
		starts := parseTimeField(m["starts_at"])
		if starts == nil {
			return "", nil, fmt.Errorf("instruction %d has no starts_at", i)
		}
		ins.StartsAt = *starts
		ins.EndsAt = parseTimeField(m["ends_at"])
		ins.ExecutionTime = parseTimeField(m["execution_time"])
		instructions = append(instructions, ins)
	}
	return planID, instructions, nil
}

func parseTimeField(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// validityWindow derives the artifact validity bounds from the instruction
// effective times.
func validityWindow(instructions []model.PlanInstruction) (*time.Time, *time.Time) {
	if len(instructions) == 0 {
		return nil, nil
	}
	from := instructions[0].EffectiveAt()
	until := from
	for _, ins := range instructions {
		eff := ins.EffectiveAt()
		if eff.Before(from) {
			from = eff
		}
		end := eff
		if ins.EndsAt != nil && ins.EndsAt.After(end) {
			end = *ins.EndsAt
		}
		if end.After(until) {
			until = end
		}
	}
	return &from, &until
}
