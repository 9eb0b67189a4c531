package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
)

// RequestForceRun starts a force run and returns its run id. It rejects with
// ErrConflict when a force or prediction operation is already in flight or any
// run row is running, and with ErrWarmingUp during the post-restart window.
// The run body executes on the single-worker executor.
func (o *Orchestrator) RequestForceRun(ctx context.Context) (string, error) {
	run, err := o.beginRun(ctx, model.TriggerForceRun, "pulse", nil)
	if err != nil {
		return "", err
	}
	go o.executeForceRun(o.baseContext(), run)
	return run.ID, nil
}

// executeForceRun provokes an immediate optimizer run by dropping the cycle
// interval to its minimum ("pulse"), waits for the optimizer's run timestamp
// to advance and falls back to the legacy direct optimize call on timeout.
// The original cycle settings are always restored.
func (o *Orchestrator) executeForceRun(ctx context.Context, run *model.Run) {
	res := &captureResult{}
	cfg := o.snapshotCfg()

	baseline, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get health", o.client.GetHealth)
	if err != nil {
		res.note("health check failed: %v", err)
		res.fatal = true
		o.finishRun(ctx, run, res.status(), res.notes)
		return
	}

	doc, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get config", o.client.GetConfig)
	if err != nil {
		res.note("config read failed: %v", err)
		res.fatal = true
		o.finishRun(ctx, run, res.status(), res.notes)
		return
	}
	paths := resolvePaths(doc, o.configPaths())

	o.applyHorizonCap(ctx, doc, paths, res)
	o.preRunExtras(ctx, run, res)

	restore := o.startPulse(ctx, doc, paths, res)
	defer restore()

	observed, err := o.waitForNewRunTimestamp(ctx, baseline.LastRun)
	if err == nil {
		if uerr := o.runs.SetOptimizerTimestamp(ctx, run.ID, *observed); uerr != nil {
			res.note("store optimizer timestamp failed: %v", uerr)
		}
		run.OptimizerRunAt = observed
	} else if cfg.LegacyFallbackEnabled {
		res.note("pulse timed out, using legacy optimize: %v", err)
		run.RunMode = "pulse_then_legacy"
		if merr := o.runs.SetRunMode(ctx, run.ID, run.RunMode); merr != nil {
			res.note("store run mode failed: %v", merr)
		}
		o.legacyOptimize(ctx, run, doc, res)
	} else {
		res.note("no new optimizer run timestamp after force attempt: %v", err)
		res.fatal = true
		o.finishRun(ctx, run, res.status(), res.notes)
		return
	}

	health, herr := optimizer.Retry(ctx, o.retryCfg(), o.log, "get health", o.client.GetHealth)
	if herr != nil {
		res.note("post-pulse health failed: %v", herr)
		health = baseline
	}
	capRes := o.capture(ctx, run, health)
	capRes.notes = append(res.notes, capRes.notes...)
	capRes.captured += res.captured
	capRes.fatal = capRes.fatal || res.fatal
	o.finishRun(ctx, run, capRes.status(), capRes.notes)
}

// applyHorizonCap never lets the optimizer's prediction horizon exceed the
// configured ceiling.
func (o *Orchestrator) applyHorizonCap(ctx context.Context, doc map[string]any, paths resolvedPaths, res *captureResult) {
	cfg := o.snapshotCfg()
	if paths.horizon == "" {
		return
	}
	hours, ok := numberAt(doc, paths.horizon)
	if !ok || hours <= float64(cfg.HorizonCapHours) {
		return
	}
	if err := o.client.PutConfigPath(ctx, paths.horizon, cfg.HorizonCapHours); err != nil {
		res.note("horizon cap failed: %v", err)
		return
	}
	o.log.Infof("capped optimizer horizon from %.0f to %d hours", hours, cfg.HorizonCapHours)
}

// preRunExtras performs the optional pre-run prediction refresh and the
// best-effort measurement push. Failures are soft.
func (o *Orchestrator) preRunExtras(ctx context.Context, run *model.Run, res *captureResult) {
	cfg := o.snapshotCfg()
	if cfg.PreRunPredictionRefresh {
		if err := o.client.TriggerPredictionUpdate(ctx, false, true); err != nil {
			res.note("pre-run prediction refresh failed: %v", err)
		}
	}
	if cfg.PushMeasurements && o.power != nil {
		samples, err := o.power.Recent(ctx, 1)
		if err != nil || len(samples) == 0 {
			if err != nil {
				res.note("measurement read failed: %v", err)
			}
			return
		}
		s := samples[0]
		if err := o.client.PutMeasurementValue(ctx, cfg.GridPowerMeasurementKey, s.Watts, s.MeasuredAt); err != nil {
			res.note("measurement push failed: %v", err)
			return
		}
		o.addArtifact(ctx, run, model.ArtifactMeasurementPush, cfg.GridPowerMeasurementKey, map[string]any{
			"key":         cfg.GridPowerMeasurementKey,
			"value":       s.Watts,
			"measured_at": s.MeasuredAt.UTC().Format(time.RFC3339),
		}, nil, nil, res)
	}
}

// startPulse drops the cycle interval to its minimum and returns the restore
// function. Restore runs on a fresh bounded context so cleanup happens even
// when the run context is gone.
func (o *Orchestrator) startPulse(ctx context.Context, doc map[string]any, paths resolvedPaths, res *captureResult) func() {
	cfg := o.snapshotCfg()
	origInterval, hadInterval := numberAt(doc, paths.cycleInterval)
	origMode, hadMode := stringAt(doc, paths.cycleMode)

	if err := o.client.PutConfigPath(ctx, paths.cycleInterval, cfg.PulseIntervalSeconds); err != nil {
		res.note("pulse interval set failed: %v", err)
		return func() {}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if hadInterval {
			if err := o.client.PutConfigPath(rctx, paths.cycleInterval, origInterval); err != nil {
				o.log.Errorf("restore cycle interval: %v", err)
			}
		}
		if hadMode {
			if err := o.client.PutConfigPath(rctx, paths.cycleMode, origMode); err != nil {
				o.log.Errorf("restore cycle mode: %v", err)
			}
		}
		if err := o.client.SaveConfigFile(rctx); err != nil {
			o.log.Errorf("save optimizer config after restore: %v", err)
		}
	}
}

// waitForNewRunTimestamp polls health until last_run_datetime advances past
// the baseline, bounded by the pulse timeout.
func (o *Orchestrator) waitForNewRunTimestamp(ctx context.Context, baseline *time.Time) (*time.Time, error) {
	cfg := o.snapshotCfg()
	deadline := o.clock().Add(time.Duration(cfg.PulseTimeoutSeconds) * time.Second)
	poll := time.Duration(cfg.PulsePollSeconds) * time.Second
	for {
		health, err := o.client.GetHealth(ctx)
		if err == nil && health.LastRun != nil {
			if baseline == nil || health.LastRun.After(*baseline) {
				return health.LastRun, nil
			}
		}
		if !o.clock().Before(deadline) {
			return nil, fmt.Errorf("optimizer run timestamp did not advance within %ds", cfg.PulseTimeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// legacyOptimize invokes the direct optimize endpoint built from the
// optimizer's current prediction series and device config. A recognized "no
// solution stored" response degrades to a note.
func (o *Orchestrator) legacyOptimize(ctx context.Context, run *model.Run, doc map[string]any, res *captureResult) {
	cfg := o.snapshotCfg()

	payload := map[string]any{}
	if devices, ok := doc["devices"]; ok {
		payload["devices"] = devices
	}
	keys, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get prediction keys", o.client.GetPredictionKeys)
	if err != nil {
		res.note("legacy optimize: prediction keys failed: %v", err)
	} else {
		series := map[string]any{}
		for _, key := range keys {
			s, serr := o.client.GetPredictionSeries(ctx, key, nil, nil)
			if serr != nil {
				res.note("legacy optimize: series %s failed: %v", key, serr)
				continue
			}
			series[key] = s
		}
		payload["predictions"] = series
	}

	o.addArtifact(ctx, run, model.ArtifactLegacyRequest, "latest", payload, nil, nil, res)

	resp, err := o.client.RunOptimize(ctx, payload)
	if err != nil {
		if optimizer.DetailMatches(err, cfg.NoSolutionPatterns) {
			res.note("legacy optimize: no solution stored, continuing with degraded capture")
			return
		}
		res.note("legacy optimize failed: %v", err)
		res.fatal = res.captured == 0
		return
	}
	o.addArtifact(ctx, run, model.ArtifactLegacyResponse, "latest", resp, nil, nil, res)
}
