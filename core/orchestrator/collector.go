package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
	"github.com/hemsd/hemsd/core/repository"
)

// collectorLoop passively polls optimizer health and captures a run whenever
// the optimizer reports a run timestamp no run row exists for yet. Errors are
// recorded and the loop keeps polling.
func (o *Orchestrator) collectorLoop(ctx context.Context) {
	interval := time.Duration(o.snapshotCfg().PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.collectOnce(ctx); err != nil {
				o.setLastError(err)
				o.log.Errorf("collector poll: %v", err)
			} else {
				o.setLastError(nil)
			}
		}
	}
}

// collectOnce performs one poll cycle. A skip is not an error.
func (o *Orchestrator) collectOnce(ctx context.Context) error {
	health, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get health", o.client.GetHealth)
	if err != nil {
		return err
	}
	now := o.clock()
	o.warm.SetStartup(health.StartupTime)
	o.mu.Lock()
	o.status.LastPollAt = &now
	o.status.LastOptimizerRun = health.LastRun
	autoRun := o.cfg.AutoRun
	o.mu.Unlock()

	if !autoRun {
		o.setSkipReason("auto-run disabled")
		return nil
	}
	if health.LastRun == nil {
		o.setSkipReason("optimizer reports no run timestamp")
		return nil
	}
	if o.warm.Blocked(now) {
		o.setSkipReason("optimizer warming up")
		return nil
	}
	if _, err := o.runs.GetByOptimizerTimestamp(ctx, *health.LastRun); err == nil {
		// Already captured this optimizer run.
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	run, err := o.beginRun(ctx, model.TriggerAutomatic, "collector", health.LastRun)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrWarmingUp) {
			o.setSkipReason("run already active: " + err.Error())
			return nil
		}
		return err
	}
	res := o.capture(ctx, run, health)
	o.finishRun(ctx, run, res.status(), res.notes)
	return nil
}
