package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
)

// RefreshScope selects which prediction providers a refresh touches.
type RefreshScope string

const (
	ScopeAll    RefreshScope = "all"
	ScopePV     RefreshScope = "pv"
	ScopePrices RefreshScope = "prices"
	ScopeLoad   RefreshScope = "load"
)

// ValidScope reports whether s is a known refresh scope.
func ValidScope(s RefreshScope) bool {
	switch s {
	case ScopeAll, ScopePV, ScopePrices, ScopeLoad:
		return true
	}
	return false
}

// RequestPredictionRefresh refreshes the prediction providers selected by
// scope. It shares the single-worker executor with force runs, so the two are
// mutually exclusive.
func (o *Orchestrator) RequestPredictionRefresh(ctx context.Context, scope RefreshScope) (string, error) {
	if !ValidScope(scope) {
		return "", fmt.Errorf("unknown prediction refresh scope %q", scope)
	}
	run, err := o.beginRun(ctx, model.TriggerPredictionRefresh, "prediction_refresh:"+string(scope), nil)
	if err != nil {
		return "", err
	}
	go o.executePredictionRefresh(o.baseContext(), run, scope)
	return run.ID, nil
}

func (o *Orchestrator) executePredictionRefresh(ctx context.Context, run *model.Run, scope RefreshScope) {
	res := &captureResult{}
	cfg := o.snapshotCfg()

	refreshed := []string{}
	if scope == ScopeAll || scope == ScopePV {
		o.refreshPV(ctx, res)
		refreshed = append(refreshed, cfg.PVProviderID)
	}
	if scope == ScopeAll || scope == ScopePrices {
		if err := o.triggerProvider(ctx, cfg.PriceProviderID); err != nil {
			res.note("price provider refresh failed: %v", err)
		} else {
			refreshed = append(refreshed, cfg.PriceProviderID)
		}
	}
	if scope == ScopeAll || scope == ScopeLoad {
		if err := o.triggerProvider(ctx, cfg.LoadProviderID); err != nil {
			res.note("load provider refresh failed: %v", err)
		} else {
			refreshed = append(refreshed, cfg.LoadProviderID)
		}
	}

	o.mirrorFeedInTariff(ctx, res)

	if scope == ScopeAll || scope == ScopePrices {
		o.maybeBackfillPriceHistory(ctx, run, res)
	}

	o.addArtifact(ctx, run, model.ArtifactPredictionRefresh, string(scope), map[string]any{
		"scope":     string(scope),
		"providers": refreshed,
	}, nil, nil, res)

	o.finishRun(ctx, run, res.status(), res.notes)
}

func (o *Orchestrator) triggerProvider(ctx context.Context, providerID string) error {
	return optimizer.RetryVoid(ctx, o.retryCfg(), o.log, "refresh provider "+providerID,
		func(ctx context.Context) error {
			return o.client.TriggerPredictionUpdateProvider(ctx, providerID, true, true)
		})
}

// refreshPV refreshes the primary PV forecast provider, substituting the
// import-based provider when the primary fails in a recognized way. The
// original provider is restored afterward.
func (o *Orchestrator) refreshPV(ctx context.Context, res *captureResult) {
	cfg := o.snapshotCfg()
	err := o.triggerProvider(ctx, cfg.PVProviderID)
	if err == nil {
		return
	}
	var apiStatus int
	if apiErr, ok := asAPIError(err); ok {
		apiStatus = apiErr.StatusCode
	}
	// Provider-level failures (bad gateway from the forecast upstream, or a
	// validation error for the site coordinates) warrant the import fallback.
	if apiStatus != 400 && apiStatus != 422 && !optimizer.IsTransient(err) {
		res.note("pv provider refresh failed: %v", err)
		return
	}
	res.note("pv provider %s failed (%v), substituting %s", cfg.PVProviderID, err, cfg.PVImportProvider)

	doc, derr := optimizer.Retry(ctx, o.retryCfg(), o.log, "get config", o.client.GetConfig)
	if derr != nil {
		res.note("pv fallback aborted, config read failed: %v", derr)
		return
	}
	paths := resolvePaths(doc, o.configPaths())
	orig, hadOrig := stringAt(doc, paths.pvProvider)
	if err := o.client.PutConfigPath(ctx, paths.pvProvider, cfg.PVImportProvider); err != nil {
		res.note("pv fallback provider swap failed: %v", err)
		return
	}
	defer func() {
		if !hadOrig {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.client.PutConfigPath(rctx, paths.pvProvider, orig); err != nil {
			o.log.Errorf("restore pv provider: %v", err)
		}
	}()
	if err := o.triggerProvider(ctx, cfg.PVImportProvider); err != nil {
		res.note("pv fallback provider refresh failed: %v", err)
	}
}

// mirrorFeedInTariff copies the market-price series into the fixed
// feed-in-tariff import slot.
func (o *Orchestrator) mirrorFeedInTariff(ctx context.Context, res *captureResult) {
	cfg := o.snapshotCfg()
	values, err := o.client.GetPredictionList(ctx, cfg.MarketPriceKey, nil, nil, "")
	if err != nil {
		res.note("feed-in mirror: market price read failed: %v", err)
		return
	}
	if len(values) == 0 {
		return
	}
	if err := o.client.PutConfigPath(ctx, cfg.FeedInImportPath, values); err != nil {
		res.note("feed-in mirror: import write failed: %v", err)
	}
}

// maybeBackfillPriceHistory restarts the optimizer to re-pull price history
// when coverage falls short of the minimum-hours target. A cooldown window is
// entered on success and failure alike to avoid restart storms.
func (o *Orchestrator) maybeBackfillPriceHistory(ctx context.Context, run *model.Run, res *captureResult) {
	cfg := o.snapshotCfg()
	if !cfg.Backfill.Enabled {
		return
	}
	now := o.clock()
	o.mu.Lock()
	inCooldown := now.Before(o.backfillNext)
	o.mu.Unlock()
	if inCooldown {
		return
	}

	covered, err := o.priceHistoryCoverage(ctx)
	if err != nil {
		res.note("price history coverage check failed: %v", err)
		return
	}
	if covered >= cfg.Backfill.MinCoverageHours {
		return
	}

	o.enterBackfillCooldown()
	outcome := map[string]any{
		"coverage_hours_before": covered,
		"target_hours":          cfg.Backfill.MinCoverageHours,
	}

	o.log.Warnf("price history covers %dh of %dh, restarting optimizer for backfill", covered, cfg.Backfill.MinCoverageHours)
	if err := o.client.RestartServer(ctx); err != nil {
		res.note("backfill restart failed: %v", err)
		outcome["error"] = err.Error()
		o.addArtifact(ctx, run, model.ArtifactPriceHistoryBackfill, "latest", outcome, nil, nil, res)
		return
	}
	if err := o.waitForRecovery(ctx); err != nil {
		res.note("backfill recovery wait failed: %v", err)
		outcome["error"] = err.Error()
		o.addArtifact(ctx, run, model.ArtifactPriceHistoryBackfill, "latest", outcome, nil, nil, res)
		return
	}
	if err := o.triggerProvider(ctx, cfg.PriceProviderID); err != nil {
		res.note("backfill price re-pull failed: %v", err)
		outcome["error"] = err.Error()
		o.addArtifact(ctx, run, model.ArtifactPriceHistoryBackfill, "latest", outcome, nil, nil, res)
		return
	}
	after, err := o.priceHistoryCoverage(ctx)
	if err != nil {
		res.note("backfill coverage verification failed: %v", err)
		outcome["error"] = err.Error()
	} else {
		outcome["coverage_hours_after"] = after
		if after < cfg.Backfill.MinCoverageHours {
			res.note("backfill left coverage at %dh, below target %dh", after, cfg.Backfill.MinCoverageHours)
		}
	}
	o.addArtifact(ctx, run, model.ArtifactPriceHistoryBackfill, "latest", outcome, nil, nil, res)
}

// priceHistoryCoverage returns the hours of price history available ending now.
func (o *Orchestrator) priceHistoryCoverage(ctx context.Context) (int, error) {
	cfg := o.snapshotCfg()
	end := o.clock()
	start := end.Add(-time.Duration(cfg.Backfill.MinCoverageHours) * time.Hour)
	values, err := o.client.GetPredictionList(ctx, cfg.PriceHistoryKey, &start, &end, "1h")
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

func (o *Orchestrator) enterBackfillCooldown() {
	cfg := o.snapshotCfg()
	o.mu.Lock()
	o.backfillNext = o.clock().Add(time.Duration(cfg.Backfill.CooldownMinutes) * time.Minute)
	o.mu.Unlock()
}

// waitForRecovery polls health after a restart until the optimizer responds.
func (o *Orchestrator) waitForRecovery(ctx context.Context) error {
	cfg := o.snapshotCfg()
	deadline := o.clock().Add(time.Duration(cfg.Backfill.RecoveryTimeoutSeconds) * time.Second)
	for {
		if _, err := o.client.GetHealth(ctx); err == nil {
			return nil
		}
		if !o.clock().Before(deadline) {
			return fmt.Errorf("optimizer did not recover within %ds", cfg.Backfill.RecoveryTimeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func asAPIError(err error) (*optimizer.APIError, bool) {
	var apiErr *optimizer.APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
