package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infralogger "github.com/hemsd/hemsd/infra/logger"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
	"github.com/hemsd/hemsd/core/repository/memory"
)

// fakeClient implements optimizer.Client with overridable behavior per call.
type fakeClient struct {
	mu    sync.Mutex
	calls []string
	puts  map[string][]any

	healthFn   func() (optimizer.Health, error)
	configDoc  map[string]any
	planFn     func() (map[string]any, error)
	solutionFn func() (map[string]any, error)
	predKeys   []string
	seriesFn   func(key string) (map[string]any, error)
	listFn     func(key string) ([]float64, error)
	optimizeFn func(payload map[string]any) (map[string]any, error)
	providerFn func(providerID string) error
}

var _ optimizer.Client = (*fakeClient)(nil)

func (c *fakeClient) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *fakeClient) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeClient) putsFor(path string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.puts[path]...)
}

func (c *fakeClient) GetHealth(context.Context) (optimizer.Health, error) {
	c.record("GetHealth")
	if c.healthFn != nil {
		return c.healthFn()
	}
	return optimizer.Health{}, nil
}

func (c *fakeClient) GetConfig(context.Context) (map[string]any, error) {
	c.record("GetConfig")
	if c.configDoc != nil {
		return c.configDoc, nil
	}
	return map[string]any{}, nil
}

func (c *fakeClient) PutConfig(context.Context, map[string]any) error {
	c.record("PutConfig")
	return nil
}

func (c *fakeClient) PutConfigPath(_ context.Context, path string, value any) error {
	c.record("PutConfigPath")
	c.mu.Lock()
	if c.puts == nil {
		c.puts = map[string][]any{}
	}
	c.puts[path] = append(c.puts[path], value)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SaveConfigFile(context.Context) error {
	c.record("SaveConfigFile")
	return nil
}

func (c *fakeClient) GetPlan(context.Context) (map[string]any, error) {
	c.record("GetPlan")
	if c.planFn != nil {
		return c.planFn()
	}
	return nil, &optimizer.APIError{StatusCode: 404, Detail: "no plan"}
}

func (c *fakeClient) GetSolution(context.Context) (map[string]any, error) {
	c.record("GetSolution")
	if c.solutionFn != nil {
		return c.solutionFn()
	}
	return nil, &optimizer.APIError{StatusCode: 404, Detail: "no solution"}
}

func (c *fakeClient) GetPredictionKeys(context.Context) ([]string, error) {
	c.record("GetPredictionKeys")
	return c.predKeys, nil
}

func (c *fakeClient) GetPredictionSeries(_ context.Context, key string, _, _ *time.Time) (map[string]any, error) {
	c.record("GetPredictionSeries")
	if c.seriesFn != nil {
		return c.seriesFn(key)
	}
	return map[string]any{}, nil
}

func (c *fakeClient) GetPredictionList(_ context.Context, key string, _, _ *time.Time, _ string) ([]float64, error) {
	c.record("GetPredictionList")
	if c.listFn != nil {
		return c.listFn(key)
	}
	return nil, nil
}

func (c *fakeClient) TriggerPredictionUpdate(context.Context, bool, bool) error {
	c.record("TriggerPredictionUpdate")
	return nil
}

func (c *fakeClient) TriggerPredictionUpdateProvider(_ context.Context, providerID string, _, _ bool) error {
	c.record("TriggerPredictionUpdateProvider:" + providerID)
	if c.providerFn != nil {
		return c.providerFn(providerID)
	}
	return nil
}

func (c *fakeClient) GetMeasurementKeys(context.Context) ([]string, error) {
	c.record("GetMeasurementKeys")
	return nil, nil
}

func (c *fakeClient) PutMeasurementValue(context.Context, string, float64, time.Time) error {
	c.record("PutMeasurementValue")
	return nil
}

func (c *fakeClient) RunOptimize(_ context.Context, payload map[string]any) (map[string]any, error) {
	c.record("RunOptimize")
	if c.optimizeFn != nil {
		return c.optimizeFn(payload)
	}
	return map[string]any{}, nil
}

func (c *fakeClient) RestartServer(context.Context) error {
	c.record("RestartServer")
	return nil
}

func planDoc() map[string]any {
	return map[string]any{
		"plan_id": "p1",
		"instructions": []any{
			map[string]any{
				"resource_id":           "battery1",
				"instruction_type":      "charge",
				"operation_mode_id":     "FORCED_CHARGE",
				"operation_mode_factor": 1.0,
				"starts_at":             "2025-06-01T12:00:00Z",
				"ends_at":               "2025-06-01T13:00:00Z",
			},
			map[string]any{
				"resource_id":           "battery1",
				"instruction_type":      "discharge",
				"operation_mode_id":     "FORCED_DISCHARGE",
				"operation_mode_factor": -1.0,
				"starts_at":             "2025-06-01T13:00:00Z",
			},
		},
	}
}

// healthySequence returns a healthFn whose run timestamp advances after the
// first call, as a live optimizer would after a pulse.
func healthySequence(t0, t1 time.Time) func() (optimizer.Health, error) {
	var n int
	var mu sync.Mutex
	startup := t0.Add(-2 * time.Hour)
	return func() (optimizer.Health, error) {
		mu.Lock()
		n++
		calls := n
		mu.Unlock()
		last := t0
		if calls > 1 {
			last = t1
		}
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &last,
			StartupTime: &startup,
		}, nil
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, client optimizer.Client) (*Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.New()
	o, err := New(cfg, client, store.Runs, store.Artifacts, store.Instructions, store.Power, infralogger.NopLogger{}, nil, nil)
	require.NoError(t, err)
	return o, store
}

func allCaptured(f *fakeClient) *fakeClient {
	f.planFn = func() (map[string]any, error) { return planDoc(), nil }
	f.solutionFn = func() (map[string]any, error) { return map[string]any{"result": "ok"}, nil }
	f.predKeys = []string{"pv_forecast"}
	return f
}

func waitTerminal(t *testing.T, store *memory.Store, runID string) *model.Run {
	t.Helper()
	var run *model.Run
	require.Eventually(t, func() bool {
		r, err := store.Runs.Get(context.Background(), runID)
		if err != nil || !r.Status.Terminal() {
			return false
		}
		run = r
		return true
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func TestReconcileForceFailsStaleRuns(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOrchestrator(t, Config{}, &fakeClient{})
	require.NoError(t, store.Runs.Create(ctx, &model.Run{
		ID:            "stale1",
		TriggerSource: model.TriggerAutomatic,
		Status:        model.RunRunning,
		StartedAt:     time.Now().Add(-time.Hour),
	}))

	require.NoError(t, o.Reconcile(ctx))

	run, err := store.Runs.Get(ctx, "stale1")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.ErrorText, "force-failed by startup reconciliation")
	assert.NotNil(t, run.FinishedAt)
}

func TestReconcileKeepsExistingErrorText(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOrchestrator(t, Config{}, &fakeClient{})
	require.NoError(t, store.Runs.Create(ctx, &model.Run{
		ID:        "stale1",
		Status:    model.RunRunning,
		ErrorText: "plan capture failed",
		StartedAt: time.Now(),
	}))

	require.NoError(t, o.Reconcile(ctx))

	run, err := store.Runs.Get(ctx, "stale1")
	require.NoError(t, err)
	assert.Contains(t, run.ErrorText, "plan capture failed; ")
	assert.Contains(t, run.ErrorText, "force-failed by startup reconciliation")
}

func TestForceRunRejectsConcurrent(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	client := &fakeClient{}
	client.healthFn = func() (optimizer.Health, error) {
		<-release
		return optimizer.Health{}, &optimizer.APIError{StatusCode: 500, Detail: "down"}
	}
	o, store := newTestOrchestrator(t, Config{}, client)

	runID, err := o.RequestForceRun(ctx)
	require.NoError(t, err)

	_, err = o.RequestForceRun(ctx)
	assert.ErrorIs(t, err, ErrConflict)

	close(release)
	run := waitTerminal(t, store, runID)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.ErrorText, "health check failed")

	// The slot frees up once the first run finishes.
	var again string
	require.Eventually(t, func() bool {
		id, err := o.RequestForceRun(ctx)
		if err != nil {
			return false
		}
		again = id
		return true
	}, 5*time.Second, 50*time.Millisecond)
	waitTerminal(t, store, again)
}

func TestForceRunRejectedDuringWarmup(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeClient{})
	now := o.clock()
	startup := now.Add(-time.Minute)
	o.warm.SetStartup(&startup)
	o.warm.Observe("did you configure automatic optimization?", now)

	_, err := o.RequestForceRun(context.Background())
	assert.ErrorIs(t, err, ErrWarmingUp)
}

func TestCollectOnceCapturesNewOptimizerRun(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := allCaptured(&fakeClient{})
	startup := t0.Add(-2 * time.Hour)
	client.healthFn = func() (optimizer.Health, error) {
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &t0,
			StartupTime: &startup,
		}, nil
	}
	o, store := newTestOrchestrator(t, Config{AutoRun: true}, client)

	require.NoError(t, o.collectOnce(ctx))

	run, err := store.Runs.GetByOptimizerTimestamp(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, model.TriggerAutomatic, run.TriggerSource)
	assert.Equal(t, "collector", run.RunMode)

	instrs, err := store.Instructions.ListForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, instrs, 2)

	plan, err := store.Artifacts.LatestForRun(ctx, run.ID, model.ArtifactPlan)
	require.NoError(t, err)
	assert.Equal(t, "p1", plan.Key)
	require.NotNil(t, plan.ValidFrom)
	require.NotNil(t, plan.ValidUntil)
	assert.Equal(t, at("2025-06-01T12:00:00Z"), plan.ValidFrom.UTC())
	assert.Equal(t, at("2025-06-01T13:00:00Z"), plan.ValidUntil.UTC())

	// Same optimizer timestamp again: no second capture.
	plans := client.callCount("GetPlan")
	require.NoError(t, o.collectOnce(ctx))
	assert.Equal(t, plans, client.callCount("GetPlan"))
}

func TestCollectOnceSkipsWhenAutoRunDisabled(t *testing.T) {
	t0 := at("2025-06-01T12:00:00Z")
	client := allCaptured(&fakeClient{})
	client.healthFn = func() (optimizer.Health, error) {
		return optimizer.Health{LastRun: &t0}, nil
	}
	o, _ := newTestOrchestrator(t, Config{AutoRun: false}, client)

	require.NoError(t, o.collectOnce(context.Background()))
	assert.Zero(t, client.callCount("GetPlan"))
	assert.Equal(t, "auto-run disabled", o.GetCollectorStatus().LastSkipReason)
}

func TestCollectOnceSkipsWithoutRunTimestamp(t *testing.T) {
	client := allCaptured(&fakeClient{})
	o, _ := newTestOrchestrator(t, Config{AutoRun: true}, client)

	require.NoError(t, o.collectOnce(context.Background()))
	assert.Zero(t, client.callCount("GetPlan"))
	assert.Equal(t, "optimizer reports no run timestamp", o.GetCollectorStatus().LastSkipReason)
}

func TestCaptureWarmupArmsAndBlocksFollowingRuns(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := &fakeClient{predKeys: []string{"pv_forecast"}}
	client.healthFn = func() (optimizer.Health, error) {
		now := time.Now()
		startup := now.Add(-time.Minute)
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &t0,
			StartupTime: &startup,
		}, nil
	}
	client.planFn = func() (map[string]any, error) {
		return nil, &optimizer.APIError{StatusCode: 404, Detail: "Did you configure automatic optimization?"}
	}
	client.solutionFn = func() (map[string]any, error) {
		return nil, &optimizer.APIError{StatusCode: 404, Detail: "Did you configure automatic optimization?"}
	}
	cfg := Config{AutoRun: true, DocumentWaitSeconds: 1, DocumentPollSeconds: 1}
	o, store := newTestOrchestrator(t, cfg, client)

	require.NoError(t, o.collectOnce(ctx))

	run, err := store.Runs.GetByOptimizerTimestamp(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, run.Status)
	assert.Contains(t, run.ErrorText, "plan not configured")

	_, err = o.RequestForceRun(ctx)
	assert.ErrorIs(t, err, ErrWarmingUp)
}

func TestCaptureSolutionWarmupArms(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := &fakeClient{predKeys: []string{"pv_forecast"}}
	client.healthFn = func() (optimizer.Health, error) {
		startup := time.Now().Add(-time.Minute)
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &t0,
			StartupTime: &startup,
		}, nil
	}
	client.planFn = func() (map[string]any, error) { return planDoc(), nil }
	client.solutionFn = func() (map[string]any, error) {
		return nil, &optimizer.APIError{StatusCode: 404, Detail: "Did you configure automatic optimization?"}
	}
	cfg := Config{AutoRun: true, DocumentWaitSeconds: 1, DocumentPollSeconds: 1}
	o, store := newTestOrchestrator(t, cfg, client)

	require.NoError(t, o.collectOnce(ctx))

	run, err := store.Runs.GetByOptimizerTimestamp(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, run.Status)
	assert.Contains(t, run.ErrorText, "solution not configured")

	// A warm-up 404 seen only on the solution endpoint still arms the tracker.
	_, err = o.RequestForceRun(ctx)
	assert.ErrorIs(t, err, ErrWarmingUp)
}

func TestCaptureSteadyStateNotConfiguredDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := &fakeClient{predKeys: []string{"pv_forecast"}}
	client.healthFn = func() (optimizer.Health, error) {
		startup := time.Now().Add(-2 * time.Hour)
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &t0,
			StartupTime: &startup,
		}, nil
	}
	client.planFn = func() (map[string]any, error) {
		return nil, &optimizer.APIError{StatusCode: 404, Detail: "Did you configure automatic optimization?"}
	}
	client.solutionFn = client.planFn
	cfg := Config{AutoRun: true, DocumentWaitSeconds: 1, DocumentPollSeconds: 1}
	o, store := newTestOrchestrator(t, cfg, client)

	require.NoError(t, o.collectOnce(ctx))

	run, err := store.Runs.GetByOptimizerTimestamp(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, run.Status)
	assert.False(t, o.warm.Blocked(o.clock()))
}

func TestForceRunPulseSuccess(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	t1 := at("2025-06-01T12:05:00Z")
	client := allCaptured(&fakeClient{})
	client.healthFn = healthySequence(t0, t1)
	client.configDoc = map[string]any{
		"ems": map[string]any{"interval": 600.0, "mode": "auto"},
	}
	o, store := newTestOrchestrator(t, Config{}, client)

	runID, err := o.RequestForceRun(ctx)
	require.NoError(t, err)
	run := waitTerminal(t, store, runID)

	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, "pulse", run.RunMode)
	require.NotNil(t, run.OptimizerRunAt)
	assert.Equal(t, t1, run.OptimizerRunAt.UTC())

	// The cycle interval was pulsed down and restored afterwards. The restore
	// runs as the executor unwinds, shortly after the run turns terminal.
	assert.Eventually(t, func() bool {
		return len(client.putsFor("ems.interval")) == 2 && client.callCount("SaveConfigFile") >= 1
	}, 5*time.Second, 20*time.Millisecond)
	puts := client.putsFor("ems.interval")
	require.Len(t, puts, 2)
	assert.Equal(t, 5, puts[0])
	assert.Equal(t, 600.0, puts[1])
	assert.Equal(t, []any{"auto"}, client.putsFor("ems.mode"))
}

func TestForceRunLegacyFallback(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := allCaptured(&fakeClient{})
	client.healthFn = func() (optimizer.Health, error) {
		startup := time.Now().Add(-2 * time.Hour)
		return optimizer.Health{
			Payload:     map[string]any{"status": "alive"},
			LastRun:     &t0,
			StartupTime: &startup,
		}, nil
	}
	client.configDoc = map[string]any{
		"ems":     map[string]any{"interval": 600.0},
		"devices": []any{map[string]any{"id": "battery1"}},
	}
	client.optimizeFn = func(payload map[string]any) (map[string]any, error) {
		return map[string]any{"result": "done"}, nil
	}
	cfg := Config{
		LegacyFallbackEnabled: true,
		PulseTimeoutSeconds:   1,
		PulsePollSeconds:      1,
	}
	o, store := newTestOrchestrator(t, cfg, client)

	runID, err := o.RequestForceRun(ctx)
	require.NoError(t, err)
	run := waitTerminal(t, store, runID)

	assert.Equal(t, model.RunPartial, run.Status)
	assert.Equal(t, "pulse_then_legacy", run.RunMode)
	assert.Contains(t, run.ErrorText, "pulse timed out")

	req, err := store.Artifacts.LatestForRun(ctx, runID, model.ArtifactLegacyRequest)
	require.NoError(t, err)
	assert.Contains(t, req.Payload, "devices")
	resp, err := store.Artifacts.LatestForRun(ctx, runID, model.ArtifactLegacyResponse)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Payload["result"])
}

func TestForceRunNoFallbackFails(t *testing.T) {
	ctx := context.Background()
	t0 := at("2025-06-01T12:00:00Z")
	client := allCaptured(&fakeClient{})
	client.healthFn = func() (optimizer.Health, error) {
		return optimizer.Health{LastRun: &t0}, nil
	}
	cfg := Config{
		LegacyFallbackEnabled: false,
		PulseTimeoutSeconds:   1,
		PulsePollSeconds:      1,
	}
	o, store := newTestOrchestrator(t, cfg, client)

	runID, err := o.RequestForceRun(ctx)
	require.NoError(t, err)
	run := waitTerminal(t, store, runID)

	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.ErrorText, "no new optimizer run timestamp")
	assert.Zero(t, client.callCount("RunOptimize"))
}

func TestUpdateScheduleWakesLoop(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeClient{})
	o.UpdateSchedule([]int{5, 35}, 10, true)

	snap := o.GetRuntimeSnapshot()
	assert.Equal(t, []int{5, 35}, snap.Slots)
	assert.Equal(t, 10, snap.SlotDelaySeconds)
	assert.True(t, snap.AlignedEnabled)
}

func TestUpdateRuntimeConfigWritesThroughPaths(t *testing.T) {
	client := &fakeClient{configDoc: map[string]any{
		"ems": map[string]any{"interval": 300.0, "mode": "auto"},
	}}
	o, _ := newTestOrchestrator(t, Config{}, client)

	require.NoError(t, o.UpdateRuntimeConfig(context.Background(), "optimization", 900))

	assert.Equal(t, []any{"optimization"}, client.putsFor("ems.mode"))
	assert.Equal(t, []any{900}, client.putsFor("ems.interval"))
	assert.Equal(t, 1, client.callCount("SaveConfigFile"))

	snap := o.GetRuntimeSnapshot()
	assert.Equal(t, "optimization", snap.CycleMode)
	assert.Equal(t, 900, snap.CycleIntervalSeconds)
}
