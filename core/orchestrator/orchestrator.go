// Package orchestrator owns the run lifecycle: the collector loop polling the
// optimizer for new runs, the aligned minute-slot scheduler, the force-run and
// prediction-refresh executors, and the shared artifact-capture sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemsd/hemsd/core/logger"
	"github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/optimizer"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/internal/eventbus"
)

// ErrConflict is returned when a run or refresh is already in flight. Callers
// surface it as HTTP 409; requests are rejected, never queued.
var ErrConflict = errors.New("orchestrator: a run is already in progress")

// ErrWarmingUp is returned while the optimizer is in its post-restart window.
var ErrWarmingUp = errors.New("orchestrator: optimizer is warming up")

// CollectorStatus is the observability snapshot of the background loops.
type CollectorStatus struct {
	LastPollAt       *time.Time `json:"last_poll_at,omitempty"`
	LastOptimizerRun *time.Time `json:"last_optimizer_run,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastSkipReason   string     `json:"last_skip_reason,omitempty"`
	NextAlignedAt    *time.Time `json:"next_aligned_at,omitempty"`
	WarmupSince      *time.Time `json:"warmup_since,omitempty"`
	LastRunID        string     `json:"last_run_id,omitempty"`
}

// RuntimeSnapshot reports the orchestrator's runtime configuration.
type RuntimeSnapshot struct {
	AutoRun              bool   `json:"auto_run"`
	AlignedEnabled       bool   `json:"aligned_enabled"`
	Slots                []int  `json:"slots"`
	SlotDelaySeconds     int    `json:"slot_delay_seconds"`
	CycleMode            string `json:"cycle_mode,omitempty"`
	CycleIntervalSeconds int    `json:"cycle_interval_seconds,omitempty"`
	HorizonCapHours      int    `json:"horizon_cap_hours"`
}

// execSlot is a capacity-1 guard used as the single-worker executor: a second
// acquire while one is outstanding fails instead of queueing.
type execSlot struct{ sem chan struct{} }

func newExecSlot() *execSlot { return &execSlot{sem: make(chan struct{}, 1)} }

func (s *execSlot) tryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *execSlot) release() { <-s.sem }

// Orchestrator coordinates run creation against the optimizer and the
// repositories. All background loops share a single mutex for status fields.
type Orchestrator struct {
	client optimizer.Client
	runs   repository.Runs
	arts   repository.Artifacts
	instrs repository.Instructions
	power  repository.PowerSamples

	log   logger.Logger
	sink  metrics.Sink
	bus   eventbus.EventBus
	warm  *warmupTracker
	slot  *execSlot
	clock func() time.Time

	reloadCh chan struct{}
	wg       sync.WaitGroup

	mu           sync.Mutex
	cfg          Config
	status       CollectorStatus
	cycleMode    string
	cycleSecs    int
	backfillNext time.Time
	baseCtx      context.Context
}

// baseContext is the process-lifetime context executor bodies run under, so a
// shutdown interrupts in-flight backoffs and polls.
func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCtx != nil {
		return o.baseCtx
	}
	return context.Background()
}

// startAutomaticRun runs a force-like run synchronously under the automatic
// trigger. Used by the aligned scheduler.
func (o *Orchestrator) startAutomaticRun(ctx context.Context, mode string, optRunAt *time.Time) error {
	o.mu.Lock()
	autoRun := o.cfg.AutoRun
	o.mu.Unlock()
	if !autoRun {
		return errors.New("auto-run disabled")
	}
	run, err := o.beginRun(ctx, model.TriggerAutomatic, mode, optRunAt)
	if err != nil {
		return err
	}
	o.executeForceRun(ctx, run)
	return nil
}

// New creates an Orchestrator. A nil sink or bus disables the corresponding
// mirror; a nil logger panics early instead of at first use.
func New(cfg Config, client optimizer.Client, runs repository.Runs, arts repository.Artifacts, instrs repository.Instructions, power repository.PowerSamples, log logger.Logger, sink metrics.Sink, bus eventbus.EventBus) (*Orchestrator, error) {
	if client == nil || runs == nil || arts == nil || instrs == nil {
		return nil, fmt.Errorf("orchestrator: nil dependency")
	}
	if log == nil {
		return nil, fmt.Errorf("orchestrator: nil logger")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	cfg.SetDefaults()
	return &Orchestrator{
		client:   client,
		runs:     runs,
		arts:     arts,
		instrs:   instrs,
		power:    power,
		log:      log,
		sink:     sink,
		bus:      bus,
		clock:    time.Now,
		slot:     newExecSlot(),
		reloadCh: make(chan struct{}, 1),
		cfg:      cfg,
		warm: newWarmupTracker(cfg.WarmupPatterns,
			time.Duration(cfg.WarmupGraceSeconds)*time.Second,
			time.Duration(cfg.WarmupStartupWindowSeconds)*time.Second),
	}, nil
}

// Reconcile force-fails any run left in running status by a prior process
// lifetime so no run stays running forever after an unclean shutdown.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	stale, err := o.runs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, r := range stale {
		note := r.ErrorText
		if note != "" {
			note += "; "
		}
		note += "force-failed by startup reconciliation: found running after restart"
		if err := o.runs.UpdateStatus(ctx, r.ID, model.RunFailed, note, o.clock()); err != nil {
			return fmt.Errorf("reconcile run %s: %w", r.ID, err)
		}
		o.log.Warnf("reconciled stale run %s to failed", r.ID)
	}
	return nil
}

// Run starts the collector and aligned scheduler loops and blocks until ctx is
// cancelled. Workers are joined with a bounded timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Reconcile(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.collectorLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.alignedLoop(ctx)
	}()
	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		o.log.Warnf("orchestrator workers did not stop within timeout")
	}
	return nil
}

// beginRun acquires the single-run slot and creates a running row. The caller
// must call finishRun (which releases the slot) exactly once.
func (o *Orchestrator) beginRun(ctx context.Context, trigger model.TriggerSource, mode string, optRunAt *time.Time) (*model.Run, error) {
	if o.warm.Blocked(o.clock()) {
		return nil, ErrWarmingUp
	}
	if !o.slot.tryAcquire() {
		return nil, ErrConflict
	}
	running, err := o.runs.ListRunning(ctx)
	if err != nil {
		o.slot.release()
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	if len(running) > 0 {
		o.slot.release()
		return nil, ErrConflict
	}
	run := &model.Run{
		ID:             uuid.NewString(),
		TriggerSource:  trigger,
		RunMode:        mode,
		Status:         model.RunRunning,
		OptimizerRunAt: optRunAt,
		StartedAt:      o.clock(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		o.slot.release()
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.mu.Lock()
	o.status.LastRunID = run.ID
	o.mu.Unlock()
	return run, nil
}

// finishRun moves the run to its terminal status, releases the run slot and
// emits observability records. notes become the run's error_text.
func (o *Orchestrator) finishRun(ctx context.Context, run *model.Run, status model.RunStatus, notes []string) {
	defer o.slot.release()
	errText := strings.Join(notes, "; ")
	finished := o.clock()
	if err := o.runs.UpdateStatus(ctx, run.ID, status, errText, finished); err != nil {
		o.log.Errorf("finish run %s: %v", run.ID, err)
	}
	run.Status = status
	run.ErrorText = errText
	run.FinishedAt = &finished
	if err := o.sink.RecordRun(metrics.RunRecord{
		RunID:    run.ID,
		Trigger:  run.TriggerSource,
		RunMode:  run.RunMode,
		Status:   status,
		Duration: finished.Sub(run.StartedAt),
		Time:     finished,
	}); err != nil {
		o.log.Warnf("record run metrics: %v", err)
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.RunEvent{Run: *run, Time: finished})
	}
	o.log.Infof("run %s finished: status=%s trigger=%s mode=%s", run.ID, status, run.TriggerSource, run.RunMode)
}

// GetCollectorStatus returns a copy of the loop status fields.
func (o *Orchestrator) GetCollectorStatus() CollectorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	if since := o.warm.Since(); !since.IsZero() {
		st.WarmupSince = &since
	}
	return st
}

// GetRuntimeSnapshot reports the current runtime configuration.
func (o *Orchestrator) GetRuntimeSnapshot() RuntimeSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RuntimeSnapshot{
		AutoRun:              o.cfg.AutoRun,
		AlignedEnabled:       o.cfg.AlignedEnabled,
		Slots:                append([]int(nil), o.cfg.Slots...),
		SlotDelaySeconds:     o.cfg.SlotDelaySeconds,
		CycleMode:            o.cycleMode,
		CycleIntervalSeconds: o.cycleSecs,
		HorizonCapHours:      o.cfg.HorizonCapHours,
	}
}

// UpdateRuntimeConfig writes the optimizer's cycle mode and interval through
// the resolved config paths and persists the optimizer's config file.
func (o *Orchestrator) UpdateRuntimeConfig(ctx context.Context, mode string, intervalSeconds int) error {
	doc, err := optimizer.Retry(ctx, o.retryCfg(), o.log, "get config", o.client.GetConfig)
	if err != nil {
		return fmt.Errorf("get optimizer config: %w", err)
	}
	paths := resolvePaths(doc, o.configPaths())
	if mode != "" && paths.cycleMode != "" {
		if err := o.client.PutConfigPath(ctx, paths.cycleMode, mode); err != nil {
			return fmt.Errorf("set cycle mode: %w", err)
		}
	}
	if intervalSeconds > 0 && paths.cycleInterval != "" {
		if err := o.client.PutConfigPath(ctx, paths.cycleInterval, intervalSeconds); err != nil {
			return fmt.Errorf("set cycle interval: %w", err)
		}
	}
	if err := o.client.SaveConfigFile(ctx); err != nil {
		return fmt.Errorf("save optimizer config: %w", err)
	}
	o.mu.Lock()
	if mode != "" {
		o.cycleMode = mode
	}
	if intervalSeconds > 0 {
		o.cycleSecs = intervalSeconds
	}
	o.mu.Unlock()
	return nil
}

// SetAutoRun toggles the automatic run paths.
func (o *Orchestrator) SetAutoRun(enabled bool) {
	o.mu.Lock()
	o.cfg.AutoRun = enabled
	o.mu.Unlock()
	select {
	case o.reloadCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) retryCfg() optimizer.RetryConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Retry
}

func (o *Orchestrator) snapshotCfg() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	if err != nil {
		o.status.LastError = err.Error()
	} else {
		o.status.LastError = ""
	}
	o.mu.Unlock()
}
