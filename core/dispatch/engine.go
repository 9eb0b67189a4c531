// Package dispatch turns the latest successful run's plan instructions into
// idempotent webhook deliveries: scheduled on instruction execution times,
// periodic heartbeats for active instructions, and operator-forced dispatches.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemsd/hemsd/core/logger"
	"github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/internal/eventbus"
)

// ErrConflict is returned when a force dispatch is already in flight.
var ErrConflict = errors.New("dispatch: a force dispatch is already in progress")

// ErrDisabled is returned when the engine is disabled by configuration.
var ErrDisabled = errors.New("dispatch: engine is disabled")

// StatusSnapshot is the engine's observability snapshot.
type StatusSnapshot struct {
	Enabled         bool       `json:"enabled"`
	LastTickAt      *time.Time `json:"last_tick_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Cursor          *time.Time `json:"cursor,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastRunID       string     `json:"last_run_id,omitempty"`
}

// CurrentOutput describes what a resource should be doing right now.
type CurrentOutput struct {
	ResourceID          string    `json:"resource_id"`
	ActuatorID          string    `json:"actuator_id,omitempty"`
	OperationModeID     string    `json:"operation_mode_id"`
	OperationModeFactor float64   `json:"operation_mode_factor"`
	EffectiveAt         time.Time `json:"effective_at"`
	SafetyStatus        string    `json:"safety_status"`
}

// Engine is the output dispatch engine. A single background loop owns the
// scheduled/heartbeat cursor; force dispatches run on a capacity-1 executor
// that rejects concurrent requests.
type Engine struct {
	cfg     Config
	runs    repository.Runs
	instrs  repository.Instructions
	targets repository.Targets
	events  repository.DispatchEvents
	guard   *Guard
	sender  Sender
	log     logger.Logger
	sink    metrics.Sink
	bus     eventbus.EventBus
	clock   func() time.Time

	forceSem chan struct{}

	mu            sync.Mutex
	cursor        time.Time
	lastHeartbeat time.Time
	status        StatusSnapshot
	baseCtx       context.Context
}

// baseContext is the process-lifetime context force deliveries run under, so
// they outlive the requesting HTTP call and only stop on shutdown.
func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

// New creates an Engine.
func New(cfg Config, runs repository.Runs, instrs repository.Instructions, targets repository.Targets, events repository.DispatchEvents, guard *Guard, sender Sender, log logger.Logger, sink metrics.Sink, bus eventbus.EventBus) (*Engine, error) {
	if runs == nil || instrs == nil || targets == nil || events == nil || sender == nil {
		return nil, fmt.Errorf("dispatch: nil dependency")
	}
	if log == nil {
		return nil, fmt.Errorf("dispatch: nil logger")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if guard == nil {
		guard = NewGuard(GuardConfig{}, nil)
	}
	cfg.SetDefaults()
	return &Engine{
		cfg:      cfg,
		runs:     runs,
		instrs:   instrs,
		targets:  targets,
		events:   events,
		guard:    guard,
		sender:   sender,
		log:      log,
		sink:     sink,
		bus:      bus,
		clock:    time.Now,
		forceSem: make(chan struct{}, 1),
	}, nil
}

// Run ticks the scheduled/heartbeat loop until ctx is cancelled. Tick errors
// are recorded and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	if !e.cfg.Enabled {
		e.log.Infof("dispatch engine disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Duration(e.cfg.TickSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.setError(err)
				e.log.Errorf("dispatch tick: %v", err)
			} else {
				e.setError(nil)
			}
		}
	}
}

// tick performs one scheduled pass and, on its own longer interval, one
// heartbeat pass. Ordering per resource follows instruction execution times;
// re-entrant ticks after a restart are deduplicated by the ledger.
func (e *Engine) tick(ctx context.Context) error {
	now := e.clock()
	run, instructions, err := e.latestPlan(ctx, "")
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	e.mu.Lock()
	cursor := e.cursor
	e.cursor = now
	t := now
	e.status.LastTickAt = &t
	e.status.Cursor = &t
	e.status.LastRunID = run.ID
	heartbeatDue := now.Sub(e.lastHeartbeat) >= time.Duration(e.cfg.HeartbeatSeconds)*time.Second
	if heartbeatDue {
		e.lastHeartbeat = now
		e.status.LastHeartbeatAt = &t
	}
	e.mu.Unlock()

	for _, ins := range instructions {
		if !ins.EffectiveAt.After(cursor) || ins.EffectiveAt.After(now) {
			continue
		}
		key := ScheduledKey(run.ID, ins.ResourceID, ins.EffectiveAt)
		e.dispatch(ctx, run, ins, model.DispatchScheduled, key, now)
	}

	if heartbeatDue {
		bucket := now.Truncate(time.Duration(e.cfg.HeartbeatSeconds) * time.Second)
		for _, ins := range SelectCurrent(instructions, now) {
			key := HeartbeatKey(run.ID, ins.ResourceID, ins.EffectiveAt, bucket)
			e.dispatch(ctx, run, ins, model.DispatchHeartbeat, key, now)
		}
	}
	return nil
}

// ForceDispatch re-delivers the given resources' active instructions (all
// active resources when the list is empty). Rejects with ErrConflict while a
// previous force dispatch is still running.
func (e *Engine) ForceDispatch(ctx context.Context, resourceIDs []string) (string, []string, error) {
	if !e.cfg.Enabled {
		return "", nil, ErrDisabled
	}
	select {
	case e.forceSem <- struct{}{}:
	default:
		return "", nil, ErrConflict
	}

	run, instructions, err := e.latestPlan(ctx, "")
	if err != nil {
		<-e.forceSem
		return "", nil, err
	}
	now := e.clock()
	current := SelectCurrent(instructions, now)

	var queue []Instruction
	if len(resourceIDs) == 0 {
		for _, ins := range current {
			queue = append(queue, ins)
		}
	} else {
		for _, id := range resourceIDs {
			if ins, ok := current[id]; ok {
				queue = append(queue, ins)
			}
		}
	}
	queued := make([]string, 0, len(queue))
	for _, ins := range queue {
		queued = append(queued, ins.ResourceID)
	}

	token := uuid.NewString()
	deliveryCtx := e.baseContext()
	go func() {
		defer func() { <-e.forceSem }()
		for _, ins := range queue {
			key := ForceKey(run.ID, ins.ResourceID, ins.EffectiveAt, token)
			e.dispatch(deliveryCtx, run, ins, model.DispatchForce, key, e.clock())
		}
	}()
	return run.ID, queued, nil
}

// CurrentOutputs reports the active instruction per resource together with
// its guard evaluation. An empty runID selects the latest run with a plan.
func (e *Engine) CurrentOutputs(ctx context.Context, runID string) ([]CurrentOutput, error) {
	_, instructions, err := e.latestPlan(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	current := SelectCurrent(instructions, now)
	out := make([]CurrentOutput, 0, len(current))
	for _, ins := range current {
		safety := "ok"
		if blocked, reason, gerr := e.guard.Check(ctx, ins); gerr != nil {
			e.log.Warnf("guard check for %s: %v", ins.ResourceID, gerr)
		} else if blocked {
			safety = "blocked: " + reason
		}
		out = append(out, CurrentOutput{
			ResourceID:          ins.ResourceID,
			ActuatorID:          ins.ActuatorID,
			OperationModeID:     ins.OperationModeID,
			OperationModeFactor: ins.OperationModeFactor,
			EffectiveAt:         ins.EffectiveAt,
			SafetyStatus:        safety,
		})
	}
	sortOutputs(out)
	return out, nil
}

// Timeline returns the deduplicated transition timeline for a run.
func (e *Engine) Timeline(ctx context.Context, runID string, opts TimelineOptions) ([]TimelineEntry, error) {
	_, instructions, err := e.latestPlan(ctx, runID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(instructions, opts), nil
}

// GetStatusSnapshot returns a copy of the engine status.
func (e *Engine) GetStatusSnapshot() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.Enabled = e.cfg.Enabled
	return st
}

// latestPlan loads the run (latest successful with a plan when runID is
// empty) and its normalized instructions.
func (e *Engine) latestPlan(ctx context.Context, runID string) (*model.Run, []Instruction, error) {
	var run *model.Run
	var err error
	if runID == "" {
		run, err = e.runs.LatestSuccessfulWithPlan(ctx)
	} else {
		run, err = e.runs.Get(ctx, runID)
	}
	if err != nil {
		return nil, nil, err
	}
	rows, err := e.instrs.ListForRun(ctx, run.ID)
	if err != nil {
		return nil, nil, err
	}
	return run, Normalize(rows), nil
}

// dispatch performs one logical delivery: ledger dedup, safety guard, target
// resolution, payload build and the per-target retry loop. Every terminal
// outcome lands in the ledger; delivery failures never propagate.
func (e *Engine) dispatch(ctx context.Context, run *model.Run, ins Instruction, kind model.DispatchKind, key string, now time.Time) {
	exists, err := e.events.HasKeyPrefix(ctx, key)
	if err != nil {
		e.log.Errorf("idempotency check %s: %v", key, err)
		return
	}
	if exists {
		return
	}

	if blocked, reason, gerr := e.guard.Check(ctx, ins); gerr != nil {
		e.log.Warnf("guard check for %s: %v", ins.ResourceID, gerr)
	} else if blocked {
		e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
			Status:    model.DispatchBlocked,
			ErrorText: reason,
		}, 0)
		return
	}

	target, err := e.targets.GetByResource(ctx, ins.ResourceID)
	if errors.Is(err, repository.ErrNotFound) {
		e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
			Status:    model.DispatchSkippedNoTarget,
			ErrorText: "no output target configured for resource",
		}, 0)
		return
	}
	if err != nil {
		e.log.Errorf("target lookup %s: %v", ins.ResourceID, err)
		return
	}
	if !target.Enabled {
		e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
			Status:    model.DispatchBlocked,
			TargetURL: target.URL,
			ErrorText: "output target disabled",
		}, 0)
		return
	}

	payload := buildPayload(target, run, ins, kind, now)
	retryMax := target.RetryMax
	if retryMax <= 0 {
		retryMax = e.cfg.DefaultRetryMax
	}

	start := e.clock()
	for attempt := 0; ; attempt++ {
		httpStatus, sendErr := e.sender.Send(ctx, *target, payload, key)
		if sendErr == nil {
			e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
				Status:     model.DispatchSent,
				TargetURL:  target.URL,
				Payload:    payload,
				HTTPStatus: httpStatus,
			}, e.clock().Sub(start))
			return
		}
		if attempt >= retryMax {
			e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
				Status:     model.DispatchFailed,
				TargetURL:  target.URL,
				Payload:    payload,
				HTTPStatus: httpStatus,
				ErrorText:  sendErr.Error(),
			}, e.clock().Sub(start))
			return
		}
		e.record(ctx, run, ins, kind, key, model.OutputDispatchEvent{
			Status:     model.DispatchRetrying,
			TargetURL:  target.URL,
			HTTPStatus: httpStatus,
			ErrorText:  sendErr.Error(),
		}, 0)
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// record appends a ledger event and mirrors it to the metrics sink and bus.
func (e *Engine) record(ctx context.Context, run *model.Run, ins Instruction, kind model.DispatchKind, key string, ev model.OutputDispatchEvent, latency time.Duration) {
	ev.RunID = run.ID
	ev.ResourceID = ins.ResourceID
	ev.ExecutionTime = ins.EffectiveAt
	ev.Kind = kind
	ev.IdempotencyKey = key
	ev.CreatedAt = e.clock()
	if err := e.events.Create(ctx, &ev); err != nil {
		e.log.Errorf("record dispatch event: %v", err)
		return
	}
	if ev.Status != model.DispatchRetrying {
		if err := e.sink.RecordDispatch(metrics.DispatchRecord{
			RunID:      ev.RunID,
			ResourceID: ev.ResourceID,
			Kind:       kind,
			Status:     ev.Status,
			HTTPStatus: ev.HTTPStatus,
			Latency:    latency,
			Time:       ev.CreatedAt,
		}); err != nil {
			e.log.Warnf("record dispatch metrics: %v", err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.DispatchEvent{Event: ev, Time: ev.CreatedAt})
	}
	e.log.Debugw("dispatch event", map[string]any{
		"run_id":      ev.RunID,
		"resource_id": ev.ResourceID,
		"kind":        string(kind),
		"status":      string(ev.Status),
		"key":         key,
	})
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.mu.Unlock()
}

func sortOutputs(out []CurrentOutput) {
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
}
