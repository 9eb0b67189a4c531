// Package sqlite persists runs, artifacts, instructions, targets and the
// dispatch ledger in a single SQLite database. It is the production store;
// the in-memory implementation backs tests and storeless deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    trigger_source TEXT NOT NULL,
    run_mode TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    optimizer_run_at INTEGER,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    error_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_optimizer_run_at ON runs(optimizer_run_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    artifact_key TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    valid_from INTEGER,
    valid_until INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE(run_id, artifact_type, artifact_key)
);

CREATE TABLE IF NOT EXISTS instructions (
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    resource_id TEXT NOT NULL,
    actuator_id TEXT NOT NULL DEFAULT '',
    instruction_type TEXT NOT NULL DEFAULT '',
    operation_mode_id TEXT NOT NULL DEFAULT '',
    operation_mode_factor REAL NOT NULL DEFAULT 0,
    starts_at INTEGER NOT NULL,
    ends_at INTEGER,
    execution_time INTEGER,
    raw TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY(run_id, idx)
);

CREATE TABLE IF NOT EXISTS targets (
    resource_id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    method TEXT NOT NULL DEFAULT 'POST',
    headers TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    retry_max INTEGER NOT NULL DEFAULT 0,
    template TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS dispatch_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    execution_time INTEGER NOT NULL,
    kind TEXT NOT NULL,
    target_url TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    http_status INTEGER NOT NULL DEFAULT 0,
    error_text TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_events_key ON dispatch_events(idempotency_key);

CREATE TABLE IF NOT EXISTS power_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    watts REAL NOT NULL,
    measured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_power_samples_measured ON power_samples(measured_at);
`

// Store bundles one repository per entity, all sharing one database handle.
type Store struct {
	db *sql.DB

	Runs         *RunRepo
	Artifacts    *ArtifactRepo
	Instructions *InstructionRepo
	Targets      *TargetRepo
	Events       *EventRepo
	Power        *PowerRepo
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	s := &Store{db: db}
	s.Runs = &RunRepo{db: db}
	s.Artifacts = &ArtifactRepo{db: db}
	s.Instructions = &InstructionRepo{db: db}
	s.Targets = &TargetRepo{db: db}
	s.Events = &EventRepo{db: db}
	s.Power = &PowerRepo{db: db}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var (
	_ repository.Runs              = (*RunRepo)(nil)
	_ repository.Artifacts         = (*ArtifactRepo)(nil)
	_ repository.Instructions      = (*InstructionRepo)(nil)
	_ repository.Targets           = (*TargetRepo)(nil)
	_ repository.DispatchEvents    = (*EventRepo)(nil)
	_ repository.PowerSamples      = (*PowerRepo)(nil)
	_ repository.PowerSampleWriter = (*PowerRepo)(nil)
)

func toUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RunRepo implements repository.Runs.
type RunRepo struct{ db *sql.DB }

func (r *RunRepo) Create(ctx context.Context, run *model.Run) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, trigger_source, run_mode, status, optimizer_run_at, started_at, error_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.TriggerSource), run.RunMode, string(run.Status),
		toUnix(run.OptimizerRunAt), run.StartedAt.Unix(), run.ErrorText)
	return err
}

func (r *RunRepo) UpdateStatus(ctx context.Context, id string, status model.RunStatus, errorText string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_text = ?, finished_at = ? WHERE id = ?`,
		string(status), errorText, finishedAt.Unix(), id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (r *RunRepo) SetOptimizerTimestamp(ctx context.Context, id string, ts time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET optimizer_run_at = ? WHERE id = ?`, ts.Unix(), id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (r *RunRepo) SetRunMode(ctx context.Context, id string, mode string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET run_mode = ? WHERE id = ?`, mode, id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

const runColumns = `id, trigger_source, run_mode, status, optimizer_run_at, started_at, finished_at, error_text`

func (r *RunRepo) Get(ctx context.Context, id string) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *RunRepo) ListRunning(ctx context.Context) ([]model.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, string(model.RunRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (r *RunRepo) LatestSuccessfulWithPlan(ctx context.Context) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status IN (?, ?)
		   AND id IN (SELECT run_id FROM artifacts WHERE artifact_type = ?)
		 ORDER BY started_at DESC LIMIT 1`,
		string(model.RunSuccess), string(model.RunPartial), string(model.ArtifactPlan))
	return scanRun(row)
}

func (r *RunRepo) GetByOptimizerTimestamp(ctx context.Context, ts time.Time) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE optimizer_run_at = ? LIMIT 1`, ts.Unix())
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var trigger, status string
	var optRunAt, finishedAt sql.NullInt64
	var startedAt int64
	err := row.Scan(&run.ID, &trigger, &run.RunMode, &status, &optRunAt, &startedAt, &finishedAt, &run.ErrorText)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.TriggerSource = model.TriggerSource(trigger)
	run.Status = model.RunStatus(status)
	run.OptimizerRunAt = fromUnix(optRunAt)
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.FinishedAt = fromUnix(finishedAt)
	return &run, nil
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ArtifactRepo implements repository.Artifacts.
type ArtifactRepo struct{ db *sql.DB }

func (r *ArtifactRepo) Add(ctx context.Context, a *model.Artifact) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal artifact payload: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, artifact_type, artifact_key, payload, valid_from, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, artifact_type, artifact_key) DO UPDATE SET
		   payload = excluded.payload,
		   valid_from = excluded.valid_from,
		   valid_until = excluded.valid_until,
		   created_at = excluded.created_at`,
		a.RunID, string(a.Type), a.Key, payload,
		toUnix(a.ValidFrom), toUnix(a.ValidUntil), a.CreatedAt.Unix())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

const artifactColumns = `id, run_id, artifact_type, artifact_key, payload, valid_from, valid_until, created_at`

func (r *ArtifactRepo) ListForRun(ctx context.Context, runID string) ([]model.Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *ArtifactRepo) Latest(ctx context.Context, typ model.ArtifactType, key string) (*model.Artifact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_type = ? AND artifact_key = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, string(typ), key)
	return scanArtifact(row)
}

func (r *ArtifactRepo) LatestForRun(ctx context.Context, runID string, typ model.ArtifactType) (*model.Artifact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? AND artifact_type = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID, string(typ))
	return scanArtifact(row)
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	var typ, payload string
	var validFrom, validUntil sql.NullInt64
	var createdAt int64
	err := row.Scan(&a.ID, &a.RunID, &typ, &a.Key, &payload, &validFrom, &validUntil, &createdAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = model.ArtifactType(typ)
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal artifact payload: %w", err)
	}
	a.ValidFrom = fromUnix(validFrom)
	a.ValidUntil = fromUnix(validUntil)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// InstructionRepo implements repository.Instructions.
type InstructionRepo struct{ db *sql.DB }

func (r *InstructionRepo) ReplaceForRun(ctx context.Context, runID string, instructions []model.PlanInstruction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM instructions WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for _, ins := range instructions {
		raw, err := marshalJSON(ins.Raw)
		if err != nil {
			return fmt.Errorf("marshal instruction %d: %w", ins.Index, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO instructions (run_id, idx, resource_id, actuator_id, instruction_type,
			   operation_mode_id, operation_mode_factor, starts_at, ends_at, execution_time, raw)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, ins.Index, ins.ResourceID, ins.ActuatorID, ins.Type,
			ins.OperationModeID, ins.OperationModeFactor, ins.StartsAt.Unix(),
			toUnix(ins.EndsAt), toUnix(ins.ExecutionTime), raw); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *InstructionRepo) ListForRun(ctx context.Context, runID string) ([]model.PlanInstruction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, idx, resource_id, actuator_id, instruction_type, operation_mode_id,
		        operation_mode_factor, starts_at, ends_at, execution_time, raw
		 FROM instructions WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PlanInstruction
	for rows.Next() {
		var ins model.PlanInstruction
		var startsAt int64
		var endsAt, execTime sql.NullInt64
		var raw string
		if err := rows.Scan(&ins.RunID, &ins.Index, &ins.ResourceID, &ins.ActuatorID, &ins.Type,
			&ins.OperationModeID, &ins.OperationModeFactor, &startsAt, &endsAt, &execTime, &raw); err != nil {
			return nil, err
		}
		ins.StartsAt = time.Unix(startsAt, 0).UTC()
		ins.EndsAt = fromUnix(endsAt)
		ins.ExecutionTime = fromUnix(execTime)
		if err := json.Unmarshal([]byte(raw), &ins.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal instruction raw: %w", err)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// TargetRepo implements repository.Targets.
type TargetRepo struct{ db *sql.DB }

func (r *TargetRepo) List(ctx context.Context) ([]model.OutputTarget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT resource_id, url, method, headers, enabled, timeout_seconds, retry_max, template
		 FROM targets ORDER BY resource_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.OutputTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TargetRepo) GetByResource(ctx context.Context, resourceID string) (*model.OutputTarget, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT resource_id, url, method, headers, enabled, timeout_seconds, retry_max, template
		 FROM targets WHERE resource_id = ?`, resourceID)
	return scanTarget(row)
}

func (r *TargetRepo) Upsert(ctx context.Context, t *model.OutputTarget) error {
	headers, err := marshalJSON(t.Headers)
	if err != nil {
		return fmt.Errorf("marshal target headers: %w", err)
	}
	template, err := marshalJSON(t.Template)
	if err != nil {
		return fmt.Errorf("marshal target template: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO targets (resource_id, url, method, headers, enabled, timeout_seconds, retry_max, template)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(resource_id) DO UPDATE SET
		   url = excluded.url,
		   method = excluded.method,
		   headers = excluded.headers,
		   enabled = excluded.enabled,
		   timeout_seconds = excluded.timeout_seconds,
		   retry_max = excluded.retry_max,
		   template = excluded.template`,
		t.ResourceID, t.URL, t.Method, headers, boolToInt(t.Enabled), t.TimeoutSeconds, t.RetryMax, template)
	return err
}

func scanTarget(row rowScanner) (*model.OutputTarget, error) {
	var t model.OutputTarget
	var headers, template string
	var enabled int
	err := row.Scan(&t.ResourceID, &t.URL, &t.Method, &headers, &enabled, &t.TimeoutSeconds, &t.RetryMax, &template)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal target headers: %w", err)
	}
	if err := json.Unmarshal([]byte(template), &t.Template); err != nil {
		return nil, fmt.Errorf("unmarshal target template: %w", err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EventRepo implements repository.DispatchEvents.
type EventRepo struct{ db *sql.DB }

func (r *EventRepo) Create(ctx context.Context, ev *model.OutputDispatchEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO dispatch_events (run_id, resource_id, execution_time, kind, target_url,
		   payload, status, http_status, error_text, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.ResourceID, ev.ExecutionTime.Unix(), string(ev.Kind), ev.TargetURL,
		payload, string(ev.Status), ev.HTTPStatus, ev.ErrorText, ev.IdempotencyKey, ev.CreatedAt.Unix())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (r *EventRepo) HasKeyPrefix(ctx context.Context, prefix string) (bool, error) {
	pattern := escapeLike(prefix) + "%"
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM dispatch_events WHERE idempotency_key LIKE ? ESCAPE '\'`, pattern).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *EventRepo) ListRecent(ctx context.Context, limit int) ([]model.OutputDispatchEvent, error) {
	query := `SELECT id, run_id, resource_id, execution_time, kind, target_url, payload,
	                 status, http_status, error_text, idempotency_key, created_at
	          FROM dispatch_events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.OutputDispatchEvent
	for rows.Next() {
		var ev model.OutputDispatchEvent
		var kind, status, payload string
		var execTime, createdAt int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.ResourceID, &execTime, &kind, &ev.TargetURL,
			&payload, &status, &ev.HTTPStatus, &ev.ErrorText, &ev.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		ev.ExecutionTime = time.Unix(execTime, 0).UTC()
		ev.Kind = model.DispatchKind(kind)
		ev.Status = model.DispatchStatus(status)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// PowerRepo implements repository.PowerSamples.
type PowerRepo struct{ db *sql.DB }

func (r *PowerRepo) Recent(ctx context.Context, n int) ([]model.PowerSample, error) {
	query := `SELECT watts, measured_at FROM power_samples ORDER BY measured_at DESC`
	var args []any
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PowerSample
	for rows.Next() {
		var s model.PowerSample
		var measuredAt int64
		if err := rows.Scan(&s.Watts, &measuredAt); err != nil {
			return nil, err
		}
		s.MeasuredAt = time.Unix(measuredAt, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Add stores a grid-import reading.
func (r *PowerRepo) Add(ctx context.Context, sample model.PowerSample) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO power_samples (watts, measured_at) VALUES (?, ?)`,
		sample.Watts, sample.MeasuredAt.Unix())
	return err
}
