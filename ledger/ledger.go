// Package ledger keeps the run history of extraction jobs in SQLite: one
// row per job, from queued to its final result.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/engine"
)

// Schema is the runs table, created by EnsureTable.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	job_id        TEXT PRIMARY KEY,
	platform      TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	shop_name     TEXT NOT NULL,
	data_domain   TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT '',
	job           BLOB NOT NULL,
	result        BLOB,
	created_at    INTEGER NOT NULL, -- milliseconds since epoch
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status, updated_at);
CREATE INDEX IF NOT EXISTS idx_runs_account ON runs (platform, account_id, updated_at);
`

// Status is the lifecycle stage of a run.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("ledger: run not found")

// Run is one row.
type Run struct {
	JobID     string         `json:"job_id"`
	Status    Status         `json:"status"`
	Attempts  int            `json:"attempts"`
	Job       engine.Job     `json:"job"`
	Result    *engine.Result `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Options configures a Ledger.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Ledger implements engine.Recorder.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

// New creates a Ledger. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{db: db, now: opts.Now, log: opts.Logger}
}

// EnsureTable creates the runs table and its indexes.
func (l *Ledger) EnsureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, Schema)
	return err
}

// Enqueued records job as waiting in the queue.
func (l *Ledger) Enqueued(ctx context.Context, job engine.Job) error {
	return l.upsert(ctx, job, Queued, nil)
}

// Started marks job as running.
func (l *Ledger) Started(ctx context.Context, job engine.Job) error {
	return l.upsert(ctx, job, Running, nil)
}

// Record stores the final result of job. Each call counts as one attempt.
func (l *Ledger) Record(ctx context.Context, job engine.Job, res engine.Result) error {
	status := Failed
	if res.Success {
		status = Succeeded
	}
	return l.upsert(ctx, job, status, &res)
}

func (l *Ledger) upsert(ctx context.Context, job engine.Job, status Status, res *engine.Result) error {
	if job.ID == "" {
		return errors.New("ledger: job has no id")
	}
	jb, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ledger: encode job: %w", err)
	}
	var result any
	var kind, msg, artifact string
	var attempt int
	if res != nil {
		rb, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("ledger: encode result: %w", err)
		}
		result = rb
		kind, msg, artifact = string(res.ErrorKind), res.Error, res.ArtifactPath
		attempt = 1
	}
	now := l.now().UnixMilli()
	_, err = dbopen.Exec(ctx, l.db, `
		INSERT INTO runs (job_id, platform, account_id, shop_name, data_domain, status,
			attempts, error_kind, error, artifact_path, job, result, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (job_id) DO UPDATE SET
			status        = excluded.status,
			attempts      = runs.attempts + excluded.attempts,
			error_kind    = excluded.error_kind,
			error         = excluded.error,
			artifact_path = excluded.artifact_path,
			job           = excluded.job,
			result        = COALESCE(excluded.result, runs.result),
			updated_at    = excluded.updated_at`,
		job.ID, job.Platform, job.AccountID, job.ShopName, job.DataDomain, string(status),
		attempt, kind, msg, artifact, jb, result, now, now,
	)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", status, job.ID, err)
	}
	l.log.Debug("ledger: run updated", "job_id", job.ID, "status", status)
	return nil
}

const columns = `job_id, status, attempts, job, result, created_at, updated_at`

// Get returns the run of jobID.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE job_id = ?`, jobID)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Platform  string
	AccountID string
	Status    Status
	// Limit defaults to 50.
	Limit int
}

// List returns the most recently updated runs matching f.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT ` + columns + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY updated_at DESC, job_id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()
	out := []Run{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Prune deletes finished runs last updated before cutoff.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := dbopen.Exec(ctx, l.db,
		`DELETE FROM runs WHERE status IN (?, ?) AND updated_at < ?`,
		string(Succeeded), string(Failed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Run, error) {
	var (
		r        Run
		status   string
		jb, rb   []byte
		cre, upd int64
	)
	if err := s.Scan(&r.JobID, &status, &r.Attempts, &jb, &rb, &cre, &upd); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if err := json.Unmarshal(jb, &r.Job); err != nil {
		return nil, fmt.Errorf("ledger: decode job %s: %w", r.JobID, err)
	}
	if len(rb) > 0 {
		r.Result = new(engine.Result)
		if err := json.Unmarshal(rb, r.Result); err != nil {
			return nil, fmt.Errorf("ledger: decode result %s: %w", r.JobID, err)
		}
	}
	r.CreatedAt = time.UnixMilli(cre)
	r.UpdatedAt = time.UnixMilli(upd)
	return &r, nil
}
