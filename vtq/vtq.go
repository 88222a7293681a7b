// Package vtq is the SQLite visibility-timeout queue behind queued
// extractions.
//
// A claimed job is hidden for the visibility window. The consumer acks it
// when done; a consumer that dies leaves it to reappear when the window
// runs out, and Run extends the window while a handler is still busy.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS queue_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT NOT NULL DEFAULT ''
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/harvest/dbopen"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Several queues share one table.
	Queue string
	// Visibility is how long a claimed job stays hidden. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claims when the queue is idle.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts drops a job claimed more often than this. 0 means
	// unlimited.
	MaxAttempts int
	// Dropped is called with jobs discarded after MaxAttempts.
	Dropped func(ctx context.Context, job *Job)
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Claimed int64 `json:"claimed"`
	Acked   int64 `json:"acked"`
	Retried int64 `json:"retried"`
	Dropped int64 `json:"dropped"`
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options

	claimed atomic.Int64
	acked   atomic.Int64
	retried atomic.Int64
	dropped atomic.Int64
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Stats returns the current counters.
func (q *Q) Stats() Stats {
	return Stats{
		Claimed: q.claimed.Load(),
		Acked:   q.acked.Load(),
		Retried: q.retried.Load(),
		Dropped: q.dropped.Load(),
	}
}

// EnsureTable creates the queue_jobs table and index.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_queue_jobs_visible ON queue_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return nil
}

const returning = `RETURNING id, queue, payload, visible_at, created_at, attempts, last_error`

// Claim atomically picks the oldest visible job and hides it for the
// visibility window. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs, oldest first. It
// returns an empty non-nil slice when nothing is visible.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		`+returning,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts, &j.LastError); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	q.claimed.Add(int64(len(jobs)))
	return jobs, nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job visible again after delay and records why it failed.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration, reason string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE queue_jobs SET visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(delay).UnixMilli(), reason, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility window of a claimed job forward.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE queue = ?`, q.opts.Queue)
	return err
}

// Len returns the number of jobs in the queue, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// RetryError asks Run to redeliver the job after After.
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string { return fmt.Sprintf("retry in %s: %v", e.After, e.Err) }

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so that Run redelivers the job after d.
func Retry(err error, d time.Duration) error { return &RetryError{After: d, Err: err} }

// Handler processes a claimed job. nil acks it, a *RetryError redelivers it
// after the requested delay, any other error redelivers it at once.
type Handler func(ctx context.Context, job *Job) error

// Run claims jobs and runs handler on up to workers of them at a time. It
// blocks until ctx is cancelled and in-flight handlers have returned.
func (q *Q) Run(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "workers", workers,
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		free := workers - len(sem)
		if free > 0 {
			jobs, err := q.BatchClaim(ctx, free)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			}
			for _, job := range jobs {
				if q.exhausted(ctx, job) {
					continue
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					q.handle(ctx, j, handler)
				}(job)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Q) exhausted(ctx context.Context, job *Job) bool {
	if q.opts.MaxAttempts <= 0 || job.Attempts <= q.opts.MaxAttempts {
		return false
	}
	q.opts.Logger.Warn("vtq: job exceeded max attempts, dropping",
		"id", job.ID, "attempts", job.Attempts, "last_error", job.LastError, "queue", q.opts.Queue)
	q.dropped.Add(1)
	if q.opts.Dropped != nil {
		q.opts.Dropped(ctx, job)
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		q.opts.Logger.Warn("vtq: drop failed", "id", job.ID, "error", err)
	}
	return true
}

// handle runs one job with a heartbeat that keeps it hidden while the
// handler works.
func (q *Q) handle(ctx context.Context, job *Job, handler Handler) {
	log := q.opts.Logger
	hbCtx, stop := context.WithCancel(ctx)
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		t := time.NewTicker(q.opts.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := q.Extend(hbCtx, job.ID, q.opts.Visibility); err != nil && hbCtx.Err() == nil {
					log.Warn("vtq: heartbeat failed", "id", job.ID, "error", err)
				}
			}
		}
	}()

	err := handler(ctx, job)
	stop()
	<-beat

	// Settle on a fresh context so a cancelled consumer still releases
	// the job.
	sctx := context.WithoutCancel(ctx)
	var re *RetryError
	switch {
	case err == nil:
		if err := q.Ack(sctx, job.ID); err != nil {
			log.Warn("vtq: ack failed", "id", job.ID, "error", err)
			return
		}
		q.acked.Add(1)
	case errors.As(err, &re):
		log.Info("vtq: job retry scheduled", "id", job.ID, "after", re.After, "attempts", job.Attempts, "error", re.Err)
		q.retried.Add(1)
		if err := q.Nack(sctx, job.ID, re.After, err.Error()); err != nil {
			log.Warn("vtq: nack failed", "id", job.ID, "error", err)
		}
	default:
		log.Warn("vtq: handler failed, nacking", "id", job.ID, "error", err, "queue", q.opts.Queue)
		q.retried.Add(1)
		if err := q.Nack(sctx, job.ID, 0, err.Error()); err != nil {
			log.Warn("vtq: nack failed", "id", job.ID, "error", err)
		}
	}
}
