// Package dispatch runs extraction jobs for the outer surfaces, either
// inline or through the SQLite queue, and keeps the ledger in step.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/idgen"
	"github.com/hazyhaar/harvest/ledger"
	"github.com/hazyhaar/harvest/vtq"
)

// Runner executes one job. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, job engine.Job) engine.Result
}

// Options configures a Dispatcher.
type Options struct {
	// Queue enables Submit and Work. Nil allows inline runs only.
	Queue *vtq.Q
	// Workers bounds queued jobs in flight. Default: 1.
	Workers int
	// MaxAttempts bounds runs of a queued job with a retryable failure.
	// Default: 3.
	MaxAttempts int
	// RetryBackoff is the first retry delay, doubled per attempt.
	// Default: 1m.
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrNoQueue is returned by Submit and Work without a queue.
var ErrNoQueue = errors.New("dispatch: queued mode is not configured")

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	runner Runner
	ledger *ledger.Ledger
	opts   Options
}

// New creates a Dispatcher. The ledger is also the engine's recorder, so
// final results reach it through the runner.
func New(runner Runner, l *ledger.Ledger, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{runner: runner, ledger: l, opts: opts}
}

func (d *Dispatcher) prepare(job *engine.Job) error {
	if job.ID == "" {
		job.ID = idgen.NewJob()
	}
	return job.Validate()
}

// Run executes job inline and returns its result.
func (d *Dispatcher) Run(ctx context.Context, job engine.Job) engine.Result {
	if job.ID == "" {
		job.ID = idgen.NewJob()
	}
	if d.ledger != nil {
		if err := d.ledger.Started(ctx, job); err != nil {
			d.opts.Logger.Warn("dispatch: ledger start failed", "job_id", job.ID, "error", err)
		}
	}
	return d.runner.Run(ctx, job)
}

// Submit validates job, assigns its ID and queues it.
func (d *Dispatcher) Submit(ctx context.Context, job engine.Job) (engine.Job, error) {
	if d.opts.Queue == nil {
		return job, ErrNoQueue
	}
	if err := d.prepare(&job); err != nil {
		return job, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("dispatch: encode job: %w", err)
	}
	if d.ledger != nil {
		if err := d.ledger.Enqueued(ctx, job); err != nil {
			return job, err
		}
	}
	if err := d.opts.Queue.Publish(ctx, job.ID, payload); err != nil {
		return job, err
	}
	d.opts.Logger.Info("dispatch: job queued", "job_id", job.ID, "platform", job.Platform, "account", job.AccountID)
	return job, nil
}

// Status returns the ledger row of jobID.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*ledger.Run, error) {
	if d.ledger == nil {
		return nil, ledger.ErrNotFound
	}
	return d.ledger.Get(ctx, jobID)
}

// List returns recent ledger rows.
func (d *Dispatcher) List(ctx context.Context, f ledger.Filter) ([]ledger.Run, error) {
	if d.ledger == nil {
		return []ledger.Run{}, nil
	}
	return d.ledger.List(ctx, f)
}

// Work consumes the queue until ctx is cancelled.
func (d *Dispatcher) Work(ctx context.Context) error {
	if d.opts.Queue == nil {
		return ErrNoQueue
	}
	d.opts.Queue.Run(ctx, d.opts.Workers, d.handle)
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, qj *vtq.Job) error {
	var job engine.Job
	if err := json.Unmarshal(qj.Payload, &job); err != nil {
		d.opts.Logger.Error("dispatch: undecodable job dropped", "id", qj.ID, "error", err)
		return nil
	}
	res := d.Run(ctx, job)
	if !res.Success && ctx.Err() != nil {
		return vtq.Retry(errors.New(res.Error), 0)
	}
	if res.Success || !res.ErrorKind.Retryable() {
		return nil
	}
	if res.ErrorKind == engine.KindDeadline && !job.Deadline.IsZero() && !time.Now().Before(job.Deadline) {
		d.opts.Logger.Warn("dispatch: job deadline passed, not retried", "job_id", job.ID, "deadline", job.Deadline)
		return nil
	}
	if qj.Attempts >= d.opts.MaxAttempts {
		d.opts.Logger.Warn("dispatch: job gave up", "job_id", job.ID, "attempts", qj.Attempts, "kind", res.ErrorKind)
		return nil
	}
	delay := d.opts.RetryBackoff << (qj.Attempts - 1)
	return vtq.Retry(fmt.Errorf("%s: %s", res.ErrorKind, res.Error), delay)
}
