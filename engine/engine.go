// Package engine runs extraction jobs end to end: it takes the account
// lane, restores the browser profile, logs in, triggers the export, waits
// for completion and captures exactly one artifact.
//
// Run never panics on bad input and always returns a Result; failures are
// classified by ErrorKind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/capture"
	"github.com/hazyhaar/harvest/catalog"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/idgen"
	"github.com/hazyhaar/harvest/lane"
	"github.com/hazyhaar/harvest/login"
	"github.com/hazyhaar/harvest/notify"
	"github.com/hazyhaar/harvest/profile"
	"github.com/hazyhaar/harvest/secrets"
	"github.com/hazyhaar/harvest/tracker"
)

// Recorder stores job results. ledger.Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, job Job, res Result) error
}

// Passwords resolves account passwords. *secrets.Resolver implements it.
type Passwords interface {
	Password(platform, account, fallback string) (string, secrets.Source, error)
}

// Options wires an Engine. Config, Catalog, Profiles and Launcher are
// required.
type Options struct {
	Config   *config.Config
	Catalog  *catalog.Catalog
	Profiles profile.Store
	Launcher Launcher

	// Capturer defaults to one rooted at Config.OutputRoot.
	Capturer *capture.Capturer
	// Lanes defaults to a Locker with lock files under Config.ProfilesRoot.
	Lanes *lane.Locker

	// Optional bookkeeping. Nil values disable them.
	Tracker   *tracker.Tracker
	Notifier  *notify.Notifier
	Recorder  Recorder
	Passwords Passwords

	// Codes follow the account's configured codes in the login code chain.
	Codes []login.CodeSource
	// Actions is the base executor configuration; AttemptTimeout comes
	// from the platform tuning.
	Actions action.Options

	Tracer trace.Tracer
	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/hazyhaar/harvest/engine")
	}
	if o.Capturer == nil && o.Config != nil {
		o.Capturer = capture.New(capture.Options{Root: o.Config.OutputRoot, Logger: o.Logger})
	}
	if o.Lanes == nil && o.Config != nil {
		o.Lanes = lane.New(lane.Options{Dir: o.Config.ProfilesRoot, Logger: o.Logger})
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Runs      int64         `json:"runs"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Actions   []action.Stat `json:"actions,omitempty"`
}

// Engine is safe for concurrent use. Jobs on the same account are
// serialized by the lane locker.
type Engine struct {
	opts  Options
	pacer *pacer

	mu        sync.Mutex
	executors map[string]*action.Executor

	runs      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New validates opts and creates an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("engine: config is required")
	case opts.Catalog == nil:
		return nil, errors.New("engine: catalog is required")
	case opts.Profiles == nil:
		return nil, errors.New("engine: profile store is required")
	case opts.Launcher == nil:
		return nil, errors.New("engine: launcher is required")
	}
	opts.defaults()
	return &Engine{opts: opts, pacer: newPacer(), executors: make(map[string]*action.Executor)}, nil
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	s := Stats{Runs: e.runs.Load(), Succeeded: e.succeeded.Load(), Failed: e.failed.Load()}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ex := range e.executors {
		s.Actions = append(s.Actions, ex.Stats()...)
	}
	return s
}

func (e *Engine) executor(platform string, t config.Tuning) *action.Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executors[platform]
	if !ok {
		o := e.opts.Actions
		o.AttemptTimeout = t.ActionTimeout
		if o.Logger == nil {
			o.Logger = e.opts.Logger
		}
		ex = action.New(o)
		e.executors[platform] = ex
	}
	return ex
}

// Run executes job and reports its result. A job without ID gets one.
func (e *Engine) Run(ctx context.Context, job Job) Result {
	if job.ID == "" {
		job.ID = idgen.NewJob()
	}
	res := Result{JobID: job.ID, StartedAt: e.opts.Now()}
	e.runs.Add(1)

	ctx, span := e.opts.Tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.platform", job.Platform),
		attribute.String("job.account", job.AccountID),
		attribute.String("job.data_domain", job.DataDomain),
	))
	defer span.End()

	log := e.opts.Logger.With("job_id", job.ID, "platform", job.Platform, "account", job.AccountID)
	log.Info("engine: job started", "shop", job.ShopName, "data_domain", job.DataDomain)

	art, err := e.run(ctx, &job, &res, log)
	res.FinishedAt = e.opts.Now()
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = KindOf(err)
		e.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.ErrorKind))
		log.Error("engine: job failed", "kind", res.ErrorKind, "error", err, "elapsed", res.Elapsed())
	} else {
		res.Success = true
		res.ArtifactPath = art.Path
		res.ManifestPath = art.ManifestPath
		e.succeeded.Add(1)
		span.SetAttributes(attribute.String("artifact.path", art.Path), attribute.Int64("artifact.size", art.Size))
		log.Info("engine: job done", "artifact", art.Path, "elapsed", res.Elapsed())
	}

	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.Record(context.WithoutCancel(ctx), job, res); err != nil {
			log.Warn("engine: ledger write failed", "error", err)
		}
	}
	return res
}

// RunBatch runs jobs with at most concurrency in flight (unbounded when
// concurrency <= 0). Results keep the order of jobs.
func (e *Engine) RunBatch(ctx context.Context, jobs []Job, concurrency int) []Result {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = e.Run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) run(ctx context.Context, job *Job, res *Result, log *slog.Logger) (*capture.Artifact, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	plat, err := e.opts.Catalog.Platform(job.Platform)
	if err != nil {
		return nil, err
	}
	dom, err := plat.Domain(job.DataDomain)
	if err != nil {
		return nil, err
	}
	acct, err := e.opts.Config.Account(job.Platform, job.AccountID)
	if err != nil {
		return nil, err
	}
	if job.AccountLabel == "" {
		job.AccountLabel = acct.Label
	}
	tuning, err := e.opts.Config.TuningFor(plat.Name, plat.Tuning)
	if err != nil {
		return nil, err
	}

	deadline := job.Deadline
	if job.Timeout > 0 {
		if d := e.opts.Now().Add(job.Timeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		deadline = e.opts.Now().Add(tuning.JobDeadline)
	}
	jctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	j := &jobRun{
		e:      e,
		job:    *job,
		plat:   plat,
		dom:    dom,
		acct:   acct,
		tuning: tuning,
		res:    res,
		log:    log,
	}
	art, err := j.execute(jctx)
	if err != nil && errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var de *DeadlineError
		if !errors.As(err, &de) {
			err = &DeadlineError{Phase: j.phase, Deadline: deadline, Err: err}
		}
	}
	return art, err
}

// phased runs fn in a child span named after the phase.
func (j *jobRun) phased(ctx context.Context, name string, fn func(context.Context) error) error {
	j.phase = name
	ctx, span := j.e.opts.Tracer.Start(ctx, "engine."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			j.log.Debug("engine: phase failed", "phase", name, "error", err)
		}
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("engine: %s: %w", op, err)
}
