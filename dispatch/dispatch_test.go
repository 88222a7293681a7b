package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/dispatch"
	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/ledger"
	"github.com/hazyhaar/harvest/vtq"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// runner fails each job with the scripted kinds, then succeeds. It records
// results in the ledger the way the engine does.
type runner struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	script []engine.ErrorKind
	calls  []string
	done   chan struct{}
}

func (r *runner) Run(ctx context.Context, job engine.Job) engine.Result {
	r.mu.Lock()
	r.calls = append(r.calls, job.ID)
	res := engine.Result{JobID: job.ID, Success: true, ArtifactPath: "/raw/" + job.ID + ".xlsx"}
	if len(r.script) > 0 {
		res = engine.Result{JobID: job.ID, ErrorKind: r.script[0], Error: "scripted " + string(r.script[0])}
		r.script = r.script[1:]
	}
	finished := len(r.script) == 0
	r.mu.Unlock()

	r.ledger.Record(ctx, job, res)
	if finished && r.done != nil && (res.Success || !res.ErrorKind.Retryable()) {
		close(r.done)
	}
	return res
}

func setup(t *testing.T, script ...engine.ErrorKind) (*dispatch.Dispatcher, *runner, *ledger.Ledger) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l := ledger.New(db, ledger.Options{Logger: quiet()})
	if err := l.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	q := vtq.New(db, vtq.Options{Visibility: time.Second, PollInterval: 5 * time.Millisecond, Logger: quiet()})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := &runner{ledger: l, script: script, done: make(chan struct{})}
	d := dispatch.New(r, l, dispatch.Options{
		Queue:        q,
		Workers:      2,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
		Logger:       quiet(),
	})
	return d, r, l
}

func job() engine.Job {
	return engine.Job{Platform: "shopee", AccountID: "acct1", ShopName: "shop1", DataDomain: "orders"}
}

func work(t *testing.T, d *dispatch.Dispatcher, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Work(ctx)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("queue never drained")
	}
	cancel()
	<-stopped
}

func TestSubmitAndWork(t *testing.T) {
	d, r, _ := setup(t, engine.KindCompletionTimeout)
	ctx := context.Background()

	queued, err := d.Submit(ctx, job())
	if err != nil {
		t.Fatal(err)
	}
	if queued.ID == "" {
		t.Fatal("no id assigned")
	}
	run, err := d.Status(ctx, queued.ID)
	if err != nil || run.Status != ledger.Queued {
		t.Fatalf("status before work = %+v, %v", run, err)
	}

	work(t, d, r.done)

	run, err = d.Status(ctx, queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != ledger.Succeeded || run.Attempts != 2 {
		t.Fatalf("final run = status %s attempts %d", run.Status, run.Attempts)
	}
	if len(r.calls) != 2 {
		t.Errorf("runner called %d times, want 2", len(r.calls))
	}
}

func TestNonRetryableFailureIsFinal(t *testing.T) {
	d, r, _ := setup(t, engine.KindChallengeAborted)
	ctx := context.Background()

	queued, err := d.Submit(ctx, job())
	if err != nil {
		t.Fatal(err)
	}
	work(t, d, r.done)

	run, _ := d.Status(ctx, queued.ID)
	if run.Status != ledger.Failed || run.Result.ErrorKind != engine.KindChallengeAborted {
		t.Fatalf("final run = %+v", run)
	}
	if len(r.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(r.calls))
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	d, r, _ := setup(t, engine.KindActionNotFound, engine.KindActionNotFound, engine.KindActionNotFound, engine.KindActionNotFound)
	ctx := context.Background()

	queued, err := d.Submit(ctx, job())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	wctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Work(wctx)
	}()
	for time.Now().Before(deadline) {
		if run, _ := d.Status(ctx, queued.ID); run != nil && run.Attempts == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-stopped

	run, _ := d.Status(ctx, queued.ID)
	if run.Status != ledger.Failed || run.Attempts != 3 {
		t.Fatalf("final run = status %s attempts %d", run.Status, run.Attempts)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) != 3 {
		t.Errorf("runner called %d times, want 3", len(r.calls))
	}
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	d, _, _ := setup(t)
	bad := job()
	bad.ShopName = ""
	if _, err := d.Submit(context.Background(), bad); !errors.Is(err, engine.ErrInvalidJob) {
		t.Fatalf("err = %v, want ErrInvalidJob", err)
	}
}

func TestInlineRun(t *testing.T) {
	d, r, l := setup(t)
	res := d.Run(context.Background(), job())
	if !res.Success || res.JobID == "" {
		t.Fatalf("result = %+v", res)
	}
	run, err := l.Get(context.Background(), res.JobID)
	if err != nil || run.Status != ledger.Succeeded {
		t.Fatalf("ledger = %+v, %v", run, err)
	}
	if len(r.calls) != 1 {
		t.Errorf("calls = %v", r.calls)
	}
}

func TestNoQueue(t *testing.T) {
	d := dispatch.New(&runner{}, nil, dispatch.Options{Logger: quiet()})
	if _, err := d.Submit(context.Background(), job()); !errors.Is(err, dispatch.ErrNoQueue) {
		t.Fatalf("Submit err = %v", err)
	}
	if err := d.Work(context.Background()); !errors.Is(err, dispatch.ErrNoQueue) {
		t.Fatalf("Work err = %v", err)
	}
}

func TestPassedDeadlineIsNotRetried(t *testing.T) {
	d, r, _ := setup(t, engine.KindDeadline, engine.KindDeadline)
	ctx := context.Background()

	j := job()
	j.Deadline = time.Now().Add(-time.Minute)
	queued, err := d.Submit(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Work(wctx)
	}()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if run, _ := d.Status(ctx, queued.ID); run != nil && run.Status == ledger.Failed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Several retry backoffs.
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-stopped

	run, _ := d.Status(ctx, queued.ID)
	if run.Status != ledger.Failed || run.Result.ErrorKind != engine.KindDeadline {
		t.Fatalf("final run = %+v", run)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(r.calls))
	}
}

func TestRelativeTimeoutIsRetried(t *testing.T) {
	d, r, _ := setup(t, engine.KindDeadline)
	ctx := context.Background()

	j := job()
	j.Timeout = time.Minute
	queued, err := d.Submit(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	work(t, d, r.done)

	run, _ := d.Status(ctx, queued.ID)
	if run.Status != ledger.Succeeded || run.Attempts != 2 {
		t.Fatalf("final run = status %s attempts %d", run.Status, run.Attempts)
	}
	if run.Job.Timeout != time.Minute || !run.Job.Deadline.IsZero() {
		t.Errorf("stored job timeout=%s deadline=%s", run.Job.Timeout, run.Job.Deadline)
	}
}
