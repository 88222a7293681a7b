package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/ledger"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*ledger.Ledger, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(dbopen.OpenMemory(t), ledger.Options{
		Now:    c.now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := l.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return l, c
}

func job(id, account string) engine.Job {
	return engine.Job{
		ID:          id,
		Platform:    "shopee",
		AccountID:   account,
		ShopName:    "shop1",
		DataDomain:  "orders",
		Granularity: "daily",
	}
}

func TestLifecycle(t *testing.T) {
	l, c := setup(t)
	ctx := context.Background()
	j := job("job_1", "acct1")

	if err := l.Enqueued(ctx, j); err != nil {
		t.Fatal(err)
	}
	r, err := l.Get(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != ledger.Queued || r.Attempts != 0 || r.Result != nil {
		t.Fatalf("queued run = %+v", r)
	}

	c.t = c.t.Add(time.Minute)
	if err := l.Started(ctx, j); err != nil {
		t.Fatal(err)
	}
	failed := engine.Result{JobID: "job_1", Error: "export trigger not found", ErrorKind: engine.KindActionNotFound}
	if err := l.Record(ctx, j, failed); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(time.Minute)
	if err := l.Started(ctx, j); err != nil {
		t.Fatal(err)
	}
	if r, _ := l.Get(ctx, "job_1"); r.Result == nil || r.Result.ErrorKind != engine.KindActionNotFound {
		t.Fatalf("previous result lost on restart: %+v", r.Result)
	}
	ok := engine.Result{JobID: "job_1", Success: true, ArtifactPath: "/data/raw/a.xlsx"}
	if err := l.Record(ctx, j, ok); err != nil {
		t.Fatal(err)
	}

	r, err = l.Get(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != ledger.Succeeded || r.Attempts != 2 {
		t.Errorf("status=%s attempts=%d", r.Status, r.Attempts)
	}
	if diff := cmp.Diff(&ok, r.Result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(j, r.Job); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}
	if !r.UpdatedAt.Equal(c.t) || !r.CreatedAt.Equal(c.t.Add(-2*time.Minute)) {
		t.Errorf("created=%s updated=%s", r.CreatedAt, r.UpdatedAt)
	}
}

func TestGetUnknown(t *testing.T) {
	l, _ := setup(t)
	if _, err := l.Get(context.Background(), "job_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordRequiresID(t *testing.T) {
	l, _ := setup(t)
	if err := l.Record(context.Background(), job("", "acct1"), engine.Result{}); err == nil {
		t.Fatal("expected error for a job without id")
	}
}

func TestListAndPrune(t *testing.T) {
	l, c := setup(t)
	ctx := context.Background()

	for i, acct := range []string{"acct1", "acct2", "acct1"} {
		j := job("job_"+string(rune('a'+i)), acct)
		if err := l.Record(ctx, j, engine.Result{JobID: j.ID, Success: acct == "acct1"}); err != nil {
			t.Fatal(err)
		}
		c.t = c.t.Add(time.Minute)
	}
	if err := l.Enqueued(ctx, job("job_d", "acct2")); err != nil {
		t.Fatal(err)
	}

	all, err := l.List(ctx, ledger.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.JobID)
	}
	if diff := cmp.Diff([]string{"job_d", "job_c", "job_b", "job_a"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	mine, _ := l.List(ctx, ledger.Filter{AccountID: "acct1", Status: ledger.Succeeded})
	if len(mine) != 2 {
		t.Errorf("acct1 succeeded = %d, want 2", len(mine))
	}
	if top, _ := l.List(ctx, ledger.Filter{Limit: 1}); len(top) != 1 || top[0].JobID != "job_d" {
		t.Errorf("limit 1 = %+v", top)
	}

	n, err := l.Prune(ctx, c.t)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3 finished runs", n)
	}
	if left, _ := l.List(ctx, ledger.Filter{}); len(left) != 1 || left[0].Status != ledger.Queued {
		t.Errorf("left = %+v", left)
	}
}
