package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvest/api"
	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/dispatch"
	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/ledger"
	"github.com/hazyhaar/harvest/vtq"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// runner succeeds every job and records it the way the engine does.
type runner struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	jobs   []engine.Job
}

func (r *runner) Run(ctx context.Context, job engine.Job) engine.Result {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	res := engine.Result{JobID: job.ID, Success: true, ArtifactPath: "/raw/" + job.ID + ".xlsx"}
	r.ledger.Record(ctx, job, res)
	return res
}

func setup(t *testing.T, opts api.Options) (*api.API, *runner, *vtq.Q) {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	l := ledger.New(db, ledger.Options{Logger: quiet()})
	if err := l.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	q := vtq.New(db, vtq.Options{Logger: quiet()})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	r := &runner{ledger: l}
	d := dispatch.New(r, l, dispatch.Options{Queue: q, Logger: quiet()})
	opts.Logger = quiet()
	return api.New(d, opts), r, q
}

const body = `{"platform":"shopee","account_id":"acct1","shop_name":"shop1","data_domain":"orders",
	"granularity":"daily","start":"2026-10-01","end":"2026-10-01"}`

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTP_RunInline(t *testing.T) {
	a, r, _ := setup(t, api.Options{})
	h := a.Router()

	w := do(t, h, http.MethodPost, "/v1/extractions", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var res engine.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.HasPrefix(res.JobID, "job_") {
		t.Fatalf("result = %+v", res)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", w.Header())
	}

	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if got := r.jobs[0]; !got.Start.Equal(want) || !got.End.Equal(want) || got.Granularity != "daily" {
		t.Errorf("job = %+v", got)
	}

	w = do(t, h, http.MethodGet, "/v1/extractions/"+res.JobID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", w.Code, w.Body)
	}
	var run ledger.Run
	json.Unmarshal(w.Body.Bytes(), &run)
	if run.Status != ledger.Succeeded || run.Result == nil || run.Result.ArtifactPath != res.ArtifactPath {
		t.Errorf("run = %+v", run)
	}
}

func TestHTTP_Queue(t *testing.T) {
	a, r, q := setup(t, api.Options{})
	h := a.Router()

	w := do(t, h, http.MethodPost, "/v1/extractions?mode=queue", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var acc api.Accepted
	json.Unmarshal(w.Body.Bytes(), &acc)
	if acc.Status != ledger.Queued || w.Header().Get("Location") != "/v1/extractions/"+acc.JobID {
		t.Fatalf("accepted = %+v location %q", acc, w.Header().Get("Location"))
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("queue len = %d", n)
	}
	if len(r.jobs) != 0 {
		t.Error("queued job ran inline")
	}

	w = do(t, h, http.MethodGet, "/v1/extractions?status=queued", "")
	var runs []ledger.Run
	json.Unmarshal(w.Body.Bytes(), &runs)
	if len(runs) != 1 || runs[0].JobID != acc.JobID {
		t.Errorf("list = %+v", runs)
	}
}

func TestHTTP_Errors(t *testing.T) {
	a, _, _ := setup(t, api.Options{MaxBody: 512})
	h := a.Router()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"missing shop", http.MethodPost, "/v1/extractions", `{"platform":"shopee","account_id":"a","data_domain":"orders"}`, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/v1/extractions", `{"platform":"shopee","account_id":"a","shop_name":"s","data_domain":"orders","start":"01/10/2026","end":"2026-10-02"}`, http.StatusBadRequest},
		{"bad timeout", http.MethodPost, "/v1/extractions", `{"platform":"shopee","account_id":"a","shop_name":"s","data_domain":"orders","timeout":"soon"}`, http.StatusBadRequest},
		{"not json", http.MethodPost, "/v1/extractions", `platform=shopee`, http.StatusBadRequest},
		{"too large", http.MethodPost, "/v1/extractions", `{"shop_name":"` + strings.Repeat("x", 1024) + `"}`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/v1/extractions/job_missing", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/extractions?limit=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
			var e struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Errorf("body = %s", w.Body)
			}
		})
	}
}

func TestHTTP_QueueNotConfigured(t *testing.T) {
	d := dispatch.New(&runner{}, nil, dispatch.Options{Logger: quiet()})
	h := api.New(d, api.Options{Logger: quiet()}).Router()
	w := do(t, h, http.MethodPost, "/v1/extractions", strings.Replace(body, "{", `{"queue":true,`, 1))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
}

func TestHTTP_Health(t *testing.T) {
	a, _, _ := setup(t, api.Options{})
	h := a.Router()
	for _, m := range []string{http.MethodGet, http.MethodHead} {
		if w := do(t, h, m, "/healthz", ""); w.Code != http.StatusOK {
			t.Errorf("%s /healthz = %d", m, w.Code)
		}
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	a, _, _ := setup(t, api.Options{RateLimit: 0.001, Burst: 2})
	h := a.Router()

	var codes []int
	for range 3 {
		codes = append(codes, do(t, h, http.MethodGet, "/healthz", "").Code)
	}
	if diff := cmp.Diff([]int{200, 200, 429}, codes); diff != "" {
		t.Errorf("codes (-want +got):\n%s", diff)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client = %d", w.Code)
	}
}

var testMCPImpl = &mcp.Implementation{Name: "harvest-test", Version: "0.1.0"}

func mcpSession(t *testing.T, a *api.API) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	a.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		return "", err
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, nil
}

func TestMCP_RunAndGet(t *testing.T) {
	a, _, _ := setup(t, api.Options{})
	session := mcpSession(t, a)

	var args map[string]any
	json.Unmarshal([]byte(body), &args)
	text, err := mcpCall(t, session, "run_extraction", args)
	if err != nil {
		t.Fatal(err)
	}
	var res engine.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	text, err = mcpCall(t, session, "get_extraction", map[string]any{"id": res.JobID})
	if err != nil {
		t.Fatal(err)
	}
	var run ledger.Run
	json.Unmarshal([]byte(text), &run)
	if run.Status != ledger.Succeeded {
		t.Errorf("run = %+v", run)
	}

	text, err = mcpCall(t, session, "list_extractions", map[string]any{"account_id": "acct1"})
	if err != nil {
		t.Fatal(err)
	}
	var runs []ledger.Run
	json.Unmarshal([]byte(text), &runs)
	if len(runs) != 1 {
		t.Errorf("list = %s", text)
	}
}

func TestMCP_Queue(t *testing.T) {
	a, r, _ := setup(t, api.Options{})
	session := mcpSession(t, a)

	var args map[string]any
	json.Unmarshal([]byte(body), &args)
	args["queue"] = true
	text, err := mcpCall(t, session, "run_extraction", args)
	if err != nil {
		t.Fatal(err)
	}
	var acc api.Accepted
	json.Unmarshal([]byte(text), &acc)
	if acc.Status != ledger.Queued || acc.JobID == "" {
		t.Fatalf("accepted = %s", text)
	}
	if len(r.jobs) != 0 {
		t.Error("queued job ran inline")
	}
}

func TestMCP_ToolErrors(t *testing.T) {
	a, _, _ := setup(t, api.Options{})
	session := mcpSession(t, a)

	if _, err := mcpCall(t, session, "run_extraction", map[string]any{"platform": "shopee"}); err == nil {
		t.Error("invalid job accepted")
	}
	if _, err := mcpCall(t, session, "get_extraction", map[string]any{"id": "job_missing"}); err == nil {
		t.Error("unknown job found")
	}
}

func TestExtractionRequest_TimeoutStaysRelative(t *testing.T) {
	req := api.ExtractionRequest{
		Platform: "shopee", AccountID: "a", ShopName: "s", DataDomain: "orders",
		Timeout: "10m",
	}
	job, err := req.Job()
	if err != nil {
		t.Fatal(err)
	}
	if job.Timeout != 10*time.Minute || !job.Deadline.IsZero() {
		t.Errorf("timeout=%s deadline=%s", job.Timeout, job.Deadline)
	}
}
