// Package api exposes extractions over HTTP and as MCP tools. Both
// surfaces share the same kit endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/harvest/canon"
	"github.com/hazyhaar/harvest/dispatch"
	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/kit"
	"github.com/hazyhaar/harvest/ledger"
)

// Service runs and tracks extractions. *dispatch.Dispatcher implements it.
type Service interface {
	Run(ctx context.Context, job engine.Job) engine.Result
	Submit(ctx context.Context, job engine.Job) (engine.Job, error)
	Status(ctx context.Context, jobID string) (*ledger.Run, error)
	List(ctx context.Context, f ledger.Filter) ([]ledger.Run, error)
}

// Options configures the API.
type Options struct {
	// MaxBody bounds request bodies. Default: 64 KiB.
	MaxBody int64
	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit rate.Limit
	// Burst is the per-client burst. Default: 10.
	Burst  int
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxBody <= 0 {
		o.MaxBody = 64 << 10
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// API holds the shared endpoints.
type API struct {
	svc  Service
	opts Options

	run  kit.Endpoint
	get  kit.Endpoint
	list kit.Endpoint
}

// New builds the endpoints over svc.
func New(svc Service, opts Options) *API {
	opts.defaults()
	a := &API{svc: svc, opts: opts}
	mw := func(name string) kit.Middleware {
		return kit.Chain(kit.WithRequestIDs(), kit.Logging(opts.Logger, name))
	}
	a.run = mw("run_extraction")(a.runExtraction)
	a.get = mw("get_extraction")(a.getExtraction)
	a.list = mw("list_extractions")(a.listExtractions)
	return a
}

// ExtractionRequest is the body of POST /v1/extractions and the arguments
// of the run_extraction tool. Dates use the YYYY-MM-DD layout.
type ExtractionRequest struct {
	ID           string `json:"id,omitempty" yaml:"id"`
	Platform     string `json:"platform" yaml:"platform"`
	AccountID    string `json:"account_id" yaml:"account_id"`
	AccountLabel string `json:"account_label,omitempty" yaml:"account_label"`
	ShopName     string `json:"shop_name" yaml:"shop_name"`
	ShopID       string `json:"shop_id,omitempty" yaml:"shop_id"`
	DataDomain   string `json:"data_domain" yaml:"data_domain"`
	Subtype      string `json:"subtype,omitempty" yaml:"subtype"`
	Granularity  string `json:"granularity,omitempty" yaml:"granularity"`
	Start        string `json:"start,omitempty" yaml:"start"`
	End          string `json:"end,omitempty" yaml:"end"`
	// Timeout bounds the job, e.g. "10m". Empty uses the platform default.
	Timeout string `json:"timeout,omitempty" yaml:"timeout"`
	// Queue submits the job instead of running it inline.
	Queue bool `json:"queue,omitempty" yaml:"queue"`
}

// Job converts r into an engine job. Timeout stays relative: the engine
// anchors it when the job starts running.
func (r *ExtractionRequest) Job() (engine.Job, error) {
	job := engine.Job{
		ID:           r.ID,
		Platform:     r.Platform,
		AccountID:    r.AccountID,
		AccountLabel: r.AccountLabel,
		ShopName:     r.ShopName,
		ShopID:       r.ShopID,
		DataDomain:   r.DataDomain,
		Subtype:      r.Subtype,
		Granularity:  r.Granularity,
	}
	var err error
	if r.Start != "" {
		if job.Start, err = time.Parse(canon.DateLayout, r.Start); err != nil {
			return job, fmt.Errorf("%w: start: %v", engine.ErrInvalidJob, err)
		}
	}
	if r.End != "" {
		if job.End, err = time.Parse(canon.DateLayout, r.End); err != nil {
			return job, fmt.Errorf("%w: end: %v", engine.ErrInvalidJob, err)
		}
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil || d <= 0 {
			return job, fmt.Errorf("%w: timeout %q", engine.ErrInvalidJob, r.Timeout)
		}
		job.Timeout = d
	}
	return job, job.Validate()
}

// Accepted is returned for a queued job.
type Accepted struct {
	JobID  string        `json:"job_id"`
	Status ledger.Status `json:"status"`
}

// StatusRequest names one job.
type StatusRequest struct {
	ID string `json:"id"`
}

// ListRequest filters recent runs.
type ListRequest struct {
	Platform  string        `json:"platform,omitempty"`
	AccountID string        `json:"account_id,omitempty"`
	Status    ledger.Status `json:"status,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

func (a *API) runExtraction(ctx context.Context, req any) (any, error) {
	r := req.(*ExtractionRequest)
	job, err := r.Job()
	if err != nil {
		return nil, err
	}
	if r.Queue {
		queued, err := a.svc.Submit(ctx, job)
		if err != nil {
			return nil, err
		}
		return &Accepted{JobID: queued.ID, Status: ledger.Queued}, nil
	}
	res := a.svc.Run(ctx, job)
	return &res, nil
}

func (a *API) getExtraction(ctx context.Context, req any) (any, error) {
	r := req.(*StatusRequest)
	if strings.TrimSpace(r.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", engine.ErrInvalidJob)
	}
	return a.svc.Status(ctx, r.ID)
}

func (a *API) listExtractions(ctx context.Context, req any) (any, error) {
	r := req.(*ListRequest)
	return a.svc.List(ctx, ledger.Filter{
		Platform:  r.Platform,
		AccountID: r.AccountID,
		Status:    r.Status,
		Limit:     r.Limit,
	})
}

// Router returns the HTTP handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(headToGet)
	r.Use(securityHeaders)
	r.Use(maxBody(a.opts.MaxBody))
	r.Use(requestContext)
	if a.opts.RateLimit > 0 {
		r.Use(newIPLimiter(a.opts.RateLimit, a.opts.Burst, a.opts.Logger).middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/extractions", func(r chi.Router) {
		r.Post("/", a.handleRun)
		r.Get("/", a.handleList)
		r.Get("/{id}", a.handleGet)
	})
	return r
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var req ExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if q := r.URL.Query().Get("mode"); q == "queue" {
		req.Queue = true
	}
	resp, err := a.run(r.Context(), &req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if acc, ok := resp.(*Accepted); ok {
		w.Header().Set("Location", "/v1/extractions/"+acc.JobID)
		writeJSON(w, http.StatusAccepted, acc)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	resp, err := a.get(r.Context(), &StatusRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &ListRequest{
		Platform:  q.Get("platform"),
		AccountID: q.Get("account_id"),
		Status:    ledger.Status(q.Get("status")),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q", s))
			return
		}
		req.Limit = n
	}
	resp, err := a.list(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoQueue):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}
