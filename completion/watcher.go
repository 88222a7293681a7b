package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/harvest/action"
)

// Actor performs and probes UI actions. *action.Executor implements it.
type Actor interface {
	Click(ctx context.Context, page action.Page, strategies []action.Strategy) (action.Result, error)
	Exists(ctx context.Context, page action.Page, strategies []action.Strategy) bool
}

// Request describes one watch. Only Page is required.
type Request struct {
	JobID string
	Page  action.Page
	// Trigger is re-clicked on each retry.
	Trigger []action.Strategy
	// Progress indicators mean the server is still generating.
	Progress []action.Strategy
	// Overlay is the action offered by a "report ready" dialog.
	Overlay []action.Strategy
	// Downloads delivers direct download events for this job only.
	Downloads <-chan Signal
	// ScanDir is polled during SCANNING_FILESYSTEM.
	ScanDir string
	Network NetworkLog
	Fetcher Fetcher
	// Names recovers the suggested filename of a GUID-named download
	// found by the scan.
	Names DownloadNames
	// Start is the time of the initial trigger. Default: now.
	Start time.Time
}

// Stats are point-in-time counters.
type Stats struct {
	Watches  int64 `json:"watches"`
	Timeouts int64 `json:"timeouts"`
	Retries  int64 `json:"retries"`
}

// Watcher runs completion watches. It is safe for concurrent use; each
// Watch call owns its own state.
type Watcher struct {
	actor  Actor
	policy Policy
	log    *slog.Logger

	watches  atomic.Int64
	timeouts atomic.Int64
	retries  atomic.Int64
}

// New creates a Watcher. A nil logger means slog.Default().
func New(actor Actor, p Policy, logger *slog.Logger) *Watcher {
	p.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{actor: actor, policy: p, log: logger}
}

// Policy returns the effective policy after defaults.
func (w *Watcher) Policy() Policy { return w.policy }

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{Watches: w.watches.Load(), Timeouts: w.timeouts.Load(), Retries: w.retries.Load()}
}

// run is the mutable state of one watch.
type run struct {
	w     *Watcher
	req   Request
	start time.Time
	state State
	trace Trace

	retries       int
	overlayClicks int
	lastTrigger   time.Time
	waitDeadline  time.Time
	fsDeadline    time.Time

	progressSeen bool
	lastProgress time.Time
	lastBeat     time.Time

	scan *scanner
}

func (r *run) enter(s State) {
	if r.state == s {
		return
	}
	r.state = s
	r.trace = append(r.trace, Transition{State: s, After: time.Since(r.start)})
	r.w.log.Debug("completion: state", "job_id", r.req.JobID, "state", s)
}

// Watch blocks until the export is available, the deadlines run out, or ctx
// is done. It returns exactly one of a non-nil Outcome or an error:
// *TimeoutError when nothing was found, or the context error wrapped.
func (w *Watcher) Watch(ctx context.Context, req Request) (*Outcome, error) {
	p := w.policy
	w.watches.Add(1)

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.HardCeiling)
	defer cancel()

	r := &run{w: w, req: req, start: req.Start}
	if r.start.IsZero() {
		r.start = time.Now()
	}
	r.lastTrigger = r.start
	r.waitDeadline = r.start.Add(p.WaitTimeout)
	r.scan = newScanner(req.ScanDir, r.start, p)
	r.enter(WaitingDirect)

	downloads := req.Downloads
	ticker := time.NewTicker(p.RetryInterval)
	defer ticker.Stop()

	for {
		// Direct events are checked first on every tick.
		select {
		case sig, ok := <-downloads:
			if !ok {
				downloads = nil
				break
			}
			if out := r.direct(sig); out != nil {
				return out, nil
			}
			continue
		default:
		}

		now := time.Now()
		switch r.state {
		case WaitingDirect, WatchingProgress:
			r.observe(ctx, now)
		case ScanningFilesystem:
			if out, finished, err := r.scanStep(ctx, now); finished {
				return out, err
			}
		}

		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				r.enter(Failed)
				w.log.Warn("completion: cancelled", "job_id", req.JobID, "state", r.state, "error", err)
				return nil, fmt.Errorf("completion: %w", err)
			}
			return nil, r.timeout(nil)
		case sig, ok := <-downloads:
			if !ok {
				downloads = nil
				continue
			}
			if out := r.direct(sig); out != nil {
				return out, nil
			}
		case <-ticker.C:
		}
	}
}

func (r *run) direct(sig Signal) *Outcome {
	if sig.Kind == "" {
		sig.Kind = DirectEvent
	}
	if !sig.Terminal() {
		return nil
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	return r.done(sig)
}

func (r *run) done(sig Signal) *Outcome {
	r.enter(Done)
	out := &Outcome{
		Signal:        sig,
		Trace:         r.trace,
		Retries:       r.retries,
		OverlayClicks: r.overlayClicks,
		Elapsed:       time.Since(r.start),
	}
	r.w.log.Info("completion: artifact ready", "job_id", r.req.JobID, "signal", sig.Kind,
		"trace", r.trace.String(), "retries", r.retries, "elapsed", out.Elapsed)
	return out
}

// observe handles WAITING_DIRECT and WATCHING_PROGRESS for one tick.
func (r *run) observe(ctx context.Context, now time.Time) {
	p := r.w.policy
	actor := r.w.actor

	visible := len(r.req.Progress) > 0 && actor.Exists(ctx, r.req.Page, r.req.Progress)
	if visible {
		r.progressSeen = true
		r.lastProgress = now
		if r.state != WatchingProgress {
			r.enter(WatchingProgress)
			r.lastBeat = now
		}
		if now.Sub(r.lastBeat) >= p.HeartbeatInterval {
			r.lastBeat = now
			r.w.log.Info("completion: export in progress", "job_id", r.req.JobID,
				"elapsed", now.Sub(r.start).Round(time.Second), "retries", r.retries)
		}
	}

	if len(r.req.Overlay) > 0 && r.overlayClicks < p.MaxRetries+1 && actor.Exists(ctx, r.req.Page, r.req.Overlay) {
		r.overlayClicks++
		if _, err := actor.Click(ctx, r.req.Page, r.req.Overlay); err != nil {
			r.w.log.Warn("completion: overlay click failed", "job_id", r.req.JobID, "error", err)
		}
	}

	if r.state == WatchingProgress && !visible {
		if p.DisableEarlyExit {
			r.enter(WaitingDirect)
		} else if now.Sub(r.lastProgress) > p.GraceWindow {
			r.w.log.Info("completion: progress gone, scanning early", "job_id", r.req.JobID,
				"gone_for", now.Sub(r.lastProgress))
			r.enterScanning(now)
			return
		}
	}

	if r.state != WaitingDirect {
		return
	}
	canRetry := len(r.req.Trigger) > 0 && r.retries < p.MaxRetries
	switch {
	case canRetry && now.Sub(r.lastTrigger) >= p.RetryBackoff:
		r.retrigger(ctx)
	case !canRetry && !now.Before(r.waitDeadline):
		r.enterScanning(now)
	}
}

func (r *run) retrigger(ctx context.Context) {
	r.enter(RetryTrigger)
	r.retries++
	r.w.retries.Add(1)
	r.w.log.Warn("completion: re-triggering export", "job_id", r.req.JobID,
		"retry", r.retries, "max", r.w.policy.MaxRetries)
	if _, err := r.w.actor.Click(ctx, r.req.Page, r.req.Trigger); err != nil {
		r.w.log.Warn("completion: re-trigger failed", "job_id", r.req.JobID, "error", err)
	}
	r.lastTrigger = time.Now()
	r.waitDeadline = r.lastTrigger.Add(r.w.policy.WaitTimeout)
	r.enter(WaitingDirect)
}

func (r *run) enterScanning(now time.Time) {
	r.fsDeadline = now.Add(r.w.policy.FSDeadline)
	r.enter(ScanningFilesystem)
}

// scanStep polls the scan directory and, at the scan deadline, falls back to
// the network candidate. finished is true when the watch is resolved.
func (r *run) scanStep(ctx context.Context, now time.Time) (*Outcome, bool, error) {
	path, err := r.scan.poll(now)
	if err != nil {
		r.w.log.Warn("completion: scan failed", "job_id", r.req.JobID, "dir", r.req.ScanDir, "error", err)
	}
	if path != "" {
		return r.done(Signal{Kind: NewFileOnDisk, Path: path, SuggestedName: r.scannedName(path), At: now}), true, nil
	}
	if now.Before(r.fsDeadline) {
		return nil, false, nil
	}

	cand, ok := candidate(r.req.Network, r.start)
	if !ok || r.req.Fetcher == nil {
		return nil, true, r.timeout(nil)
	}
	r.w.log.Info("completion: fetching network candidate", "job_id", r.req.JobID, "url", cand.URL)
	data, name, ferr := r.req.Fetcher.Fetch(ctx, cand.URL)
	if ferr == nil && len(data) == 0 {
		ferr = errors.New("empty body")
	}
	if ferr != nil {
		return nil, true, r.timeout(fmt.Errorf("network fallback %s: %w", cand.URL, ferr))
	}
	if name == "" {
		name = FilenameFromDisposition(cand.Disposition)
	}
	return r.done(Signal{Kind: NetworkCandidate, URL: cand.URL, SuggestedName: name, Data: data, At: time.Now()}), true, nil
}

// scannedName returns the name to keep for a scanned file. A GUID-named
// download takes the name the browser announced for it, then the
// attachment name of the export response.
func (r *run) scannedName(path string) string {
	base := filepath.Base(path)
	if !IsDownloadGUID(base) {
		return base
	}
	if r.req.Names != nil {
		if name := r.req.Names.SuggestedName(base); name != "" {
			return name
		}
	}
	if cand, ok := candidate(r.req.Network, r.start); ok {
		if name := FilenameFromDisposition(cand.Disposition); name != "" {
			return name
		}
	}
	return base
}

func (r *run) timeout(cause error) error {
	r.enter(Failed)
	r.w.timeouts.Add(1)
	err := &TimeoutError{
		Retries:      r.retries,
		Elapsed:      time.Since(r.start),
		Trace:        r.trace,
		ProgressSeen: r.progressSeen,
		Cause:        cause,
	}
	r.w.log.Error("completion: timed out", "job_id", r.req.JobID, "trace", r.trace.String(),
		"retries", r.retries, "error", err)
	return err
}
