package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/canon"
	"github.com/hazyhaar/harvest/capture"
	"github.com/hazyhaar/harvest/catalog"
	"github.com/hazyhaar/harvest/completion"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/login"
	"github.com/hazyhaar/harvest/profile"
)

// jobRun is the state of one Run.
type jobRun struct {
	e      *Engine
	job    Job
	plat   *catalog.Platform
	dom    *catalog.Domain
	acct   *config.Account
	tuning config.Tuning
	res    *Result
	log    *slog.Logger

	phase string
}

func (j *jobRun) execute(ctx context.Context) (*capture.Artifact, error) {
	j.phase = "lane"
	release, err := j.e.opts.Lanes.Acquire(ctx, j.plat.Name, j.acct.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	j.phase = "profile"
	h, err := j.e.opts.Profiles.GetOrCreate(ctx, j.plat.Name, j.acct.ID)
	if err != nil {
		return nil, wrap("profile", err)
	}

	j.phase = "launch"
	dl := filepath.Join(j.e.opts.Config.DownloadDir, j.job.ID)
	if err := os.MkdirAll(dl, 0o755); err != nil {
		return nil, wrap("download dir", err)
	}
	sess, err := j.e.opts.Launcher.Launch(ctx, LaunchRequest{JobID: j.job.ID, Handle: h, DownloadDir: dl})
	if err != nil {
		os.RemoveAll(dl)
		return nil, wrap("launch", err)
	}
	defer j.teardown(sess, dl)

	page := pacedPage{Page: sess.Page(), lim: j.e.pacer.limiter(j.plat.Name, j.tuning.NavInterval)}
	exec := j.e.executor(j.plat.Name, j.tuning)

	if err := j.phased(ctx, "login", func(ctx context.Context) error {
		return j.login(ctx, exec, page, h)
	}); err != nil {
		return nil, err
	}

	var start time.Time
	if err := j.phased(ctx, "export", func(ctx context.Context) error {
		var err error
		start, err = j.export(ctx, exec, page)
		return err
	}); err != nil {
		return nil, err
	}

	var out *completion.Outcome
	if err := j.phased(ctx, "watch", func(ctx context.Context) error {
		w := completion.New(exec, j.tuning.Policy(), j.log)
		var names completion.DownloadNames
		if n, ok := sess.(completion.DownloadNames); ok {
			names = n
		}
		var err error
		out, err = w.Watch(ctx, completion.Request{
			JobID:     j.job.ID,
			Page:      page,
			Trigger:   j.dom.Export,
			Progress:  j.dom.Progress,
			Overlay:   j.dom.Download,
			Downloads: sess.Downloads(),
			ScanDir:   dl,
			Network:   sess.Network(),
			Fetcher:   sess.Fetcher(),
			Names:     names,
			Start:     start,
		})
		return err
	}); err != nil {
		return nil, err
	}
	j.res.Completion = out

	var art *capture.Artifact
	if err := j.phased(ctx, "capture", func(ctx context.Context) error {
		var err error
		art, err = j.e.opts.Capturer.Session(j.job.Params()).Persist(ctx, out.Signal)
		return err
	}); err != nil {
		return nil, err
	}
	j.e.opts.Notifier.Artifact(j.job.ID, art)
	return art, nil
}

func (j *jobRun) teardown(sess Session, dl string) {
	if err := sess.Close(); err != nil {
		j.log.Warn("engine: session close", "error", err)
	}
	if err := os.RemoveAll(dl); err != nil {
		j.log.Warn("engine: download dir not removed", "dir", dl, "error", err)
	}
}

func (j *jobRun) login(ctx context.Context, exec *action.Executor, page login.Page, h *profile.Handle) error {
	platform, account := j.plat.Name, j.acct.ID
	if !h.Fresh(j.e.opts.Now(), j.e.opts.Config.SessionMaxAge) {
		if ok, used := j.e.opts.Tracker.AllowLogin(ctx, platform, account); !ok {
			return &ThrottledError{Platform: platform, Account: account, Used: used, Budget: j.e.opts.Tracker.Budget()}
		}
	}

	password := j.acct.Password
	if j.e.opts.Passwords != nil {
		pw, src, err := j.e.opts.Passwords.Password(platform, account, j.acct.Password)
		switch {
		case err != nil:
			j.log.Warn("engine: no password configured", "error", err)
		default:
			password = pw
			j.log.Debug("engine: password resolved", "source", src)
		}
	}

	opts := j.plat.LoginOptions()
	opts.MaxAttempts = j.tuning.MaxAttempts
	opts.PollInterval = j.tuning.RetryInterval
	opts.Codes = append([]login.CodeSource{login.Static(j.acct.Codes...)}, j.e.opts.Codes...)
	opts.Logger = j.log

	m := login.New(exec, j.e.opts.Profiles, opts)
	out, err := m.Run(ctx, login.Request{
		Page:   page,
		Handle: h,
		Credentials: login.Credentials{
			Username: j.acct.Username,
			Password: password,
			Mode:     login.Mode(j.acct.Mode),
		},
	})
	j.res.Login = out
	if out != nil {
		j.e.opts.Tracker.RecordSession(ctx, platform, account, j.job.ID, string(out.State))
	}
	return wrap("login", err)
}

// export opens the data page, selects the date range and clicks the
// export trigger. It returns the trigger time.
func (j *jobRun) export(ctx context.Context, exec *action.Executor, page login.Page) (time.Time, error) {
	target := j.plat.HomeURL
	if j.dom.DeepLink != "" {
		u, err := j.plat.URL(j.dom, catalog.LinkVars{
			ShopID:      j.job.ShopID,
			Start:       j.job.Start,
			End:         j.job.End,
			Granularity: canon.GranularityOf(j.job.Params()),
		})
		if err != nil {
			return time.Time{}, err
		}
		target = u
	}
	if target != "" {
		if err := page.Navigate(ctx, target); err != nil {
			return time.Time{}, wrap("navigate", err)
		}
	}

	j.dismiss(ctx, page)
	j.waitReady(ctx, exec, page)
	if err := j.selectDates(ctx, exec, page); err != nil {
		return time.Time{}, err
	}

	start := time.Now()
	if _, err := exec.Click(ctx, page, j.dom.Export); err != nil {
		return start, wrap("export trigger", err)
	}
	if len(j.dom.Confirm) > 0 {
		if _, err := exec.Click(ctx, page, j.dom.Confirm); err != nil {
			var nf *action.NotFoundError
			if !errors.As(err, &nf) {
				return start, wrap("export confirm", err)
			}
			j.log.Debug("engine: no export confirmation shown")
		}
	}
	j.log.Info("engine: export triggered", "url", target)
	return start, nil
}

func (j *jobRun) dismiss(ctx context.Context, page action.Page) {
	d := action.NewDismisser(action.DismissOptions{
		Locators: j.plat.PopupLocators(),
		Rounds:   j.tuning.PopupRounds,
		Interval: j.tuning.RetryInterval,
		Logger:   j.log,
	})
	n, err := d.Dismiss(ctx, page)
	if err != nil && ctx.Err() == nil {
		j.log.Debug("engine: popup sweep", "error", err)
	}
	if n > 0 {
		j.log.Info("engine: popups closed", "count", n)
	}
}

// waitReady polls the domain's ready markers for up to wait_timeout. A
// page that never shows them is left to the export trigger to judge.
func (j *jobRun) waitReady(ctx context.Context, exec *action.Executor, page action.Page) {
	if len(j.dom.Ready) == 0 {
		return
	}
	deadline := time.Now().Add(j.tuning.WaitTimeout)
	for {
		if exec.Exists(ctx, page, j.dom.Ready) {
			return
		}
		if time.Now().After(deadline) {
			j.log.Warn("engine: ready marker not seen", "wait", j.tuning.WaitTimeout)
			return
		}
		t := time.NewTimer(j.tuning.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// selectDates applies the granularity preset unless the deep link already
// carries the range.
func (j *jobRun) selectDates(ctx context.Context, exec *action.Executor, page action.Page) error {
	if strings.Contains(j.dom.DeepLink, "{start}") {
		return nil
	}
	gran := canon.GranularityOf(j.job.Params())
	preset := j.dom.Presets[gran]
	if len(preset) == 0 {
		if !j.job.Start.IsZero() {
			j.log.Warn("engine: no date preset, keeping the page default", "granularity", gran)
		}
		return nil
	}
	if len(j.dom.DatePicker) > 0 {
		if _, err := exec.Click(ctx, page, j.dom.DatePicker); err != nil {
			return wrap("date picker", err)
		}
	}
	if _, err := exec.Click(ctx, page, preset); err != nil {
		return wrap("date preset "+gran, err)
	}
	if len(j.dom.DateApply) > 0 {
		if _, err := exec.Click(ctx, page, j.dom.DateApply); err != nil {
			return wrap("date apply", err)
		}
	}
	return nil
}
