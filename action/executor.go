package action

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Options tunes the executor.
type Options struct {
	// AttemptTimeout bounds the search for one strategy across all
	// surfaces. Default: 3s.
	AttemptTimeout time.Duration
	// TechniqueTimeout bounds each interaction technique. Default: 2s.
	TechniqueTimeout time.Duration
	// PollInterval is the delay between search rounds. Default: 200ms.
	PollInterval time.Duration
	// SkipEscape disables the Escape keypress sent before each action.
	SkipEscape bool
	// FallbackRole is the role used by the role/text technique when the
	// strategy is not itself a Role locator. Default: "button".
	FallbackRole string
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 3 * time.Second
	}
	if o.TechniqueTimeout <= 0 {
		o.TechniqueTimeout = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.FallbackRole == "" {
		o.FallbackRole = "button"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor performs UI actions through ordered strategy lists. It is safe
// for concurrent use; each call only touches the page it is given.
type Executor struct {
	opts Options

	mu    sync.Mutex
	stats map[string]*Stat
}

// New creates an Executor.
func New(opts Options) *Executor {
	opts.defaults()
	return &Executor{opts: opts, stats: make(map[string]*Stat)}
}

// Click locates the first matching strategy and clicks it, falling back
// through primary click, role/text resolution, script click and pointer
// click.
func (e *Executor) Click(ctx context.Context, page Page, strategies []Strategy) (Result, error) {
	return e.run(ctx, page, "click", strategies, e.clickChain)
}

// Fill locates the first matching strategy and sets its value, falling
// back from typed input to script assignment.
func (e *Executor) Fill(ctx context.Context, page Page, strategies []Strategy, value string) (Result, error) {
	return e.run(ctx, page, "fill", strategies, func(ctx context.Context, surf Surface, el Element, s Strategy) (Technique, []Attempt) {
		return e.fillChain(ctx, surf, el, s, value)
	})
}

// chain runs the interaction techniques on a located element and returns
// the winning technique, or "" with the failed attempts.
type chain func(ctx context.Context, surf Surface, el Element, s Strategy) (Technique, []Attempt)

func (e *Executor) run(ctx context.Context, page Page, act string, strategies []Strategy, interact chain) (Result, error) {
	log := e.opts.Logger
	start := time.Now()
	res := Result{Action: act, StrategyIndex: -1}

	if len(strategies) == 0 {
		return res, &NotFoundError{Action: act}
	}

	if !e.opts.SkipEscape {
		e.pressEscape(ctx, page)
	}

	maxSurfaces := 0
	for i, s := range strategies {
		label := s.Label()
		deadline := time.Now().Add(e.opts.AttemptTimeout)
		located := false

		for !located {
			if err := ctx.Err(); err != nil {
				res.Attempts = append(res.Attempts, Attempt{Strategy: label, Technique: TechLocate, Reason: ReasonCancelled, Err: err})
				res.Elapsed = time.Since(start)
				return res, err
			}

			surfaces, err := page.Surfaces(ctx)
			if err != nil {
				res.Attempts = append(res.Attempts, Attempt{Strategy: label, Technique: TechLocate, Reason: ReasonFailed, Err: err})
			}
			if len(surfaces) > maxSurfaces {
				maxSurfaces = len(surfaces)
			}

			for _, surf := range surfaces {
				el, err := surf.Find(ctx, s.Locator)
				if err != nil {
					if !errors.Is(err, ErrNotFound) {
						res.Attempts = append(res.Attempts, Attempt{Strategy: label, Surface: surf.Name(), Technique: TechLocate, Reason: ReasonFailed, Err: err})
					}
					continue
				}
				located = true

				tech, failed := interact(ctx, surf, el, s)
				res.Attempts = append(res.Attempts, failed...)
				if tech != "" {
					e.record(label, true)
					res.Strategy = label
					res.StrategyIndex = i
					res.Surface = surf.Name()
					res.Technique = tech
					res.Elapsed = time.Since(start)
					log.Debug("action: matched", "action", act, "strategy", label,
						"surface", surf.Name(), "technique", tech, "elapsed", res.Elapsed)
					return res, nil
				}
			}

			if located {
				break
			}
			if !time.Now().Before(deadline) {
				res.Attempts = append(res.Attempts, Attempt{Strategy: label, Technique: TechLocate, Reason: ReasonNotFound})
				break
			}
			if err := sleepCtx(ctx, e.opts.PollInterval); err != nil {
				continue
			}
		}
		e.record(label, false)
		log.Debug("action: strategy exhausted", "action", act, "strategy", label)
	}

	res.Elapsed = time.Since(start)
	labels := make([]string, len(strategies))
	for i, s := range strategies {
		labels[i] = s.Label()
	}
	log.Warn("action: no strategy matched", "action", act, "strategies", len(strategies), "surfaces", maxSurfaces)
	return res, &NotFoundError{Action: act, Strategies: labels, Surfaces: maxSurfaces, Attempts: res.Attempts}
}

func (e *Executor) clickChain(ctx context.Context, surf Surface, el Element, s Strategy) (Technique, []Attempt) {
	var failed []Attempt
	label := s.Label()
	fail := func(tech Technique, err error) {
		failed = append(failed, Attempt{Strategy: label, Surface: surf.Name(), Technique: tech, Reason: reasonOf(err), Err: err})
	}

	_ = e.bounded(ctx, el.ScrollIntoView)

	err := e.bounded(ctx, el.Click)
	if err == nil {
		return TechPrimary, failed
	}
	fail(TechPrimary, err)

	err = e.bounded(ctx, func(ctx context.Context) error {
		role, name := e.roleTarget(ctx, el, s)
		if name == "" {
			return ErrNotFound
		}
		alt, err := surf.FindRole(ctx, role, name)
		if err != nil {
			return err
		}
		return alt.Click(ctx)
	})
	if err == nil {
		return TechRoleText, failed
	}
	fail(TechRoleText, err)

	err = e.bounded(ctx, el.ScriptClick)
	if err == nil {
		return TechScript, failed
	}
	fail(TechScript, err)

	err = e.bounded(ctx, func(ctx context.Context) error {
		p, err := el.Center(ctx)
		if err != nil {
			return err
		}
		return surf.ClickAt(ctx, p)
	})
	if err == nil {
		return TechPointer, failed
	}
	fail(TechPointer, err)
	return "", failed
}

func (e *Executor) fillChain(ctx context.Context, surf Surface, el Element, s Strategy, value string) (Technique, []Attempt) {
	var failed []Attempt
	label := s.Label()

	_ = e.bounded(ctx, el.ScrollIntoView)

	err := e.bounded(ctx, func(ctx context.Context) error { return el.Input(ctx, value) })
	if err == nil {
		return TechInput, failed
	}
	failed = append(failed, Attempt{Strategy: label, Surface: surf.Name(), Technique: TechInput, Reason: reasonOf(err), Err: err})

	err = e.bounded(ctx, func(ctx context.Context) error { return el.ScriptSetValue(ctx, value) })
	if err == nil {
		return TechScriptValue, failed
	}
	failed = append(failed, Attempt{Strategy: label, Surface: surf.Name(), Technique: TechScriptValue, Reason: reasonOf(err), Err: err})
	return "", failed
}

// roleTarget picks the role and accessible name for the role/text
// technique: the locator's own role and name when it is a Role locator,
// otherwise the fallback role with the locator name, the text value or the
// element's visible text.
func (e *Executor) roleTarget(ctx context.Context, el Element, s Strategy) (string, string) {
	if s.Kind == Role {
		return s.Value, s.Name
	}
	name := s.Name
	if name == "" && s.Kind == Text {
		name = s.Value
	}
	if name == "" {
		if txt, err := el.Text(ctx); err == nil {
			name = strings.TrimSpace(txt)
		}
	}
	return e.opts.FallbackRole, name
}

// Probe checks, without waiting, whether any strategy currently matches a
// visible element on any surface. It returns the first match or nil.
func (e *Executor) Probe(ctx context.Context, page Page, strategies []Strategy) (*Match, error) {
	surfaces, err := page.Surfaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range strategies {
		for _, surf := range surfaces {
			el, err := surf.Find(ctx, s.Locator)
			if err != nil {
				continue
			}
			if vis, err := el.Visible(ctx); err != nil || !vis {
				continue
			}
			return &Match{Strategy: s, Surface: surf, Element: el}, nil
		}
	}
	return nil, nil
}

// Exists reports whether Probe finds a visible match.
func (e *Executor) Exists(ctx context.Context, page Page, strategies []Strategy) bool {
	m, err := e.Probe(ctx, page, strategies)
	return err == nil && m != nil
}

// Match is a probe hit.
type Match struct {
	Strategy Strategy
	Surface  Surface
	Element  Element
}

func (e *Executor) pressEscape(ctx context.Context, page Page) {
	surfaces, err := page.Surfaces(ctx)
	if err != nil || len(surfaces) == 0 {
		return
	}
	if err := e.bounded(ctx, surfaces[0].PressEscape); err != nil {
		e.opts.Logger.Debug("action: escape failed", "error", err)
	}
}

func (e *Executor) bounded(ctx context.Context, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, e.opts.TechniqueTimeout)
	defer cancel()
	return fn(tctx)
}

func reasonOf(err error) Reason {
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
