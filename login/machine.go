package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/action"
)

// Machine runs logins. It is safe for concurrent use; each Run owns its
// page.
type Machine struct {
	actor    Actor
	profiles Profiles
	opts     Options
}

// New creates a Machine.
func New(actor Actor, profiles Profiles, opts Options) *Machine {
	opts.defaults()
	return &Machine{actor: actor, profiles: profiles, opts: opts}
}

type verdict int

const (
	inconclusive verdict = iota
	verified
	rejected
)

// run is the mutable state of one Run.
type run struct {
	m   *Machine
	req Request
	sel Selectors
	log *slog.Logger

	start       time.Time
	trace       []State
	mode        Mode
	reused      bool
	attempts    int
	challenge   Challenge
	challenges  []Challenge
	challengeAt time.Time
	rejected    []string
	sentCode    bool
	// counted is set when the submission that led back to detection
	// already took an attempt.
	counted bool

	abortReason string
	abortErr    error
}

// Run drives req.Page to a confirmed session. On success the handle's
// cookies are refreshed and persisted.
func (m *Machine) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Page == nil || req.Handle == nil {
		return nil, errors.New("login: page and handle are required")
	}
	r := &run{
		m:         m,
		req:       req,
		sel:       m.opts.Selectors,
		log:       m.opts.Logger.With("platform", req.Handle.Platform, "account", req.Handle.AccountID),
		start:     time.Now(),
		challenge: ChallengeNone,
	}

	state := Navigating
	for {
		r.trace = append(r.trace, state)
		r.log.Debug("login: state", "state", state, "attempts", r.attempts)
		if err := ctx.Err(); err != nil {
			return r.outcome(state), fmt.Errorf("login: %w", err)
		}

		var next State
		var err error
		switch state {
		case Navigating:
			next, err = r.navigate(ctx)
		case ModeDetection:
			next, err = r.detectMode(ctx)
		case CredentialSubmit:
			next, err = r.submitCredentials(ctx)
		case ChallengeDetection:
			next, err = r.detectChallenge(ctx)
		case ChallengeResolution:
			next, err = r.resolve(ctx)
		case SessionConfirmed:
			return r.confirm(ctx), nil
		case Aborted:
			return r.abort(ctx)
		default:
			return r.outcome(state), fmt.Errorf("login: unknown state %q", state)
		}
		if err != nil {
			return r.outcome(state), err
		}
		state = next
	}
}

func (r *run) outcome(state State) *Outcome {
	return &Outcome{
		State:      state,
		Reused:     r.reused,
		Mode:       r.mode,
		Attempts:   r.attempts,
		Challenges: r.challenges,
		Trace:      r.trace,
		Elapsed:    time.Since(r.start),
	}
}

func (r *run) navigate(ctx context.Context) (State, error) {
	page := r.req.Page
	if url := r.m.opts.LoginURL; url != "" {
		if err := page.Navigate(ctx, url); err != nil {
			return "", fmt.Errorf("login: navigate %s: %w", url, err)
		}
	}
	deadline := time.Now().Add(r.m.opts.RedirectWait)
	for {
		if r.loggedIn(ctx) {
			r.reused = true
			r.log.Info("login: session reused")
			return SessionConfirmed, nil
		}
		if r.exists(ctx, r.sel.Username) {
			break
		}
		if !time.Now().Before(deadline) || r.sleep(ctx) != nil {
			break
		}
	}
	if r.exists(ctx, r.sel.verification()) {
		return ChallengeDetection, nil
	}
	return ModeDetection, nil
}

func (r *run) detectMode(ctx context.Context) (State, error) {
	surfaces, err := r.req.Page.Surfaces(ctx)
	if err != nil {
		return "", fmt.Errorf("login: surfaces: %w", err)
	}
	var inputs []action.InputInfo
	for _, s := range surfaces {
		in, err := s.Inputs(ctx)
		if err != nil {
			r.log.Debug("login: inputs", "surface", s.Name(), "error", err)
			continue
		}
		inputs = append(inputs, in...)
	}
	r.mode = ModeFromInputs(inputs)

	want := r.req.Credentials.Mode
	if want == "" || want == r.mode {
		return CredentialSubmit, nil
	}
	switchTo := r.sel.SwitchToEmail
	if want == ModePhone {
		switchTo = r.sel.SwitchToPhone
	}
	if len(switchTo) == 0 {
		r.log.Warn("login: no mode switch configured", "detected", r.mode, "wanted", want)
		return CredentialSubmit, nil
	}
	if _, err := r.m.actor.Click(ctx, r.req.Page, switchTo); err != nil {
		r.log.Warn("login: mode switch failed", "detected", r.mode, "wanted", want, "error", err)
		return CredentialSubmit, nil
	}
	r.log.Info("login: switched mode", "from", r.mode, "to", want)
	r.mode = want
	return CredentialSubmit, nil
}

func (r *run) submitCredentials(ctx context.Context) (State, error) {
	page, creds := r.req.Page, r.req.Credentials
	if _, err := r.m.actor.Fill(ctx, page, r.sel.Username, creds.Username); err != nil {
		return "", fmt.Errorf("login: username: %w", err)
	}
	if len(r.sel.Password) > 0 && creds.Password != "" {
		if _, err := r.m.actor.Fill(ctx, page, r.sel.Password, creds.Password); err != nil {
			return "", fmt.Errorf("login: password: %w", err)
		}
	}

	retries := r.m.opts.LoginClickRetries
	for i := 1; i <= retries; i++ {
		before, _ := page.URL(ctx)
		if _, err := r.m.actor.Click(ctx, page, r.sel.LoginButton); err != nil {
			if i == retries {
				return "", fmt.Errorf("login: login button: %w", err)
			}
			r.log.Warn("login: login click failed", "try", i, "error", err)
			continue
		}
		if r.observe(ctx, before) {
			return ChallengeDetection, nil
		}
		r.log.Warn("login: no reaction to login click", "try", i)
	}
	return ChallengeDetection, nil
}

// observe watches for the page to react to a login click: a new location,
// the form going away, or a challenge appearing.
func (r *run) observe(ctx context.Context, before string) bool {
	deadline := time.Now().Add(r.m.opts.ObserveWindow)
	for {
		if u, err := r.req.Page.URL(ctx); err == nil && u != before {
			return true
		}
		if !r.exists(ctx, r.sel.Username) || r.exists(ctx, r.sel.verification()) {
			return true
		}
		if !time.Now().Before(deadline) || r.sleep(ctx) != nil {
			return false
		}
	}
}

func (r *run) detectChallenge(ctx context.Context) (State, error) {
	counted := r.counted
	r.counted = false
	ch := r.probeChallenge(ctx, true)
	if ch != ChallengeNone {
		r.challenge = ch
		r.challenges = append(r.challenges, ch)
		if r.challengeAt.IsZero() {
			r.challengeAt = time.Now()
		}
		r.log.Info("login: challenge", "challenge", ch, "attempts", r.attempts)
		return ChallengeResolution, nil
	}

	if r.waitLoggedIn(ctx, r.m.opts.RedirectWait) {
		return SessionConfirmed, nil
	}
	if !counted {
		r.attempts++
	}
	r.log.Warn("login: still on login page", "attempts", r.attempts)
	if r.attempts >= r.m.opts.MaxAttempts {
		r.abortReason = "still on login page"
		return Aborted, nil
	}
	return CredentialSubmit, nil
}

// probeChallenge returns the first challenge on screen, in the order
// DEVICE_TRUST, IMAGE_CAPTCHA, EMAIL_OTP, SMS_CODE. A bare code input
// counts as the code channel of the current mode.
func (r *run) probeChallenge(ctx context.Context, withTrust bool) Challenge {
	if withTrust && r.exists(ctx, r.sel.TrustCheckbox) {
		return DeviceTrust
	}
	switch {
	case r.exists(ctx, r.sel.CaptchaImage):
		return ImageCaptcha
	case r.exists(ctx, r.sel.EmailOTPMarker):
		return EmailOTP
	case r.exists(ctx, r.sel.SMSMarker):
		return SMSCode
	case r.exists(ctx, r.sel.CodeInput):
		if r.mode == ModeEmail {
			return EmailOTP
		}
		return SMSCode
	}
	return ChallengeNone
}

func (r *run) resolve(ctx context.Context) (State, error) {
	ch := r.challenge
	if ch == DeviceTrust {
		r.ensureTrust(ctx)
		ch = r.probeChallenge(ctx, false)
		if ch == ChallengeNone {
			return r.submitTrustOnly(ctx)
		}
		r.challenge = ch
		r.challenges = append(r.challenges, ch)
	}

	if (ch == EmailOTP || ch == SMSCode) && !r.sentCode && r.exists(ctx, r.sel.SendCode) {
		if _, err := r.m.actor.Click(ctx, r.req.Page, r.sel.SendCode); err != nil {
			r.log.Warn("login: send code click failed", "challenge", ch, "error", err)
		} else {
			r.sentCode = true
		}
	}

	code, source, err := r.nextCode(ctx, ch)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("login: code: %w", ctx.Err())
		}
		r.abortReason = "no code available"
		r.abortErr = err
		return Aborted, nil
	}

	input := r.sel.CodeInput
	if ch == ImageCaptcha && len(r.sel.CaptchaInput) > 0 {
		input = r.sel.CaptchaInput
	}
	if _, err := r.m.actor.Fill(ctx, r.req.Page, input, code); err != nil {
		return "", fmt.Errorf("login: code input: %w", err)
	}
	r.ensureTrust(ctx)

	stale := r.invalidShown(ctx)
	if len(r.sel.SubmitCode) > 0 {
		if _, err := r.m.actor.Click(ctx, r.req.Page, r.sel.SubmitCode); err != nil {
			return "", fmt.Errorf("login: submit code: %w", err)
		}
	}
	r.attempts++
	r.counted = true

	switch r.verify(ctx, stale) {
	case verified:
		r.log.Info("login: code accepted", "challenge", ch, "source", source, "attempts", r.attempts)
		return SessionConfirmed, nil
	case rejected:
		r.rejected = append(r.rejected, code)
		r.log.Warn("login: code rejected", "challenge", ch, "source", source, "attempts", r.attempts)
		if r.attempts >= r.m.opts.MaxAttempts {
			r.abortReason = "code rejected"
			return Aborted, nil
		}
	default:
		if r.attempts >= r.m.opts.MaxAttempts {
			r.abortReason = "code not confirmed"
			return Aborted, nil
		}
	}
	return ChallengeDetection, nil
}

// submitTrustOnly handles a trust prompt that asks for no code.
func (r *run) submitTrustOnly(ctx context.Context) (State, error) {
	if r.exists(ctx, r.sel.SubmitCode) {
		if _, err := r.m.actor.Click(ctx, r.req.Page, r.sel.SubmitCode); err != nil {
			return "", fmt.Errorf("login: confirm device: %w", err)
		}
	}
	r.attempts++
	r.counted = true
	if r.verify(ctx, false) == verified {
		return SessionConfirmed, nil
	}
	if r.attempts >= r.m.opts.MaxAttempts {
		r.abortReason = "device not trusted"
		return Aborted, nil
	}
	return ChallengeDetection, nil
}

func (r *run) nextCode(ctx context.Context, ch Challenge) (string, string, error) {
	req := CodeRequest{
		Platform:  r.req.Handle.Platform,
		Account:   r.req.Handle.AccountID,
		Challenge: ch,
		Since:     r.challengeAt,
		Rejected:  r.rejected,
	}
	if ch == ImageCaptcha {
		if m, _ := r.m.actor.Probe(ctx, r.req.Page, r.sel.CaptchaImage); m != nil {
			if img, err := m.Element.Screenshot(ctx); err == nil {
				req.Image = img
			}
		}
	}
	for _, src := range r.m.opts.Codes {
		code, err := src.Code(ctx, req)
		switch {
		case errors.Is(err, ErrNoCode):
			continue
		case ctx.Err() != nil:
			return "", "", ctx.Err()
		case err != nil:
			r.log.Warn("login: code source failed", "source", src.Name(), "error", err)
			continue
		}
		if code = strings.TrimSpace(code); code == "" || req.IsRejected(code) {
			continue
		}
		return code, src.Name(), nil
	}
	return "", "", ErrNoCode
}

// verify watches a submitted code. stale means an invalid-code signal was
// already on screen before submission and cannot be trusted.
func (r *run) verify(ctx context.Context, stale bool) verdict {
	deadline := time.Now().Add(r.m.opts.VerifyWindow)
	for {
		if r.loggedIn(ctx) {
			return verified
		}
		if !stale && r.invalidShown(ctx) {
			return rejected
		}
		if !time.Now().Before(deadline) || r.sleep(ctx) != nil {
			break
		}
	}
	if r.exists(ctx, r.sel.CodeInput) || r.exists(ctx, r.sel.CaptchaInput) {
		return rejected
	}
	return inconclusive
}

// invalidShown reports an error-text locator or aria-invalid="true" on the
// code input.
func (r *run) invalidShown(ctx context.Context) bool {
	if r.exists(ctx, r.sel.InvalidCode) {
		return true
	}
	if len(r.sel.CodeInput) == 0 {
		return false
	}
	m, err := r.m.actor.Probe(ctx, r.req.Page, r.sel.CodeInput)
	if err != nil || m == nil {
		return false
	}
	v, ok, err := m.Element.Attribute(ctx, "aria-invalid")
	return err == nil && ok && strings.EqualFold(v, "true")
}

// ensureTrust asserts the trust-device checkbox when it is shown.
func (r *run) ensureTrust(ctx context.Context) bool {
	if len(r.sel.TrustCheckbox) == 0 {
		return false
	}
	m, err := r.m.actor.Probe(ctx, r.req.Page, r.sel.TrustCheckbox)
	if err != nil || m == nil {
		return false
	}
	if Trusted(ctx, m.Element) {
		return true
	}
	for try := 1; try <= 2; try++ {
		if _, err := r.m.actor.Click(ctx, r.req.Page, r.sel.TrustCheckbox); err != nil {
			r.log.Warn("login: trust checkbox click failed", "error", err)
			return false
		}
		if m, _ := r.m.actor.Probe(ctx, r.req.Page, r.sel.TrustCheckbox); m != nil && Trusted(ctx, m.Element) {
			r.log.Info("login: device trusted")
			return true
		}
	}
	r.log.Warn("login: trust checkbox did not stick")
	return false
}

// loggedIn is the success criterion: off the login routes with no
// verification UI left.
func (r *run) loggedIn(ctx context.Context) bool {
	u, err := r.req.Page.URL(ctx)
	if err != nil || OnLoginRoute(u, r.m.opts.LoginRoutes) {
		return false
	}
	return !r.exists(ctx, r.sel.verification())
}

func (r *run) waitLoggedIn(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if r.loggedIn(ctx) {
			return true
		}
		if !time.Now().Before(deadline) || r.sleep(ctx) != nil {
			return false
		}
	}
}

func (r *run) confirm(ctx context.Context) *Outcome {
	h := r.req.Handle
	cookies, err := r.req.Page.Cookies(ctx)
	if err != nil {
		r.log.Warn("login: cookie snapshot failed", "error", err)
	} else {
		h.Cookies = cookies
	}
	if r.m.profiles != nil {
		if err := r.m.profiles.Persist(ctx, h); err != nil {
			r.log.Warn("login: persist session", "error", err)
		}
	}
	out := r.outcome(SessionConfirmed)
	r.log.Info("login: session confirmed", "reused", r.reused, "attempts", r.attempts, "elapsed", out.Elapsed)
	return out
}

func (r *run) abort(ctx context.Context) (*Outcome, error) {
	h := r.req.Handle
	if r.m.profiles != nil {
		if err := r.m.profiles.Invalidate(ctx, h.Platform, h.AccountID); err != nil {
			r.log.Warn("login: invalidate session", "error", err)
		}
	}
	err := &ChallengeAbortedError{
		Platform:  h.Platform,
		Account:   h.AccountID,
		Challenge: r.challenge,
		Attempts:  r.attempts,
		Reason:    r.abortReason,
		Err:       r.abortErr,
	}
	r.log.Error("login: aborted", "challenge", r.challenge, "attempts", r.attempts, "reason", r.abortReason)
	return r.outcome(Aborted), err
}

func (r *run) exists(ctx context.Context, strategies []action.Strategy) bool {
	if len(strategies) == 0 {
		return false
	}
	m, err := r.m.actor.Probe(ctx, r.req.Page, strategies)
	return err == nil && m != nil
}

func (r *run) sleep(ctx context.Context) error {
	t := time.NewTimer(r.m.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
