// Package login drives a seller-console login to a confirmed session.
//
// The machine is an explicit loop over State:
//
//	NAVIGATING -> MODE_DETECTION -> CREDENTIAL_SUBMIT -> CHALLENGE_DETECTION
//	CHALLENGE_DETECTION -> CHALLENGE_RESOLUTION | SESSION_CONFIRMED | CREDENTIAL_SUBMIT
//	CHALLENGE_RESOLUTION -> SESSION_CONFIRMED | CHALLENGE_DETECTION | ABORTED
//
// A still-valid session goes from NAVIGATING straight to SESSION_CONFIRMED.
// Every resolution attempt counts against MaxAttempts; reaching it ends in
// ABORTED with a *ChallengeAbortedError and the stored session is dropped.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/profile"
)

// State is a login machine state.
type State string

const (
	Navigating          State = "NAVIGATING"
	ModeDetection       State = "MODE_DETECTION"
	CredentialSubmit    State = "CREDENTIAL_SUBMIT"
	ChallengeDetection  State = "CHALLENGE_DETECTION"
	ChallengeResolution State = "CHALLENGE_RESOLUTION"
	SessionConfirmed    State = "SESSION_CONFIRMED"
	Aborted             State = "ABORTED"
)

// Challenge is a verification step shown after credentials.
type Challenge string

const (
	ChallengeNone Challenge = "NONE"
	ImageCaptcha  Challenge = "IMAGE_CAPTCHA"
	SMSCode       Challenge = "SMS_CODE"
	EmailOTP      Challenge = "EMAIL_OTP"
	DeviceTrust   Challenge = "DEVICE_TRUST"
)

// Mode is the identifier a login form expects.
type Mode string

const (
	ModePhone Mode = "phone"
	ModeEmail Mode = "email"
)

// Page is what the machine needs from a browser tab.
type Page interface {
	action.Page
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]profile.Cookie, error)
}

// Actor performs UI actions. *action.Executor implements it.
type Actor interface {
	Click(ctx context.Context, page action.Page, strategies []action.Strategy) (action.Result, error)
	Fill(ctx context.Context, page action.Page, strategies []action.Strategy, value string) (action.Result, error)
	Probe(ctx context.Context, page action.Page, strategies []action.Strategy) (*action.Match, error)
}

// Profiles records the outcome of a login. profile.Store implements it.
type Profiles interface {
	Persist(ctx context.Context, h *profile.Handle) error
	Invalidate(ctx context.Context, platform, account string) error
}

// Selectors are the per-platform strategy lists of the login flow.
type Selectors struct {
	Username      []action.Strategy `yaml:"username"`
	Password      []action.Strategy `yaml:"password"`
	LoginButton   []action.Strategy `yaml:"login_button"`
	SwitchToEmail []action.Strategy `yaml:"switch_to_email"`
	SwitchToPhone []action.Strategy `yaml:"switch_to_phone"`

	CaptchaImage   []action.Strategy `yaml:"captcha_image"`
	CaptchaInput   []action.Strategy `yaml:"captcha_input"`
	CodeInput      []action.Strategy `yaml:"code_input"`
	EmailOTPMarker []action.Strategy `yaml:"email_otp_marker"`
	SMSMarker      []action.Strategy `yaml:"sms_marker"`
	TrustCheckbox  []action.Strategy `yaml:"trust_checkbox"`
	SendCode       []action.Strategy `yaml:"send_code"`
	SubmitCode     []action.Strategy `yaml:"submit_code"`
	InvalidCode    []action.Strategy `yaml:"invalid_code"`
}

// verification lists every strategy whose presence means a challenge is
// still on screen.
func (s Selectors) verification() []action.Strategy {
	var out []action.Strategy
	for _, l := range [][]action.Strategy{s.CaptchaImage, s.CaptchaInput, s.CodeInput, s.EmailOTPMarker, s.SMSMarker, s.TrustCheckbox} {
		out = append(out, l...)
	}
	return out
}

// DefaultLoginRoutes are URL fragments that mark a login page.
var DefaultLoginRoutes = []string{"/account/signin", "/login", "/auth"}

// Options tunes a Machine.
type Options struct {
	// LoginURL is opened first. Empty keeps the current location.
	LoginURL string
	// LoginRoutes mark login pages. Default: DefaultLoginRoutes.
	LoginRoutes []string
	Selectors   Selectors
	// MaxAttempts bounds resolution attempts. Default: 3.
	MaxAttempts int
	// LoginClickRetries bounds clicks on the login button. Default: 3.
	LoginClickRetries int
	// ObserveWindow is how long a login click is watched for a reaction.
	// Default: 5s.
	ObserveWindow time.Duration
	// VerifyWindow is how long a submitted code is watched. Default: 3.5s.
	VerifyWindow time.Duration
	// RedirectWait bounds the wait for a session redirect. Default: 2s.
	RedirectWait time.Duration
	// PollInterval paces every observation loop. Default: 250ms.
	PollInterval time.Duration
	// Codes are asked in order for verification codes.
	Codes  []CodeSource
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if len(o.LoginRoutes) == 0 {
		o.LoginRoutes = DefaultLoginRoutes
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LoginClickRetries <= 0 {
		o.LoginClickRetries = 3
	}
	if o.ObserveWindow <= 0 {
		o.ObserveWindow = 5 * time.Second
	}
	if o.VerifyWindow <= 0 {
		o.VerifyWindow = 3500 * time.Millisecond
	}
	if o.RedirectWait <= 0 {
		o.RedirectWait = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Credentials identify the account on the login form.
type Credentials struct {
	Username string
	Password string
	// Mode is the preferred form mode. Empty accepts whatever is shown.
	Mode Mode
}

// Request is one login run.
type Request struct {
	Page        Page
	Handle      *profile.Handle
	Credentials Credentials
}

// Outcome summarises a login run.
type Outcome struct {
	State      State         `json:"state"`
	Reused     bool          `json:"reused"`
	Mode       Mode          `json:"mode,omitempty"`
	Attempts   int           `json:"attempts"`
	Challenges []Challenge   `json:"challenges,omitempty"`
	Trace      []State       `json:"trace"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ErrNoCode is returned by a CodeSource that has nothing to offer.
var ErrNoCode = errors.New("login: no code available")

// ChallengeAbortedError is returned when a challenge could not be resolved
// within MaxAttempts, or no code source produced a code. It needs a human.
type ChallengeAbortedError struct {
	Platform  string
	Account   string
	Challenge Challenge
	Attempts  int
	Reason    string
	Err       error
}

func (e *ChallengeAbortedError) Error() string {
	msg := fmt.Sprintf("login: %s/%s aborted on %s after %d attempts: %s",
		e.Platform, e.Account, e.Challenge, e.Attempts, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChallengeAbortedError) Unwrap() error { return e.Err }
