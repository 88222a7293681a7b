// Package browser runs job sessions on Chrome through go-rod: a local
// Chrome on the account's persistent profile directory, or an incognito
// context of a remote Chrome.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/profile"
)

// Config configures the Launcher.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local Chrome per job.
	RemoteURL string
	// Bin overrides the Chrome binary. Empty lets rod find or fetch one.
	Bin string
	// Headless hides the window of local launches.
	Headless bool
	// Stealth patches job pages against automation detection.
	Stealth bool
	// BlockResources lists resource types not loaded on job pages
	// (images, fonts, media, stylesheets).
	BlockResources []string
	// FetchTimeout bounds in-session fetches. Default: 60s.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Launcher implements engine.Launcher.
type Launcher struct {
	cfg Config
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	cfg.defaults()
	return &Launcher{cfg: cfg}
}

// Launch opens the job's browser and page with the account's fingerprint
// and cookies, downloads routed to req.DownloadDir.
func (l *Launcher) Launch(ctx context.Context, req engine.LaunchRequest) (engine.Session, error) {
	log := l.cfg.Logger.With("job_id", req.JobID, "platform", req.Handle.Platform, "account", req.Handle.AccountID)

	s := &session{log: log, dir: req.DownloadDir}
	if err := s.open(ctx, l.cfg, req.Handle); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) open(ctx context.Context, cfg Config, h *profile.Handle) error {
	s.events, s.stop = context.WithCancel(context.Background())
	if cfg.RemoteURL != "" {
		root := rod.New().Context(s.events).ControlURL(cfg.RemoteURL)
		if err := root.Connect(); err != nil {
			return fmt.Errorf("browser: connect %s: %w", cfg.RemoteURL, err)
		}
		inc, err := root.Incognito()
		if err != nil {
			return fmt.Errorf("browser: incognito context: %w", err)
		}
		s.browser = inc
		s.log.Info("browser: remote context opened", "url", cfg.RemoteURL)
	} else {
		if err := os.MkdirAll(h.ProfileDir, 0o700); err != nil {
			return fmt.Errorf("browser: profile dir: %w", err)
		}
		ln := launcher.New().
			Context(ctx).
			UserDataDir(h.ProfileDir).
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if cfg.Bin != "" {
			ln = ln.Bin(cfg.Bin)
		}
		u, err := ln.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		s.lnch = ln
		b := rod.New().Context(s.events).ControlURL(u)
		if err := b.Connect(); err != nil {
			return fmt.Errorf("browser: connect: %w", err)
		}
		s.browser = b
		s.log.Info("browser: local chrome launched", "profile_dir", h.ProfileDir)
	}

	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		BrowserContextID: s.browser.BrowserContextID,
		DownloadPath:     s.dir,
		EventsEnabled:    true,
	}).Call(s.browser); err != nil {
		return fmt.Errorf("browser: download behaviour: %w", err)
	}

	s.watchDownloads()

	var page *rod.Page
	var err error
	if cfg.Stealth {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fmt.Errorf("browser: create page: %w", err)
	}
	s.page = page
	applyFingerprint(page, h.Fingerprint, s.log)

	if cookies := h.LiveCookies(time.Now()); len(cookies) > 0 {
		if err := page.SetCookies(cookieParams(cookies)); err != nil {
			s.log.Warn("browser: restoring cookies failed", "count", len(cookies), "error", err)
		}
	}
	if len(cfg.BlockResources) > 0 {
		s.router = blockResources(page, cfg.BlockResources)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		s.log.Warn("browser: network events unavailable", "error", err)
	}
	s.watchNetwork()
	s.fetcher = newFetcher(page, h.Fingerprint.UserAgent, cfg.FetchTimeout)
	return nil
}

func applyFingerprint(page *rod.Page, fp profile.Fingerprint, log *slog.Logger) {
	if fp.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.AcceptLanguage,
		}); err != nil {
			log.Warn("browser: user agent override failed", "error", err)
		}
	}
	if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.ViewportWidth,
			Height:            fp.ViewportHeight,
			DeviceScaleFactor: 1,
		}).Call(page); err != nil {
			log.Warn("browser: viewport override failed", "error", err)
		}
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			log.Warn("browser: timezone override failed", "timezone", fp.Timezone, "error", err)
		}
	}
	if fp.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
			log.Warn("browser: locale override failed", "locale", fp.Locale, "error", err)
		}
	}
}

func cookieParams(cookies []profile.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		out = append(out, p)
	}
	return out
}

func fromNetworkCookies(in []*proto.NetworkCookie) []profile.Cookie {
	out := make([]profile.Cookie, 0, len(in))
	for _, c := range in {
		pc := profile.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			pc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, pc)
	}
	return out
}

// httpCookies converts browser cookies for a cookie jar.
func httpCookies(in []profile.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}
