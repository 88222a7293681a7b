// Package profile owns browser session state per (platform, account): the
// persistent Chrome profile directory, the cookie snapshot taken after a
// confirmed login, the stable device fingerprint and the time the session
// was last verified.
//
// Store is the only interface the engine and the login machine use.
// SQLiteStore is the disk-backed implementation.
package profile

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxAge is how long a verified session is reused before a fresh
// login is forced.
const DefaultMaxAge = 30 * 24 * time.Hour

// ErrNotFound is returned when no profile exists for a key.
var ErrNotFound = errors.New("profile: not found")

// Cookie is a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

// Expired reports whether c has an expiry before now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// Handle is the session state of one account. The engine hands it to the
// browser launcher and the login machine, which updates Cookies before
// calling Persist.
type Handle struct {
	Platform       string      `json:"platform"`
	AccountID      string      `json:"account_id"`
	ProfileDir     string      `json:"profile_dir"`
	Cookies        []Cookie    `json:"cookies,omitempty"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	LastVerifiedAt time.Time   `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Fresh reports whether the session was verified within maxAge of now.
func (h *Handle) Fresh(now time.Time, maxAge time.Duration) bool {
	return !h.LastVerifiedAt.IsZero() && now.Sub(h.LastVerifiedAt) < maxAge
}

// LiveCookies returns the cookies that have not expired at now.
func (h *Handle) LiveCookies(now time.Time) []Cookie {
	out := make([]Cookie, 0, len(h.Cookies))
	for _, c := range h.Cookies {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

// Store persists session state.
type Store interface {
	// GetOrCreate returns the handle for (platform, account), creating the
	// profile directory and fingerprint on first use. Sessions older than
	// the store's max age come back without cookies.
	GetOrCreate(ctx context.Context, platform, account string) (*Handle, error)
	// Persist records h as freshly verified.
	Persist(ctx context.Context, h *Handle) error
	// Invalidate drops the cookie snapshot and verification time.
	Invalidate(ctx context.Context, platform, account string) error
	// Cleanup removes sessions not verified within maxAge, with their
	// profile directories, and returns how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}
