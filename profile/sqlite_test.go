package profile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/dbopen"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSecret() []byte { return bytes.Repeat([]byte("k"), 32) }

func mustSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(testSecret())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newStore(t *testing.T, c *clock, sealer *Sealer) (*SQLiteStore, string) {
	t.Helper()
	root := t.TempDir()
	db := dbopen.OpenMemory(t)
	s := NewSQLiteStore(db, SQLiteOptions{Root: root, Sealer: sealer, Now: c.now, Logger: quiet()})
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, root
}

func TestGetOrCreateCreatesProfileDir(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s, root := newStore(t, c, mustSealer(t))
	ctx := context.Background()

	h, err := s.GetOrCreate(ctx, "Shopee", "Acct One")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "shopee", "acct_one")
	if h.ProfileDir != want {
		t.Fatalf("ProfileDir = %q, want %q", h.ProfileDir, want)
	}
	if fi, err := os.Stat(want); err != nil || !fi.IsDir() {
		t.Fatalf("profile dir missing: %v", err)
	}
	if !h.LastVerifiedAt.IsZero() || len(h.Cookies) != 0 {
		t.Fatalf("new handle should be unverified: %+v", h)
	}
	if h.Fingerprint != FingerprintFor("Shopee", "Acct One", DefaultRegion) {
		t.Fatalf("fingerprint = %+v", h.Fingerprint)
	}

	again, err := s.GetOrCreate(ctx, "Shopee", "Acct One")
	if err != nil {
		t.Fatal(err)
	}
	if again.ProfileDir != h.ProfileDir || again.Fingerprint != h.Fingerprint {
		t.Fatalf("second GetOrCreate returned a different profile: %+v", again)
	}
}

func TestGetOrCreateRequiresKey(t *testing.T) {
	c := &clock{t: time.Now()}
	s, _ := newStore(t, c, nil)
	if _, err := s.GetOrCreate(context.Background(), " ", "acct"); err == nil {
		t.Fatal("expected error for empty platform")
	}
}

func TestPersistRoundTripsSealedCookies(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s, _ := newStore(t, c, mustSealer(t))
	ctx := context.Background()

	h, err := s.GetOrCreate(ctx, "shopee", "acct1")
	if err != nil {
		t.Fatal(err)
	}
	h.Cookies = []Cookie{
		{Name: "SPC_EC", Value: "secret-session", Domain: ".shopee.cn", Path: "/", Secure: true},
		{Name: "stale", Value: "x", Domain: ".shopee.cn", Path: "/", Expires: c.t.Add(time.Hour)},
	}
	if err := s.Persist(ctx, h); err != nil {
		t.Fatal(err)
	}
	if !h.LastVerifiedAt.Equal(c.t) {
		t.Fatalf("LastVerifiedAt = %v, want %v", h.LastVerifiedAt, c.t)
	}

	var blob []byte
	var sealed bool
	if err := s.db.QueryRow(`SELECT cookies, sealed FROM profiles`).Scan(&blob, &sealed); err != nil {
		t.Fatal(err)
	}
	if !sealed || bytes.Contains(blob, []byte("secret-session")) {
		t.Fatal("cookie snapshot stored in clear")
	}

	c.advance(2 * time.Hour)
	got, err := s.GetOrCreate(ctx, "shopee", "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Cookies) != 1 || got.Cookies[0].Name != "SPC_EC" || got.Cookies[0].Value != "secret-session" {
		t.Fatalf("cookies = %+v, want only the unexpired SPC_EC", got.Cookies)
	}
	if !got.Fresh(c.t, DefaultMaxAge) {
		t.Fatal("session should be fresh")
	}
}

func TestExpiredSessionComesBackEmpty(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, _ := newStore(t, c, nil)
	ctx := context.Background()

	h, _ := s.GetOrCreate(ctx, "tmall", "a")
	h.Cookies = []Cookie{{Name: "sid", Value: "v", Domain: ".tmall.com", Path: "/"}}
	if err := s.Persist(ctx, h); err != nil {
		t.Fatal(err)
	}

	c.advance(DefaultMaxAge + time.Minute)
	got, err := s.GetOrCreate(ctx, "tmall", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Cookies) != 0 {
		t.Fatalf("expired session kept cookies: %+v", got.Cookies)
	}
	if got.Fresh(c.t, DefaultMaxAge) {
		t.Fatal("expired session reported fresh")
	}
}

func TestInvalidateDropsSession(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s, _ := newStore(t, c, mustSealer(t))
	ctx := context.Background()

	h, _ := s.GetOrCreate(ctx, "shopee", "acct1")
	h.Cookies = []Cookie{{Name: "sid", Value: "v"}}
	if err := s.Persist(ctx, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Invalidate(ctx, "shopee", "acct1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetOrCreate(ctx, "shopee", "acct1")
	if len(got.Cookies) != 0 || !got.LastVerifiedAt.IsZero() {
		t.Fatalf("invalidated session still live: %+v", got)
	}
}

func TestPersistUnknownProfile(t *testing.T) {
	c := &clock{t: time.Now()}
	s, _ := newStore(t, c, nil)
	err := s.Persist(context.Background(), &Handle{Platform: "x", AccountID: "y"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWrongKeyForcesLogin(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s, _ := newStore(t, c, mustSealer(t))
	ctx := context.Background()

	h, _ := s.GetOrCreate(ctx, "shopee", "acct1")
	h.Cookies = []Cookie{{Name: "sid", Value: "v"}}
	if err := s.Persist(ctx, h); err != nil {
		t.Fatal(err)
	}

	other, err := NewSealer(bytes.Repeat([]byte("z"), 32))
	if err != nil {
		t.Fatal(err)
	}
	s.opts.Sealer = other
	got, err := s.GetOrCreate(ctx, "shopee", "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Cookies) != 0 || !got.LastVerifiedAt.IsZero() {
		t.Fatalf("unreadable snapshot should force login: %+v", got)
	}
}

func TestCleanupRemovesStaleProfiles(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, _ := newStore(t, c, nil)
	ctx := context.Background()

	old, _ := s.GetOrCreate(ctx, "shopee", "old")
	if err := s.Persist(ctx, old); err != nil {
		t.Fatal(err)
	}
	c.advance(40 * 24 * time.Hour)
	recent, _ := s.GetOrCreate(ctx, "shopee", "recent")
	if err := s.Persist(ctx, recent); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(old.ProfileDir); !os.IsNotExist(err) {
		t.Fatalf("stale profile dir still present: %v", err)
	}
	if _, err := os.Stat(recent.ProfileDir); err != nil {
		t.Fatalf("recent profile dir removed: %v", err)
	}
	if _, err := s.load(ctx, "shopee", "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale row still present: %v", err)
	}
}
