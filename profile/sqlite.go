package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/guard"
	"github.com/hazyhaar/harvest/slug"
)

// Schema is the profiles table, created by EnsureTable.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	platform         TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	profile_dir      TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	cookies          BLOB,
	sealed           INTEGER NOT NULL DEFAULT 0,
	last_verified_at INTEGER NOT NULL DEFAULT 0, -- milliseconds since epoch
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (platform, account_id)
);
CREATE INDEX IF NOT EXISTS idx_profiles_verified ON profiles (last_verified_at);
`

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// Root holds the per-account Chrome profile directories. Required.
	Root string
	// Sealer encrypts cookie snapshots. Nil stores them in clear.
	Sealer *Sealer
	// MaxAge bounds session reuse. Default: DefaultMaxAge.
	MaxAge time.Duration
	// Region selects the fingerprint locale. Default: DefaultRegion.
	Region string
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *SQLiteOptions) defaults() {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Region == "" {
		o.Region = DefaultRegion
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SQLiteStore is a Store backed by one SQLite table.
type SQLiteStore struct {
	db   *sql.DB
	opts SQLiteOptions

	// mu serializes GetOrCreate so concurrent first uses of an account agree
	// on one row.
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps db. Call EnsureTable before use.
func NewSQLiteStore(db *sql.DB, opts SQLiteOptions) *SQLiteStore {
	opts.defaults()
	if !opts.Sealer.enabled() {
		opts.Logger.Warn("profile: cookie sealing disabled, snapshots stored in clear")
	}
	return &SQLiteStore{db: db, opts: opts}
}

func (s *Sealer) enabled() bool { return s != nil }

// EnsureTable creates the profiles table.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("profile: ensure table: %w", err)
	}
	return nil
}

// Dir returns the profile directory of (platform, account) under Root.
func (s *SQLiteStore) Dir(platform, account string) (string, error) {
	return guard.SafePath(s.opts.Root, filepath.Join(slug.Make(platform), slug.Make(account)))
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, platform, account string) (*Handle, error) {
	platform, account = strings.TrimSpace(platform), strings.TrimSpace(account)
	if platform == "" || account == "" {
		return nil, fmt.Errorf("profile: platform and account are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.load(ctx, platform, account)
	if errors.Is(err, ErrNotFound) {
		h, err = s.create(ctx, platform, account)
	}
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(h.ProfileDir, 0o700); err != nil {
		return nil, fmt.Errorf("profile: mkdir %s: %w", h.ProfileDir, err)
	}

	now := s.opts.Now()
	if !h.Fresh(now, s.opts.MaxAge) {
		if len(h.Cookies) > 0 {
			s.opts.Logger.Info("profile: session expired, forcing login",
				"platform", platform, "account", account, "last_verified_at", h.LastVerifiedAt)
		}
		h.Cookies = nil
	} else {
		h.Cookies = h.LiveCookies(now)
	}
	return h, nil
}

func (s *SQLiteStore) load(ctx context.Context, platform, account string) (*Handle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT profile_dir, fingerprint, cookies, sealed, last_verified_at, created_at
		FROM profiles WHERE platform = ? AND account_id = ?`, platform, account)

	var (
		h                  = &Handle{Platform: platform, AccountID: account}
		fp                 string
		blob               []byte
		sealed             bool
		verifiedAt, creaAt int64
	)
	err := row.Scan(&h.ProfileDir, &fp, &blob, &sealed, &verifiedAt, &creaAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load %s/%s: %w", platform, account, err)
	}
	if err := json.Unmarshal([]byte(fp), &h.Fingerprint); err != nil {
		return nil, fmt.Errorf("profile: decode fingerprint: %w", err)
	}
	h.CreatedAt = time.UnixMilli(creaAt)
	if verifiedAt > 0 {
		h.LastVerifiedAt = time.UnixMilli(verifiedAt)
	}

	cookies, err := s.openCookies(blob, sealed, platform, account)
	if err != nil {
		// An unreadable snapshot only costs a fresh login.
		s.opts.Logger.Warn("profile: discarding unreadable cookies",
			"platform", platform, "account", account, "error", err)
		h.LastVerifiedAt = time.Time{}
	}
	h.Cookies = cookies
	return h, nil
}

func (s *SQLiteStore) create(ctx context.Context, platform, account string) (*Handle, error) {
	dir, err := s.Dir(platform, account)
	if err != nil {
		return nil, fmt.Errorf("profile: dir: %w", err)
	}
	now := s.opts.Now()
	h := &Handle{
		Platform:    platform,
		AccountID:   account,
		ProfileDir:  dir,
		Fingerprint: FingerprintFor(platform, account, s.opts.Region),
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}
	fp, err := json.Marshal(h.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("profile: encode fingerprint: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO profiles (platform, account_id, profile_dir, fingerprint, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		platform, account, dir, string(fp), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("profile: create %s/%s: %w", platform, account, err)
	}
	s.opts.Logger.Info("profile: created", "platform", platform, "account", account, "dir", dir)
	return h, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("profile: persist: nil handle")
	}
	now := s.opts.Now()
	blob, sealed, err := s.sealCookies(h.Cookies, h.Platform, h.AccountID)
	if err != nil {
		return err
	}
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE profiles SET cookies = ?, sealed = ?, last_verified_at = ?, updated_at = ?
		WHERE platform = ? AND account_id = ?`,
		blob, sealed, now.UnixMilli(), now.UnixMilli(), h.Platform, h.AccountID)
	if err != nil {
		return fmt.Errorf("profile: persist %s/%s: %w", h.Platform, h.AccountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile: persist %s/%s: %w", h.Platform, h.AccountID, ErrNotFound)
	}
	h.LastVerifiedAt = time.UnixMilli(now.UnixMilli())
	s.opts.Logger.Debug("profile: persisted", "platform", h.Platform, "account", h.AccountID, "cookies", len(h.Cookies))
	return nil
}

func (s *SQLiteStore) Invalidate(ctx context.Context, platform, account string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE profiles SET cookies = NULL, sealed = 0, last_verified_at = 0, updated_at = ?
		WHERE platform = ? AND account_id = ?`,
		s.opts.Now().UnixMilli(), platform, account)
	if err != nil {
		return fmt.Errorf("profile: invalidate %s/%s: %w", platform, account, err)
	}
	s.opts.Logger.Warn("profile: session invalidated", "platform", platform, "account", account)
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.opts.MaxAge
	}
	cutoff := s.opts.Now().Add(-maxAge).UnixMilli()

	type victim struct{ platform, account, dir string }
	var victims []victim
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		victims = victims[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT platform, account_id, profile_dir FROM profiles
			WHERE max(last_verified_at, updated_at) < ?`, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.platform, &v.account, &v.dir); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, v)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM profiles WHERE max(last_verified_at, updated_at) < ?`, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("profile: cleanup: %w", err)
	}

	root := filepath.Clean(s.opts.Root)
	for _, v := range victims {
		dir := filepath.Clean(v.dir)
		if !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			s.opts.Logger.Warn("profile: cleanup skipped dir outside root", "dir", v.dir)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.opts.Logger.Warn("profile: cleanup remove dir", "dir", dir, "error", err)
		}
		s.opts.Logger.Info("profile: session removed", "platform", v.platform, "account", v.account)
	}
	return len(victims), nil
}

func cookieAAD(platform, account string) []byte {
	return []byte(platform + "\x00" + account)
}

func (s *SQLiteStore) sealCookies(cookies []Cookie, platform, account string) ([]byte, bool, error) {
	if len(cookies) == 0 {
		return nil, false, nil
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return nil, false, fmt.Errorf("profile: encode cookies: %w", err)
	}
	if !s.opts.Sealer.enabled() {
		return data, false, nil
	}
	sealed, err := s.opts.Sealer.Seal(data, cookieAAD(platform, account))
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

func (s *SQLiteStore) openCookies(blob []byte, sealed bool, platform, account string) ([]Cookie, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	data := blob
	if sealed {
		if !s.opts.Sealer.enabled() {
			return nil, fmt.Errorf("profile: cookies sealed but no key configured")
		}
		var err error
		data, err = s.opts.Sealer.Open(blob, cookieAAD(platform, account))
		if err != nil {
			return nil, err
		}
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("profile: decode cookies: %w", err)
	}
	return cookies, nil
}
