// Package tracker keeps cross-process login bookkeeping in redis: a
// per-account login budget over a sliding hour and the last outcome of
// every session.
//
// The tracker fails open. Redis errors are logged and the call is treated
// as allowed; after repeated errors a circuit breaker skips redis entirely
// until it recovers. A nil *Tracker allows everything.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes a Tracker.
type Options struct {
	// Prefix namespaces keys. Default: "harvest".
	Prefix string
	// LoginBudget is the number of credential logins allowed per account
	// within Window. Default: 5.
	LoginBudget int
	// Window is the budget window. Default: 1h.
	Window time.Duration
	// OpTimeout bounds each redis call. Default: 500ms.
	OpTimeout time.Duration
	// BreakerThreshold is the number of consecutive redis failures that
	// opens the breaker. Default: 3.
	BreakerThreshold int
	// BreakerReset is how long the breaker stays open. Default: 30s.
	BreakerReset time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "harvest"
	}
	if o.LoginBudget <= 0 {
		o.LoginBudget = 5
	}
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 500 * time.Millisecond
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 3
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	rdb     redis.Cmdable
	opts    Options
	breaker *breaker
}

// New wraps a redis client.
func New(rdb redis.Cmdable, opts Options) *Tracker {
	opts.defaults()
	return &Tracker{rdb: rdb, opts: opts, breaker: newBreaker(opts.BreakerThreshold, opts.BreakerReset, opts.Now)}
}

// Budget returns the login budget per window.
func (t *Tracker) Budget() int {
	if t == nil {
		return 0
	}
	return t.opts.LoginBudget
}

// Session is the last recorded outcome of an account.
type Session struct {
	Outcome string
	At      time.Time
	JobID   string
}

func (t *Tracker) loginKey(platform, account string) string {
	return fmt.Sprintf("%s:login:%s:%s", t.opts.Prefix, platform, account)
}

func (t *Tracker) sessionKey(platform, account string) string {
	return fmt.Sprintf("%s:session:%s:%s", t.opts.Prefix, platform, account)
}

// AllowLogin records a credential login for (platform, account) and
// reports whether it fits the budget. Used counts the logins inside the
// window, this one included.
func (t *Tracker) AllowLogin(ctx context.Context, platform, account string) (ok bool, used int) {
	if t == nil {
		return true, 0
	}
	now := t.opts.Now()
	key := t.loginKey(platform, account)
	member := strconv.FormatInt(now.UnixNano(), 10)

	var card *redis.IntCmd
	err := t.do(ctx, "allow_login", func(ctx context.Context) error {
		_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-t.opts.Window).UnixMilli(), 10))
			p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
			card = p.ZCard(ctx, key)
			p.Expire(ctx, key, t.opts.Window)
			return nil
		})
		return err
	})
	if err != nil {
		return true, 0
	}
	used = int(card.Val())
	if used > t.opts.LoginBudget {
		t.opts.Logger.Warn("tracker: login budget exhausted",
			"platform", platform, "account", account, "used", used, "budget", t.opts.LoginBudget)
		return false, used
	}
	return true, used
}

// RecordSession stores the outcome of a job for (platform, account).
func (t *Tracker) RecordSession(ctx context.Context, platform, account, jobID, outcome string) {
	if t == nil {
		return
	}
	key := t.sessionKey(platform, account)
	_ = t.do(ctx, "record_session", func(ctx context.Context) error {
		return t.rdb.HSet(ctx, key,
			"outcome", outcome,
			"at", t.opts.Now().UnixMilli(),
			"job_id", jobID,
		).Err()
	})
}

// LastSession returns the last recorded outcome, or nil when none is known
// or redis is unavailable.
func (t *Tracker) LastSession(ctx context.Context, platform, account string) *Session {
	if t == nil {
		return nil
	}
	var fields map[string]string
	err := t.do(ctx, "last_session", func(ctx context.Context) error {
		var err error
		fields, err = t.rdb.HGetAll(ctx, t.sessionKey(platform, account)).Result()
		return err
	})
	if err != nil || len(fields) == 0 {
		return nil
	}
	ms, _ := strconv.ParseInt(fields["at"], 10, 64)
	return &Session{Outcome: fields["outcome"], At: time.UnixMilli(ms), JobID: fields["job_id"]}
}

// ErrSkipped is returned by do when the breaker is open.
var ErrSkipped = errors.New("tracker: redis skipped, breaker open")

func (t *Tracker) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if !t.breaker.allow() {
		return ErrSkipped
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.OpTimeout)
	defer cancel()
	err := fn(cctx)
	if err == nil || errors.Is(err, redis.Nil) {
		t.breaker.success()
		return nil
	}
	if t.breaker.failure() {
		t.opts.Logger.Warn("tracker: breaker open, allowing without redis", "op", op, "error", err)
	} else {
		t.opts.Logger.Warn("tracker: redis failed, allowing", "op", op, "error", err)
	}
	return err
}
