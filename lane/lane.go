// Package lane serializes jobs that share a (platform, account) pair.
//
// A lane is held in-process through a one-slot channel per key and across
// processes through an advisory file lock at
// <dir>/<platform>/<account>.lock, so two workers never drive the same
// browser profile at once.
package lane

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/hazyhaar/harvest/slug"
)

// Options configures a Locker.
type Options struct {
	// Dir holds the lock files, usually the profiles root. Empty disables
	// cross-process locking.
	Dir string
	// RetryDelay paces file-lock attempts. Default: 250ms.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Locker hands out lanes.
type Locker struct {
	opts Options

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a Locker.
func New(opts Options) *Locker {
	opts.defaults()
	return &Locker{opts: opts, slots: make(map[string]chan struct{})}
}

// Key returns the lane key of (platform, account).
func Key(platform, account string) string {
	return slug.Make(platform) + "/" + slug.Make(account)
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire blocks until the lane of (platform, account) is free or ctx is
// done. The returned release func must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, platform, account string) (release func(), err error) {
	key := Key(platform, account)
	ch := l.slot(key)
	start := time.Now()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lane: acquire %s: %w", key, ctx.Err())
	}

	fl, err := l.fileLock(key)
	if err != nil {
		<-ch
		return nil, err
	}
	if fl != nil {
		ok, err := fl.TryLockContext(ctx, l.opts.RetryDelay)
		if err == nil && !ok {
			err = ctx.Err()
		}
		if err != nil {
			<-ch
			return nil, fmt.Errorf("lane: lock %s: %w", fl.Path(), err)
		}
	}

	if waited := time.Since(start); waited > time.Second {
		l.opts.Logger.Info("lane: acquired after wait", "lane", key, "waited", waited)
	}
	return l.releaser(key, ch, fl), nil
}

// TryAcquire is Acquire without waiting. ok is false when the lane is busy.
func (l *Locker) TryAcquire(platform, account string) (release func(), ok bool, err error) {
	key := Key(platform, account)
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	default:
		return nil, false, nil
	}
	fl, err := l.fileLock(key)
	if err != nil {
		<-ch
		return nil, false, err
	}
	if fl != nil {
		locked, err := fl.TryLock()
		if err != nil || !locked {
			<-ch
			if err != nil {
				return nil, false, fmt.Errorf("lane: lock %s: %w", fl.Path(), err)
			}
			return nil, false, nil
		}
	}
	return l.releaser(key, ch, fl), true, nil
}

func (l *Locker) fileLock(key string) (*flock.Flock, error) {
	if l.opts.Dir == "" {
		return nil, nil
	}
	path := filepath.Join(l.opts.Dir, filepath.FromSlash(key)+".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("lane: mkdir: %w", err)
	}
	return flock.New(path), nil
}

func (l *Locker) releaser(key string, ch chan struct{}, fl *flock.Flock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if fl != nil {
				if err := fl.Unlock(); err != nil {
					l.opts.Logger.Warn("lane: unlock", "lane", key, "error", err)
				}
			}
			<-ch
		})
	}
}
