package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/harvest/completion"
	"github.com/hazyhaar/harvest/login"
	"github.com/hazyhaar/harvest/profile"
)

// LaunchRequest describes the browser session of one job.
type LaunchRequest struct {
	JobID  string
	Handle *profile.Handle
	// DownloadDir receives this job's downloads and nothing else.
	DownloadDir string
}

// Session is a job-scoped browser session. Its download channel and
// network log only see this job's traffic.
type Session interface {
	Page() login.Page
	Downloads() <-chan completion.Signal
	Network() completion.NetworkLog
	Fetcher() completion.Fetcher
	Close() error
}

// Launcher opens browser sessions. internal/browser implements it on rod.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Session, error)
}

// pacer rate-limits navigations per platform.
type pacer struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newPacer() *pacer {
	return &pacer{m: make(map[string]*rate.Limiter)}
}

func (p *pacer) limiter(platform string, every time.Duration) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.m[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Every(every), 1)
		p.m[platform] = lim
	} else if lim.Limit() != rate.Every(every) {
		lim.SetLimit(rate.Every(every))
	}
	return lim
}

// pacedPage waits on the platform limiter before every navigation.
type pacedPage struct {
	login.Page
	lim *rate.Limiter
}

func (p pacedPage) Navigate(ctx context.Context, url string) error {
	r := p.lim.Reserve()
	if d := r.Delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			r.Cancel()
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.Page.Navigate(ctx, url)
}
