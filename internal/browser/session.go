package browser

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/harvest/completion"
	"github.com/hazyhaar/harvest/login"
)

// maxResponses bounds the network log of one job.
const maxResponses = 500

// session is one job's browser, page and listeners. The listeners run on
// events and stop with Close.
type session struct {
	log *slog.Logger
	dir string

	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	router  *rod.HijackRouter
	fetcher *fetcher

	events    context.Context
	stop      context.CancelFunc
	downloads chan completion.Signal

	mu        sync.Mutex
	responses []completion.Response
	names     map[string]*proto.BrowserDownloadWillBegin
	suggested map[string]string

	closeOnce sync.Once
	closeErr  error
}

func (s *session) Page() login.Page { return &page{p: s.page} }

func (s *session) Downloads() <-chan completion.Signal { return s.downloads }

func (s *session) Network() completion.NetworkLog { return s }

func (s *session) Fetcher() completion.Fetcher {
	if s.fetcher == nil {
		return nil
	}
	return s.fetcher
}

// Responses returns a copy of the responses seen so far.
func (s *session) Responses() []completion.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]completion.Response(nil), s.responses...)
}

// SuggestedName returns the filename announced for the download guid, even
// after the download finished.
func (s *session) SuggestedName(guid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggested[guid]
}

// watchDownloads turns browser download events of this context into
// signals. Only completed downloads are delivered.
func (s *session) watchDownloads() {
	s.downloads = make(chan completion.Signal, 8)
	s.names = make(map[string]*proto.BrowserDownloadWillBegin)
	s.suggested = make(map[string]string)
	wait := s.browser.Context(s.events).EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			s.mu.Lock()
			s.names[e.GUID] = e
			s.suggested[e.GUID] = e.SuggestedFilename
			s.mu.Unlock()
			s.log.Info("browser: download started", "url", e.URL, "suggested_name", e.SuggestedFilename)
		},
		func(e *proto.BrowserDownloadProgress) {
			switch e.State {
			case proto.BrowserDownloadProgressStateCompleted:
				s.mu.Lock()
				begin := s.names[e.GUID]
				delete(s.names, e.GUID)
				s.mu.Unlock()
				sig := downloadSignal(s.dir, e.GUID, begin, time.Now())
				s.log.Info("browser: download completed", "path", sig.Path, "bytes", e.ReceivedBytes)
				select {
				case s.downloads <- sig:
				case <-s.events.Done():
				}
			case proto.BrowserDownloadProgressStateCanceled:
				s.mu.Lock()
				delete(s.names, e.GUID)
				s.mu.Unlock()
				s.log.Warn("browser: download cancelled", "guid", e.GUID)
			}
		},
	)
	go wait()
}

func downloadSignal(dir, guid string, begin *proto.BrowserDownloadWillBegin, at time.Time) completion.Signal {
	sig := completion.Signal{Kind: completion.DirectEvent, Path: filepath.Join(dir, guid), At: at}
	if begin != nil {
		sig.SuggestedName = begin.SuggestedFilename
		sig.URL = begin.URL
	}
	return sig
}

// watchNetwork records the responses of the job page.
func (s *session) watchNetwork() {
	wait := s.page.Context(s.events).EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Response == nil {
			return
		}
		r := completion.Response{
			URL:         e.Response.URL,
			Status:      e.Response.Status,
			ContentType: e.Response.MIMEType,
			Disposition: header(e.Response.Headers, "Content-Disposition"),
			At:          time.Now(),
		}
		s.mu.Lock()
		if len(s.responses) >= maxResponses {
			s.responses = s.responses[1:]
		}
		s.responses = append(s.responses, r)
		s.mu.Unlock()
	})
	go wait()
}

func header(h proto.NetworkHeaders, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v.Str()
		}
	}
	return ""
}

// Close closes the page and the browser context, then stops the listeners
// and drops the connection. A local Chrome is killed but its profile
// directory is kept.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil {
			if err := s.router.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.lnch != nil {
			s.lnch.Kill()
		}
		if s.stop != nil {
			s.stop()
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.log.Debug("browser: close", "error", s.closeErr)
		}
	})
	return s.closeErr
}
