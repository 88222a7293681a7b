package browser

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/harvest/guard"
	"github.com/hazyhaar/harvest/profile"
)

// maxFetch bounds one fetched export.
const maxFetch = 1 << 30

type cookieSource interface {
	Cookies(ctx context.Context) ([]profile.Cookie, error)
}

// fetcher downloads network candidates outside the page, carrying the
// browser's cookies and user agent.
type fetcher struct {
	cookies cookieSource
	client  *resty.Client
	jar     http.CookieJar
}

func newFetcher(p *rod.Page, userAgent string, timeout time.Duration) *fetcher {
	return newCookieFetcher(&page{p: p}, userAgent, timeout)
}

func newCookieFetcher(src cookieSource, userAgent string, timeout time.Duration) *fetcher {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	client := resty.New().
		SetCookieJar(jar).
		SetTimeout(timeout).
		SetRetryCount(1)
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	return &fetcher{cookies: src, client: client, jar: jar}
}

// Fetch implements completion.Fetcher.
func (f *fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := guard.FetchURL(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("browser: fetch %s: %w", rawURL, err)
	}
	cookies, err := f.cookies.Cookies(ctx)
	if err != nil {
		return nil, "", err
	}
	f.jar.SetCookies(u, httpCookies(cookies))

	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("browser: fetch %s: %w", rawURL, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("browser: fetch %s: status %d", rawURL, resp.StatusCode())
	}
	data, err := guard.ReadLimited(body, maxFetch)
	if err != nil {
		return nil, "", fmt.Errorf("browser: fetch %s: %w", rawURL, err)
	}
	return data, suggestedName(resp.Header().Get("Content-Disposition"), u), nil
}

// suggestedName prefers the attachment filename, then the last URL path
// segment.
func suggestedName(disposition string, u *url.URL) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return path.Base(name)
		}
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		return base
	}
	return ""
}
