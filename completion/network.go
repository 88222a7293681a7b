package completion

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Response is a network response observed on the job page.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Disposition string
	At          time.Time
}

// NetworkLog exposes the responses observed so far.
type NetworkLog interface {
	Responses() []Response
}

// Fetcher downloads a URL within the authenticated browser session.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, suggestedName string, err error)
}

// DownloadNames maps a download GUID to the filename the server suggested.
type DownloadNames interface {
	SuggestedName(guid string) string
}

// Plausible reports whether r looks like an export payload: a 200 response
// whose URL mentions export or download, or whose content type is a
// spreadsheet or binary, or which is served as an attachment.
func Plausible(r Response) bool {
	if r.Status != http.StatusOK {
		return false
	}
	u := strings.ToLower(r.URL)
	if strings.Contains(u, "export") || strings.Contains(u, "download") {
		return true
	}
	ct := strings.ToLower(r.ContentType)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	switch {
	case strings.Contains(ct, "spreadsheet"),
		strings.Contains(ct, "excel"),
		ct == "text/csv",
		strings.HasPrefix(ct, "application/vnd."),
		ct == "application/octet-stream":
		return true
	}
	if disp, _, err := mime.ParseMediaType(r.Disposition); err == nil && disp == "attachment" {
		return true
	}
	return false
}

// candidate returns the most recent plausible response observed at or
// after since.
func candidate(log NetworkLog, since time.Time) (Response, bool) {
	if log == nil {
		return Response{}, false
	}
	resps := log.Responses()
	for i := len(resps) - 1; i >= 0; i-- {
		r := resps[i]
		if !r.At.IsZero() && r.At.Before(since) {
			continue
		}
		if Plausible(r) {
			return r, true
		}
	}
	return Response{}, false
}

// FilenameFromDisposition extracts the filename parameter of a
// Content-Disposition header.
func FilenameFromDisposition(disp string) string {
	_, params, err := mime.ParseMediaType(disp)
	if err != nil {
		return ""
	}
	return params["filename"]
}
