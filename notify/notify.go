// Package notify publishes artifact events on NATS once a manifest has
// been written. Publishing is best effort: failures are logged and never
// fail the job.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hazyhaar/harvest/capture"
	"github.com/hazyhaar/harvest/slug"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the payload of <prefix>.artifact.<platform>.
type Event struct {
	JobID        string           `json:"job_id"`
	ArtifactPath string           `json:"artifact_path"`
	ManifestPath string           `json:"manifest_path,omitempty"`
	Manifest     capture.Manifest `json:"manifest"`
	PublishedAt  time.Time        `json:"published_at"`
}

// Notifier publishes events. A nil *Notifier is a no-op.
type Notifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

// New wraps pub. prefix defaults to "harvest".
func New(pub Publisher, prefix string, logger *slog.Logger) *Notifier {
	if prefix == "" {
		prefix = "harvest"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, prefix: prefix, logger: logger, now: time.Now}
}

// Connect dials url and returns a Notifier on the connection, which the
// caller closes with Close.
func Connect(url, prefix string, logger *slog.Logger) (*Notifier, *nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("harvest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return New(nc, prefix, logger), nc, nil
}

// Subject returns the subject used for platform.
func (n *Notifier) Subject(platform string) string {
	return n.prefix + ".artifact." + slug.Make(platform)
}

// Artifact publishes one event for a captured artifact.
func (n *Notifier) Artifact(jobID string, art *capture.Artifact) {
	if n == nil || art == nil {
		return
	}
	ev := Event{
		JobID:        jobID,
		ArtifactPath: art.Path,
		ManifestPath: art.ManifestPath,
		Manifest:     art.Manifest,
		PublishedAt:  n.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("notify: marshal", "job_id", jobID, "error", err)
		return
	}
	subject := n.Subject(art.Manifest.Platform)
	if err := n.pub.Publish(subject, data); err != nil {
		n.failed.Add(1)
		n.logger.Warn("notify: publish", "job_id", jobID, "subject", subject, "error", err)
		return
	}
	n.published.Add(1)
	n.logger.Debug("notify: published", "job_id", jobID, "subject", subject)
}

// Stats reports published and failed counts.
func (n *Notifier) Stats() (published, failed int64) {
	if n == nil {
		return 0, 0
	}
	return n.published.Load(), n.failed.Load()
}
