package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/canon"
	"github.com/hazyhaar/harvest/completion"
	"github.com/hazyhaar/harvest/login"
)

// Job is one extraction request. It is not persisted by the engine.
type Job struct {
	ID           string    `json:"id,omitempty"`
	Platform     string    `json:"platform"`
	AccountID    string    `json:"account_id"`
	AccountLabel string    `json:"account_label,omitempty"`
	ShopName     string    `json:"shop_name"`
	ShopID       string    `json:"shop_id,omitempty"`
	DataDomain   string    `json:"data_domain"`
	Subtype      string    `json:"subtype,omitempty"`
	Granularity  string    `json:"granularity,omitempty"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	// Timeout bounds the job from the moment it starts running, so a
	// queued job keeps its full budget however long it waited.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Deadline is an absolute cutoff. When both are zero the platform's
	// job_deadline applies.
	Deadline time.Time `json:"deadline,omitempty"`
}

// ErrInvalidJob is wrapped by validation failures.
var ErrInvalidJob = errors.New("engine: invalid job")

// Validate checks the required fields and the date range.
func (j Job) Validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"platform", j.Platform},
		{"account_id", j.AccountID},
		{"shop_name", j.ShopName},
		{"data_domain", j.DataDomain},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidJob, strings.Join(missing, ", "))
	}
	if j.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidJob, j.Timeout)
	}
	if j.Start.IsZero() != j.End.IsZero() {
		return fmt.Errorf("%w: start and end go together", ErrInvalidJob)
	}
	if !j.Start.IsZero() && j.End.Before(j.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidJob,
			j.End.Format(canon.DateLayout), j.Start.Format(canon.DateLayout))
	}
	return nil
}

// Params returns the naming inputs of j.
func (j Job) Params() canon.Params {
	label := j.AccountLabel
	if label == "" {
		label = j.AccountID
	}
	return canon.Params{
		Platform:     j.Platform,
		AccountLabel: label,
		ShopName:     j.ShopName,
		ShopID:       j.ShopID,
		DataDomain:   j.DataDomain,
		Subtype:      j.Subtype,
		Granularity:  j.Granularity,
		Start:        j.Start,
		End:          j.End,
	}
}

// Result is the outcome of Run. Success implies ArtifactPath.
type Result struct {
	JobID        string    `json:"job_id"`
	Success      bool      `json:"success"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`

	Login      *login.Outcome      `json:"login,omitempty"`
	Completion *completion.Outcome `json:"completion,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Elapsed returns the job duration.
func (r Result) Elapsed() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
