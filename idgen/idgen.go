// Package idgen generates the identifiers of harvest jobs.
//
// Job IDs are "job_" followed by an RFC 9562 UUIDv7, so they sort by
// creation time in the ledger and the queue.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// JobPrefix starts every job ID.
const JobPrefix = "job_"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of UUIDv7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Job is the job ID generator. Tests may replace it.
var Job Generator = Prefixed(JobPrefix, UUIDv7())

// NewJob returns a fresh job ID.
func NewJob() string {
	return Job()
}

// ParseJob validates a job ID and returns it in canonical form.
func ParseJob(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, JobPrefix)
	if !ok {
		return "", fmt.Errorf("idgen: job id %q lacks the %s prefix", s, JobPrefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: job id %q: %w", s, err)
	}
	return JobPrefix + u.String(), nil
}
