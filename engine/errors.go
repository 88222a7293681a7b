package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/capture"
	"github.com/hazyhaar/harvest/catalog"
	"github.com/hazyhaar/harvest/completion"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/login"
)

// ErrorKind classifies a failed job.
type ErrorKind string

const (
	KindActionNotFound    ErrorKind = "action_not_found"
	KindChallengeAborted  ErrorKind = "challenge_aborted"
	KindCompletionTimeout ErrorKind = "completion_timeout"
	KindCaptureIO         ErrorKind = "capture_io"
	KindDeadline          ErrorKind = "deadline"
	KindThrottled         ErrorKind = "throttled"
	KindInvalidJob        ErrorKind = "invalid_job"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Retryable reports whether a job failing with k may succeed if run again
// unchanged.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindActionNotFound, KindCompletionTimeout, KindCaptureIO, KindDeadline, KindInternal:
		return true
	}
	return false
}

// DeadlineError is returned when the job deadline passes.
type DeadlineError struct {
	Phase    string
	Deadline time.Time
	Err      error
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("engine: job deadline %s exceeded during %s: %v",
		e.Deadline.Format(time.RFC3339), e.Phase, e.Err)
}

func (e *DeadlineError) Unwrap() error { return e.Err }

// ThrottledError is returned when the account's login budget is spent.
type ThrottledError struct {
	Platform string
	Account  string
	Used     int
	Budget   int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("engine: %s/%s: login budget exhausted (%d of %d)", e.Platform, e.Account, e.Used, e.Budget)
}

// KindOf maps err onto the error taxonomy. Anything unrecognised is
// internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		deadline  *DeadlineError
		throttled *ThrottledError
		notFound  *action.NotFoundError
		aborted   *login.ChallengeAbortedError
		timeout   *completion.TimeoutError
		ioErr     *capture.IOError
	)
	switch {
	case errors.As(err, &deadline):
		return KindDeadline
	case errors.As(err, &throttled):
		return KindThrottled
	case errors.As(err, &aborted):
		return KindChallengeAborted
	case errors.As(err, &notFound):
		return KindActionNotFound
	case errors.As(err, &timeout):
		return KindCompletionTimeout
	case errors.As(err, &ioErr):
		return KindCaptureIO
	case errors.Is(err, ErrInvalidJob), errors.Is(err, catalog.ErrUnknown), errors.Is(err, config.ErrUnknownAccount):
		return KindInvalidJob
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}
