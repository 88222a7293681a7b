package completion

import (
	"fmt"
	"strings"
	"time"
)

// State is a watcher state.
type State string

const (
	WaitingDirect      State = "WAITING_DIRECT"
	WatchingProgress   State = "WATCHING_PROGRESS"
	RetryTrigger       State = "RETRY_TRIGGER"
	ScanningFilesystem State = "SCANNING_FILESYSTEM"
	Done               State = "DONE"
	Failed             State = "FAILED"
)

// Transition is one entry of the state trace.
type Transition struct {
	State State         `json:"state"`
	After time.Duration `json:"after"`
}

// Trace is the ordered list of states a watch went through.
type Trace []Transition

// States returns only the state names.
func (t Trace) States() []State {
	out := make([]State, len(t))
	for i, tr := range t {
		out[i] = tr.State
	}
	return out
}

func (t Trace) String() string {
	parts := make([]string, len(t))
	for i, tr := range t {
		parts[i] = string(tr.State)
	}
	return strings.Join(parts, "->")
}

// Outcome is a successful watch.
type Outcome struct {
	Signal        Signal        `json:"signal"`
	Trace         Trace         `json:"trace"`
	Retries       int           `json:"retries"`
	OverlayClicks int           `json:"overlay_clicks"`
	Elapsed       time.Duration `json:"elapsed"`
}

// TimeoutError is returned when no signal, scan hit or network candidate
// was found before the deadlines ran out.
type TimeoutError struct {
	Retries      int
	Elapsed      time.Duration
	Trace        Trace
	ProgressSeen bool
	// Cause is set when the network fallback was attempted and failed.
	Cause error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("completion: no artifact after %s (%d retries, trace %s)",
		e.Elapsed.Round(time.Millisecond), e.Retries, e.Trace)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
