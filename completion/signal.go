// Package completion decides when an asynchronously generated export is
// ready. A Watcher runs a bounded state machine that races a direct
// download event against progress indicators, bounded re-triggers, a
// filesystem scan and a network-response fallback, and resolves to exactly
// one Outcome or one error.
//
// Typical usage:
//
//	w := completion.New(executor, completion.Policy{WaitTimeout: 30 * time.Second}, logger)
//	out, err := w.Watch(ctx, completion.Request{Page: page, Downloads: sess.Downloads()})
package completion

import (
	"fmt"
	"time"
)

// Kind tags a Signal.
type Kind string

const (
	DirectEvent      Kind = "direct_event"
	ProgressVisible  Kind = "progress_visible"
	OverlayVisible   Kind = "overlay_visible"
	NetworkCandidate Kind = "network_candidate"
	NewFileOnDisk    Kind = "new_file_on_disk"
)

// Signal is evidence that an artifact exists. Only DirectEvent,
// NetworkCandidate and NewFileOnDisk carry an artifact: a file Path, or
// Data fetched from URL.
type Signal struct {
	Kind          Kind      `json:"kind"`
	Path          string    `json:"path,omitempty"`
	SuggestedName string    `json:"suggested_name,omitempty"`
	URL           string    `json:"url,omitempty"`
	Data          []byte    `json:"-"`
	At            time.Time `json:"at"`
}

// Terminal reports whether s carries an artifact.
func (s Signal) Terminal() bool {
	switch s.Kind {
	case DirectEvent, NewFileOnDisk:
		return s.Path != ""
	case NetworkCandidate:
		return len(s.Data) > 0
	}
	return false
}

func (s Signal) String() string {
	switch {
	case s.Path != "":
		return fmt.Sprintf("%s(%s)", s.Kind, s.Path)
	case s.URL != "":
		return fmt.Sprintf("%s(%s)", s.Kind, s.URL)
	}
	return string(s.Kind)
}
