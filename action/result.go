package action

import (
	"fmt"
	"strings"
	"time"
)

// Technique is one step of the per-element interaction chain.
type Technique string

const (
	TechLocate      Technique = "locate"
	TechPrimary     Technique = "primary"
	TechRoleText    Technique = "role_text"
	TechScript      Technique = "script"
	TechPointer     Technique = "pointer"
	TechInput       Technique = "input"
	TechScriptValue Technique = "script_value"
)

// Reason classifies a failed attempt.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonTimeout   Reason = "timeout"
	ReasonFailed    Reason = "failed"
	ReasonCancelled Reason = "cancelled"
)

// Attempt records one failed technique on one strategy and surface.
type Attempt struct {
	Strategy  string    `json:"strategy"`
	Surface   string    `json:"surface,omitempty"`
	Technique Technique `json:"technique"`
	Reason    Reason    `json:"reason"`
	Err       error     `json:"-"`
}

func (a Attempt) String() string {
	s := fmt.Sprintf("%s@%s/%s: %s", a.Strategy, a.Surface, a.Technique, a.Reason)
	if a.Err != nil {
		s += " (" + a.Err.Error() + ")"
	}
	return s
}

// Result describes the outcome of one executor call. On success Strategy,
// Surface and Technique name what matched; Attempts always holds every
// failure seen along the way.
type Result struct {
	Action        string        `json:"action"`
	Strategy      string        `json:"strategy,omitempty"`
	StrategyIndex int           `json:"strategy_index"`
	Surface       string        `json:"surface,omitempty"`
	Technique     Technique     `json:"technique,omitempty"`
	Attempts      []Attempt     `json:"attempts,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// OK reports whether a strategy succeeded.
func (r Result) OK() bool { return r.Technique != "" }

// NotFoundError is returned when every strategy on every surface has been
// exhausted without a successful interaction.
type NotFoundError struct {
	Action     string
	Strategies []string
	Surfaces   int
	Attempts   []Attempt
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("action: %s: no strategy matched (%d strategies, %d surfaces): %s",
		e.Action, len(e.Strategies), e.Surfaces, strings.Join(e.Strategies, ", "))
}
