package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/hazyhaar/harvest/completion"
)

// Tuning holds the timing and retry knobs of a job. Zero fields inherit:
// platform overrides only replace what they set.
type Tuning struct {
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ExportRetryCount bounds watcher re-triggers. Negative disables them.
	ExportRetryCount   int           `yaml:"export_retry_count"`
	ExportRetryBackoff time.Duration `yaml:"export_retry_backoff"`
	FSDeadline         time.Duration `yaml:"fs_deadline"`
	GraceWindow        time.Duration `yaml:"grace_window"`
	EarlyExit          *bool         `yaml:"early_exit"`
	HardCeiling        time.Duration `yaml:"hard_ceiling"`
	// ActionTimeout bounds one strategy search across all surfaces.
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// MaxAttempts bounds verification code submissions and credential
	// retries.
	MaxAttempts int `yaml:"max_attempts"`
	// JobDeadline is the default job deadline.
	JobDeadline time.Duration `yaml:"job_deadline"`
	// NavInterval paces page navigations per platform.
	NavInterval time.Duration `yaml:"nav_interval"`
	// PopupRounds bounds popup dismissal sweeps.
	PopupRounds int `yaml:"popup_rounds"`
}

func (t *Tuning) applyDefaults() {
	if t.WaitTimeout <= 0 {
		t.WaitTimeout = 30 * time.Second
	}
	if t.RetryInterval <= 0 {
		t.RetryInterval = 400 * time.Millisecond
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = 3 * time.Second
	}
	if t.ExportRetryCount == 0 {
		t.ExportRetryCount = 3
	}
	if t.ExportRetryBackoff <= 0 {
		t.ExportRetryBackoff = 30 * time.Second
	}
	if t.FSDeadline <= 0 {
		t.FSDeadline = 60 * time.Second
	}
	if t.GraceWindow <= 0 {
		t.GraceWindow = time.Second
	}
	if t.EarlyExit == nil {
		on := true
		t.EarlyExit = &on
	}
	if t.HardCeiling <= 0 {
		t.HardCeiling = 10 * time.Minute
	}
	if t.ActionTimeout <= 0 {
		t.ActionTimeout = 3 * time.Second
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	if t.JobDeadline <= 0 {
		t.JobDeadline = 15 * time.Minute
	}
	if t.NavInterval <= 0 {
		t.NavInterval = 2 * time.Second
	}
	if t.PopupRounds <= 0 {
		t.PopupRounds = 20
	}
}

// Merge returns t with every field set in overrides replaced, in order.
func (t Tuning) Merge(overrides ...Tuning) (Tuning, error) {
	out := t
	if t.EarlyExit != nil {
		v := *t.EarlyExit
		out.EarlyExit = &v
	}
	for _, o := range overrides {
		// mergo treats false as empty; EarlyExit is applied by hand.
		early := o.EarlyExit
		o.EarlyExit = nil
		if err := mergo.Merge(&out, o, mergo.WithOverride); err != nil {
			return t, fmt.Errorf("config: merge tuning: %w", err)
		}
		if early != nil {
			v := *early
			out.EarlyExit = &v
		}
	}
	return out, nil
}

// TuningFor returns the global tuning with the catalog's platform tuning
// and then the config's platform override applied.
func (c *Config) TuningFor(platform string, catalog Tuning) (Tuning, error) {
	var override Tuning
	for name, t := range c.Platforms {
		if strings.EqualFold(name, platform) {
			override = t
			break
		}
	}
	return c.Tuning.Merge(catalog, override)
}

// Policy maps t onto the completion watcher's policy.
func (t Tuning) Policy() completion.Policy {
	p := completion.Policy{
		WaitTimeout:       t.WaitTimeout,
		RetryInterval:     t.RetryInterval,
		HeartbeatInterval: t.HeartbeatInterval,
		MaxRetries:        t.ExportRetryCount,
		RetryBackoff:      t.ExportRetryBackoff,
		FSDeadline:        t.FSDeadline,
		GraceWindow:       t.GraceWindow,
		HardCeiling:       t.HardCeiling,
	}
	if t.EarlyExit != nil && !*t.EarlyExit {
		p.DisableEarlyExit = true
	}
	return p
}
