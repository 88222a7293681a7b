package completion

import "time"

// Policy holds the watcher's timing knobs.
type Policy struct {
	// WaitTimeout is how long to wait for a direct event after the initial
	// trigger and after each retry. Default: 30s.
	WaitTimeout time.Duration
	// RetryInterval is the tick between checks. Default: 400ms.
	RetryInterval time.Duration
	// HeartbeatInterval spaces the progress heartbeat logs. Default: 3s.
	HeartbeatInterval time.Duration
	// MaxRetries bounds the re-triggers. Default: 3. Negative disables.
	MaxRetries int
	// RetryBackoff is the minimum spacing between triggers. Default: 30s.
	RetryBackoff time.Duration
	// FSDeadline bounds the filesystem scan phase. Default: 60s.
	FSDeadline time.Duration
	// GraceWindow is how long progress must stay gone before the early
	// exit to scanning. Default: 1s.
	GraceWindow time.Duration
	// DisableEarlyExit keeps waiting for a direct event after progress
	// vanishes instead of scanning early.
	DisableEarlyExit bool
	// HardCeiling bounds a whole watch. Default: 10m.
	HardCeiling time.Duration
	// ScanMaxAge rejects older files during the scan. Default: 15m.
	ScanMaxAge time.Duration
	// MtimeTolerance is subtracted from the watch start when judging file
	// freshness. Default: 1s.
	MtimeTolerance time.Duration
	// Extensions allowed by the scan. Default: .xlsx .xls .csv.
	Extensions []string
}

// PartialSuffixes mark in-flight browser downloads.
var PartialSuffixes = []string{".crdownload", ".part", ".tmp", ".download"}

func (p *Policy) defaults() {
	if p.WaitTimeout <= 0 {
		p.WaitTimeout = 30 * time.Second
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = 400 * time.Millisecond
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 3 * time.Second
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 30 * time.Second
	}
	if p.FSDeadline <= 0 {
		p.FSDeadline = 60 * time.Second
	}
	if p.GraceWindow <= 0 {
		p.GraceWindow = time.Second
	}
	if p.HardCeiling <= 0 {
		p.HardCeiling = 10 * time.Minute
	}
	if p.ScanMaxAge <= 0 {
		p.ScanMaxAge = 15 * time.Minute
	}
	if p.MtimeTolerance <= 0 {
		p.MtimeTolerance = time.Second
	}
	if len(p.Extensions) == 0 {
		p.Extensions = []string{".xlsx", ".xls", ".csv"}
	}
}
