package canon

import "time"

// Granularities recognised in canonical names.
const (
	Daily     = "daily"
	Weekly    = "weekly"
	Monthly   = "monthly"
	Quarterly = "quarterly"
	Custom    = "custom"
	Snapshot  = "snapshot"
	Hour      = "hour"
	Manual    = "manual"
)

// InferGranularity classifies an inclusive date range by its length in
// calendar days: 1 daily, 2-7 weekly, 8-31 monthly, 32-93 quarterly,
// anything else custom.
func InferGranularity(start, end time.Time) string {
	days := DaysInclusive(start, end)
	switch {
	case days == 1:
		return Daily
	case days >= 2 && days <= 7:
		return Weekly
	case days >= 8 && days <= 31:
		return Monthly
	case days >= 32 && days <= 93:
		return Quarterly
	default:
		return Custom
	}
}

// DaysInclusive counts calendar days from start to end, both included.
// It returns 0 when end is before start.
func DaysInclusive(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if e.Before(s) {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}
