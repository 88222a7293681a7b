package canon

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotCanonical is returned by ParseFilename for names that do not follow
// the canonical layout.
var ErrNotCanonical = errors.New("canon: not a canonical filename")

var knownGranularities = map[string]bool{
	Daily: true, Weekly: true, Monthly: true, Quarterly: true,
	Custom: true, Snapshot: true, Hour: true, Manual: true,
}

// Parsed is the metadata recovered from a canonical filename. Account, Shop
// and DataDomain are the slugged forms; the original labels are not
// recoverable.
type Parsed struct {
	Timestamp   time.Time
	Account     string
	Shop        string
	DataDomain  string
	Granularity string
	Start       time.Time
	End         time.Time
	Ext         string
}

// ParseFilename reverses Filename. name may include directories.
func ParseFilename(name string) (*Parsed, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	parts := strings.Split(stem, sep)
	if len(parts) < 5 || len(parts) > 6 {
		return nil, fmt.Errorf("%w: %q", ErrNotCanonical, base)
	}

	ts, err := time.Parse(TimestampLayout, parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrNotCanonical, parts[0])
	}
	if !knownGranularities[parts[4]] {
		return nil, fmt.Errorf("%w: granularity %q", ErrNotCanonical, parts[4])
	}

	p := &Parsed{
		Timestamp:   ts,
		Account:     parts[1],
		Shop:        parts[2],
		DataDomain:  parts[3],
		Granularity: parts[4],
		Ext:         strings.ToLower(ext),
	}

	if len(parts) == 6 {
		start, end, ok := strings.Cut(parts[5], "_")
		if !ok {
			return nil, fmt.Errorf("%w: date range %q", ErrNotCanonical, parts[5])
		}
		if p.Start, err = time.Parse(DateLayout, start); err != nil {
			return nil, fmt.Errorf("%w: start date %q", ErrNotCanonical, start)
		}
		if p.End, err = time.Parse(DateLayout, end); err != nil {
			return nil, fmt.Errorf("%w: end date %q", ErrNotCanonical, end)
		}
	}
	return p, nil
}
