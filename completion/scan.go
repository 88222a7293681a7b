package completion

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// guidName matches the names Chrome gives downloads when told to name
// them by GUID.
var guidName = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// scanner finds a new, complete export file in a directory. A file must be
// seen twice with the same non-zero size before it is returned.
type scanner struct {
	dir    string
	since  time.Time
	maxAge time.Duration
	exts   []string
	sizes  map[string]int64
}

func newScanner(dir string, start time.Time, p Policy) *scanner {
	return &scanner{
		dir:    dir,
		since:  start.Add(-p.MtimeTolerance),
		maxAge: p.ScanMaxAge,
		exts:   p.Extensions,
		sizes:  make(map[string]int64),
	}
}

// poll returns the newest stable candidate, or "" when none is ready.
func (s *scanner) poll(now time.Time) (string, error) {
	if s.dir == "" {
		return "", nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !s.eligibleName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(s.since) || now.Sub(mod) > s.maxAge {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		size := info.Size()
		prev, seen := s.sizes[path]
		s.sizes[path] = size
		if !seen || prev != size || size == 0 {
			continue
		}
		if best == "" || mod.After(bestMod) {
			best, bestMod = path, mod
		}
	}
	return best, nil
}

func (s *scanner) eligibleName(name string) bool {
	lower := strings.ToLower(name)
	if IsPartial(lower) {
		return false
	}
	if IsDownloadGUID(name) {
		return true
	}
	for _, ext := range s.exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// IsPartial reports whether name carries an in-flight download suffix.
func IsPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suf := range PartialSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// IsDownloadGUID reports whether name is a browser download named by its
// GUID, which carries no extension.
func IsDownloadGUID(name string) bool {
	return guidName.MatchString(name)
}
