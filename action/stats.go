package action

import "sort"

// Stat counts how often a strategy was tried and how often it won.
type Stat struct {
	Strategy string `json:"strategy"`
	Success  int    `json:"success"`
	Total    int    `json:"total"`
}

// Rate is Success/Total, or 0 when the strategy was never tried.
func (s Stat) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total)
}

func (e *Executor) record(strategy string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, found := e.stats[strategy]
	if !found {
		st = &Stat{Strategy: strategy}
		e.stats[strategy] = st
	}
	st.Total++
	if ok {
		st.Success++
	}
}

// Stats returns a snapshot of per-strategy counters sorted by strategy.
func (e *Executor) Stats() []Stat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Stat, 0, len(e.stats))
	for _, st := range e.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}
