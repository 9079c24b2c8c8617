package decision

import (
	"sync"
)

// defaultAuditCapacity bounds the in-memory audit ring.
const defaultAuditCapacity = 10000

// AuditStats summarizes the retained decisions.
type AuditStats struct {
	Total      int                 `json:"total"`
	ByVerdict  map[Verdict]int     `json:"by_verdict"`
	ByGoal     map[string]int      `json:"by_goal"`
	VerdictPct map[Verdict]float64 `json:"verdict_pct"`
}

// AuditLog retains recent decisions in a bounded ring, newest last. Full
// durability belongs to an external sink; this log answers "what did the
// agent just decide and why" without a round trip.
type AuditLog struct {
	mu      sync.RWMutex
	entries []*Decision
	start   int
	count   int
}

// NewAuditLog creates a ring holding up to capacity decisions
// (0 means 10000).
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{entries: make([]*Decision, capacity)}
}

// Record appends a decision, evicting the oldest when full.
func (a *AuditLog) Record(d *Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := (a.start + a.count) % len(a.entries)
	if a.count == len(a.entries) {
		a.start = (a.start + 1) % len(a.entries)
		a.count--
	}
	a.entries[idx] = d
	a.count++
}

// Recent returns up to limit decisions, newest first.
func (a *AuditLog) Recent(limit int) []*Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if limit <= 0 || limit > a.count {
		limit = a.count
	}
	out := make([]*Decision, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.start + a.count - 1 - i) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}

// ByGoal returns retained decisions for one goal, newest first.
func (a *AuditLog) ByGoal(goalID string, limit int) []*Decision {
	return a.filter(limit, func(d *Decision) bool { return d.GoalID == goalID })
}

// ByVerdict returns retained decisions with one verdict, newest first.
func (a *AuditLog) ByVerdict(v Verdict, limit int) []*Decision {
	return a.filter(limit, func(d *Decision) bool { return d.Verdict == v })
}

func (a *AuditLog) filter(limit int, keep func(*Decision) bool) []*Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Decision
	for i := 0; i < a.count; i++ {
		idx := (a.start + a.count - 1 - i) % len(a.entries)
		if keep(a.entries[idx]) {
			out = append(out, a.entries[idx])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// Len reports how many decisions are retained.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Stats aggregates retained decisions by verdict and goal.
func (a *AuditLog) Stats() AuditStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := AuditStats{
		ByVerdict:  make(map[Verdict]int),
		ByGoal:     make(map[string]int),
		VerdictPct: make(map[Verdict]float64),
	}
	for i := 0; i < a.count; i++ {
		d := a.entries[(a.start+i)%len(a.entries)]
		stats.Total++
		stats.ByVerdict[d.Verdict]++
		stats.ByGoal[d.GoalID]++
	}
	if stats.Total > 0 {
		for v, n := range stats.ByVerdict {
			stats.VerdictPct[v] = float64(n) / float64(stats.Total)
		}
	}
	return stats
}
