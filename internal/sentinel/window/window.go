// Package window implements the per-pool bounded-time correlation
// buffer the risk engine uses to fuse recently-scored signals into a
// composite threat score.
package window

import "github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"

type entry struct {
	scored signal.Scored
}

// Window is an ordered, time-bounded buffer of scored signals for a
// single pool. It is not safe for concurrent use; the risk engine
// owns one per pool and serializes access.
type Window struct {
	windowMs int64
	entries  []entry
}

// New constructs a Window retaining entries no older than windowMs.
func New(windowMs int64) *Window {
	return &Window{windowMs: windowMs}
}

// Add appends signal and evicts everything older than nowMs-windowMs.
// Insertion order is preserved for entries sharing a timestamp.
func (w *Window) Add(s signal.Scored, nowMs int64) {
	w.entries = append(w.entries, entry{scored: s})
	w.evict(nowMs)
}

func (w *Window) evict(nowMs int64) {
	cutoff := nowMs - w.windowMs
	i := 0
	for ; i < len(w.entries); i++ {
		if w.entries[i].scored.TimestampMs >= cutoff {
			break
		}
	}
	if i == 0 {
		return
	}
	remaining := len(w.entries) - i
	copy(w.entries, w.entries[i:])
	w.entries = w.entries[:remaining]
}

// CompositeScore sums every contained WeightedScore and saturates the
// result to [0,100]. The saturation is intentional: correlated signals
// compounding past 100 is the attack pattern the system exists to
// catch.
func (w *Window) CompositeScore() float64 {
	var sum float64
	for _, e := range w.entries {
		sum += e.scored.WeightedScore
	}
	if sum < 0 {
		return 0
	}
	if sum > 100 {
		return 100
	}
	return sum
}

// Signals returns a read-only snapshot of the window's contents in
// insertion order. Callers must not mutate the result in place.
func (w *Window) Signals() []signal.Scored {
	out := make([]signal.Scored, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.scored
	}
	return out
}

// UniqueKindCount returns the number of distinct signal kinds present.
func (w *Window) UniqueKindCount() int {
	seen := make(map[signal.Kind]struct{}, len(w.entries))
	for _, e := range w.entries {
		seen[e.scored.Source] = struct{}{}
	}
	return len(seen)
}

// Len returns the number of signals currently retained.
func (w *Window) Len() int { return len(w.entries) }
