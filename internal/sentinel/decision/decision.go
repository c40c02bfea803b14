package decision

import (
	"fmt"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// Decision is a bounded-lifetime order to apply exactly one defense
// action to a pool. It is immutable once constructed and travels
// unchanged from the risk engine to the executor over the message bus.
type Decision struct {
	ID                  string
	PoolKey             string
	Chain               string
	Pair                string
	Tier                statemachine.Tier
	CompositeScore      float64
	Action              Action
	Rationale           string
	ContributingSignals []signal.Scored
	TimestampMs         int64
	TTLMs               uint64
}

// ExpiresAtMs returns the wall-clock millisecond at which this
// decision's action should be considered expired.
func (d Decision) ExpiresAtMs() int64 {
	return d.TimestampMs + int64(d.TTLMs)
}

// NewID builds the engine-local monotonically increasing decision ID:
// "risk-<counter>-<timestampMs>".
func NewID(counter uint64, timestampMs int64) string {
	return fmt.Sprintf("risk-%d-%d", counter, timestampMs)
}
