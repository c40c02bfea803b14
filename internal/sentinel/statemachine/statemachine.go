// Package statemachine implements the per-pool three-tier threat state
// machine with two-sided hysteresis described by the risk engine.
package statemachine

import "fmt"

// Tier is the qualitative threat level of a pool, ordered Watch <
// Elevated < Critical.
type Tier int

const (
	Watch Tier = iota
	Elevated
	Critical
)

func (t Tier) String() string {
	switch t {
	case Watch:
		return "watch"
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Band is a two-sided hysteresis threshold pair: score must exceed Up
// to climb, and fall below Down to descend. Down must be strictly
// less than Up.
type Band struct {
	Up   float64
	Down float64
}

// Config names the two bands governing Watch<->Elevated and
// Elevated<->Critical transitions.
type Config struct {
	WatchToElevated    Band
	ElevatedToCritical Band
}

// Validate rejects a Config whose bands would make hysteresis
// meaningless or contradictory.
func (c Config) Validate() error {
	if c.WatchToElevated.Down >= c.WatchToElevated.Up {
		return fmt.Errorf("statemachine: watchToElevated.down (%v) must be < up (%v)", c.WatchToElevated.Down, c.WatchToElevated.Up)
	}
	if c.ElevatedToCritical.Down >= c.ElevatedToCritical.Up {
		return fmt.Errorf("statemachine: elevatedToCritical.down (%v) must be < up (%v)", c.ElevatedToCritical.Down, c.ElevatedToCritical.Up)
	}
	return nil
}

// Machine is a single pool's current tier plus the hysteresis config
// governing its transitions. Not safe for concurrent use; the risk
// engine owns one per pool.
type Machine struct {
	cfg  Config
	tier Tier
}

// New constructs a Machine starting in Watch tier.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, tier: Watch}
}

// Tier returns the current tier without mutating state.
func (m *Machine) Tier() Tier { return m.tier }

// Update evaluates score against the current tier's hysteresis bands
// and returns the (possibly unchanged) resulting tier plus whether a
// transition occurred. A single call moves at most one tier: Watch to
// Critical requires two successive calls. Comparisons are strict, so a
// score exactly at a boundary never transitions.
func (m *Machine) Update(score float64) (Tier, bool) {
	switch m.tier {
	case Watch:
		if score > m.cfg.WatchToElevated.Up {
			m.tier = Elevated
			return m.tier, true
		}
	case Elevated:
		if score < m.cfg.WatchToElevated.Down {
			m.tier = Watch
			return m.tier, true
		}
		if score > m.cfg.ElevatedToCritical.Up {
			m.tier = Critical
			return m.tier, true
		}
	case Critical:
		if score < m.cfg.ElevatedToCritical.Down {
			m.tier = Elevated
			return m.tier, true
		}
	}
	return m.tier, false
}
