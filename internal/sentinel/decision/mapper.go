package decision

import (
	"fmt"
	"math"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// Mapped is the mapper's output: an action plus the human-readable
// rationale stored verbatim on the resulting RiskDecision.
type Mapped struct {
	Action    Action
	Rationale string
}

// Map implements the decision mapper: a pure function from (tier,
// compositeScore, signals) to at most one defense action. Rules are
// applied in order; the first match wins. Map never mutates signals.
func Map(tier statemachine.Tier, score float64, signals []signal.Scored) (*Mapped, bool) {
	if tier == statemachine.Watch {
		return nil, false
	}

	hasKind := func(k signal.Kind) bool {
		for _, s := range signals {
			if s.Source == k {
				return true
			}
		}
		return false
	}
	hasMEV := func() bool {
		for _, s := range signals {
			if s.Source.IsMEV() {
				return true
			}
		}
		return false
	}
	hasOracle := func() bool {
		for _, s := range signals {
			if s.Source.IsOracle() {
				return true
			}
		}
		return false
	}
	maxOracleMagnitude := func() float64 {
		var o float64
		for _, s := range signals {
			if s.Source.IsOracle() && s.Magnitude > o {
				o = s.Magnitude
			}
		}
		return o
	}

	// Rule 2: cross-chain attack evidence takes priority over every
	// other branch.
	if hasKind(signal.CrossChainAttack) {
		switch {
		case tier == statemachine.Critical && score > 85:
			return &Mapped{
				Action:    EmergencyBridge{},
				Rationale: fmt.Sprintf("cross-chain attack at critical tier, score %.1f > 85", score),
			}, true
		case tier == statemachine.Critical && hasOracle():
			return &Mapped{
				Action:    LiquidityReroute{},
				Rationale: fmt.Sprintf("cross-chain attack with oracle evidence at critical tier, score %.1f", score),
			}, true
		case hasMEV():
			return &Mapped{
				Action:    CrossChainArbBlock{},
				Rationale: fmt.Sprintf("cross-chain attack with MEV evidence, score %.1f", score),
			}, true
		case tier == statemachine.Elevated:
			return &Mapped{
				Action:    LiquidityReroute{},
				Rationale: fmt.Sprintf("cross-chain attack at elevated tier, score %.1f", score),
			}, true
		}
	}

	if tier == statemachine.Critical {
		o := maxOracleMagnitude()
		distinct := uniqueKindCount(signals)
		oraclePresent := hasOracle()

		switch {
		case o > 0.75:
			return &Mapped{
				Action:    CircuitBreaker{Reason: "extreme oracle deviation"},
				Rationale: fmt.Sprintf("oracle deviation magnitude %.2f exceeds 0.75 at critical tier", o),
			}, true
		case o > 0 && oraclePresent && distinct >= 4 && hasMEV():
			return &Mapped{
				Action:    CircuitBreaker{Reason: "catastrophic correlated attack"},
				Rationale: fmt.Sprintf("catastrophic correlation: %d distinct signal kinds including oracle and MEV evidence at critical tier, score %.1f", distinct, score),
			}, true
		case o > 0.05 && o <= 0.3 && hasMEV():
			return &Mapped{
				Action:    MevProtection{FeeBps: feeBpsForScore(score)},
				Rationale: fmt.Sprintf("toxic-arb pattern: mild oracle deviation %.2f with MEV evidence at critical tier", o),
			}, true
		case oraclePresent:
			return &Mapped{
				Action:    OracleValidation{},
				Rationale: fmt.Sprintf("oracle evidence present at critical tier, score %.1f", score),
			}, true
		default:
			return &Mapped{
				Action:    MevProtection{FeeBps: feeBpsForScore(score)},
				Rationale: fmt.Sprintf("MEV evidence dominant at critical tier, score %.1f", score),
			}, true
		}
	}

	if tier == statemachine.Elevated {
		o := maxOracleMagnitude()
		oraclePresent := hasOracle()
		mevPresent := hasMEV()

		switch {
		case oraclePresent && mevPresent && o <= 0.3:
			return &Mapped{
				Action:    MevProtection{FeeBps: feeBpsForScore(score)},
				Rationale: fmt.Sprintf("mixed oracle/MEV evidence with mild oracle deviation %.2f at elevated tier", o),
			}, true
		case oraclePresent && mevPresent:
			return &Mapped{
				Action:    OracleValidation{},
				Rationale: fmt.Sprintf("mixed oracle/MEV evidence with oracle deviation %.2f at elevated tier", o),
			}, true
		case oraclePresent:
			return &Mapped{
				Action:    OracleValidation{},
				Rationale: fmt.Sprintf("oracle evidence only at elevated tier, score %.1f", score),
			}, true
		case mevPresent:
			return &Mapped{
				Action:    MevProtection{FeeBps: feeBpsForScore(score)},
				Rationale: fmt.Sprintf("MEV evidence only at elevated tier, score %.1f", score),
			}, true
		default:
			return &Mapped{
				Action:    MevProtection{FeeBps: feeBpsForScore(score)},
				Rationale: fmt.Sprintf("elevated tier fallback, score %.1f", score),
			}, true
		}
	}

	return nil, false
}

func uniqueKindCount(signals []signal.Scored) int {
	seen := make(map[signal.Kind]struct{}, len(signals))
	for _, s := range signals {
		seen[s.Source] = struct{}{}
	}
	return len(seen)
}

// feeBpsForScore computes the dynamic MevProtection fee: 32 bps at
// score 0 rising linearly to 200 bps at score 100.
func feeBpsForScore(score float64) uint32 {
	fee := 32 + (score/100)*(200-32)
	return uint32(math.Round(fee))
}
