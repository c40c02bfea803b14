// Package signal defines the wire-level vocabulary shared by every
// Sentinel component: the kinds of observation Scout and the oracle
// validator can produce, and the raw/scored signal envelopes that
// travel between them and the risk engine.
package signal

// Kind tags the origin and nature of a RawSignal.
type Kind string

const (
	FlashLoan               Kind = "flash_loan"
	GasSpike                Kind = "gas_spike"
	LargeSwap               Kind = "large_swap"
	PriceMove               Kind = "price_move"
	MempoolCluster          Kind = "mempool_cluster"
	CrossChainAttack        Kind = "cross_chain_attack"
	OracleManipulation      Kind = "oracle_manipulation"
	CrossChainInconsistency Kind = "cross_chain_inconsistency"
)

// mevKinds is the set the decision mapper treats as MEV evidence.
var mevKinds = map[Kind]struct{}{
	FlashLoan:      {},
	GasSpike:       {},
	LargeSwap:      {},
	MempoolCluster: {},
}

// oracleKinds is the set the decision mapper treats as oracle evidence.
var oracleKinds = map[Kind]struct{}{
	OracleManipulation:      {},
	CrossChainInconsistency: {},
}

// IsMEV reports whether k belongs to the MEV signal set.
func (k Kind) IsMEV() bool {
	_, ok := mevKinds[k]
	return ok
}

// IsOracle reports whether k belongs to the oracle signal set.
func (k Kind) IsOracle() bool {
	_, ok := oracleKinds[k]
	return ok
}

// Raw is an observation normalized by Scout or the oracle validator.
// Magnitude must be clamped to [0,1] by the producer before it is
// handed to the risk engine.
type Raw struct {
	Kind        Kind
	Chain       string
	Pair        string
	PoolKey     string
	Magnitude   float64
	TimestampMs int64
	Evidence    map[string]any
}

// Clamp restores the [0,1] magnitude invariant on ingress, treating
// NaN and negative values as zero.
func (r *Raw) Clamp() {
	if r.Magnitude != r.Magnitude { // NaN
		r.Magnitude = 0
		return
	}
	if r.Magnitude < 0 {
		r.Magnitude = 0
	}
	if r.Magnitude > 1 {
		r.Magnitude = 1
	}
}

// Scored is the risk engine's internal accounting of a Raw signal once
// it has been run through an EmaTracker and weighted.
type Scored struct {
	Source        Kind
	Magnitude     float64
	Weight        float64
	WeightedScore float64
	TimestampMs   int64
}
