package riskengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// scenarioConfig is the end-to-end scenario configuration: defaults
// with a faster EMA and tighter hysteresis bands.
func scenarioConfig() config.EngineConfig {
	cfg := config.Default()
	cfg.EmaAlpha = 0.5
	cfg.Hysteresis = config.Hysteresis{
		WatchToElevated:    config.Band{Up: 30, Down: 15},
		ElevatedToCritical: config.Band{Up: 65, Down: 40},
	}
	return cfg
}

type capture struct {
	decisions []decision.Decision
	cleared   []Cleared
}

func newEngine(t *testing.T, cfg config.EngineConfig) (*Engine, *capture) {
	t.Helper()
	c := &capture{}
	e := New(cfg, zap.NewNop(),
		func(d decision.Decision) { c.decisions = append(c.decisions, d) },
		func(poolKey string, tier statemachine.Tier, score float64, tsMs int64) {
			c.cleared = append(c.cleared, Cleared{PoolKey: poolKey, Tier: tier, Score: score, TimestampMs: tsMs})
		})
	return e, c
}

func raw(kind signal.Kind, pool string, magnitude float64, tsMs int64) signal.Raw {
	return signal.Raw{
		Kind:        kind,
		Chain:       "ethereum",
		Pair:        "ETH/USDC",
		PoolKey:     pool,
		Magnitude:   magnitude,
		TimestampMs: tsMs,
	}
}

func TestMevBurstEmitsMevProtection(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.FlashLoan, "P", 0.95, 0))
	e.IngestSignal(raw(signal.GasSpike, "P", 0.90, 100))
	e.IngestSignal(raw(signal.LargeSwap, "P", 0.85, 200))

	require.NotEmpty(t, c.decisions)
	d := c.decisions[0]
	assert.Equal(t, "P", d.PoolKey)
	assert.Contains(t, []statemachine.Tier{statemachine.Elevated, statemachine.Critical}, d.Tier)
	require.Equal(t, decision.ActionMevProtection, d.Action.Kind())
	fee := d.Action.(decision.MevProtection).FeeBps
	assert.GreaterOrEqual(t, fee, uint32(32))
	assert.LessOrEqual(t, fee, uint32(200))

	kinds := make(map[signal.Kind]bool)
	for _, s := range d.ContributingSignals {
		kinds[s.Source] = true
	}
	assert.True(t, kinds[signal.FlashLoan])
	assert.True(t, kinds[signal.GasSpike])
	assert.True(t, kinds[signal.LargeSwap])
}

func TestOracleAlertEmitsOracleValidation(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.OracleManipulation, "Q", 0.45, 0))
	e.IngestSignal(raw(signal.OracleManipulation, "Q", 0.60, 500))

	require.NotEmpty(t, c.decisions)
	d := c.decisions[0]
	assert.Equal(t, decision.ActionOracleValidation, d.Action.Kind())
	assert.Equal(t, statemachine.Elevated, d.Tier)
}

func TestCoordinatedAttackTripsCircuitBreaker(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	burst := []signal.Kind{signal.FlashLoan, signal.GasSpike, signal.LargeSwap, signal.PriceMove}
	for _, k := range burst {
		e.IngestSignal(raw(k, "R", 0.99, 0))
	}
	for _, k := range burst {
		e.IngestSignal(raw(k, "R", 0.99, 100))
	}
	e.IngestSignal(raw(signal.OracleManipulation, "R", 0.95, 200))

	require.NotEmpty(t, c.decisions)
	last := c.decisions[len(c.decisions)-1]
	assert.Equal(t, statemachine.Critical, last.Tier)
	require.Equal(t, decision.ActionCircuitBreaker, last.Action.Kind())
	assert.NotEmpty(t, last.Rationale)
}

func TestSingleWeakSignalEmitsNothing(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.FlashLoan, "S", 0.6, 0))

	assert.Empty(t, c.decisions)
	assert.Equal(t, statemachine.Watch, e.PoolTier("S"))
}

func TestDownTransitionClearsDecision(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.FlashLoan, "T", 0.95, 0))
	e.IngestSignal(raw(signal.MempoolCluster, "T", 0.90, 100))
	require.NotEmpty(t, c.decisions, "two strong MEV signals should elevate the pool")
	require.Equal(t, statemachine.Elevated, e.PoolTier("T"))

	// A tiny price move after the correlation window has lapsed: the
	// window empties and the pool drops back to Watch.
	e.IngestSignal(raw(signal.PriceMove, "T", 0.01, 100+25_000))

	require.Len(t, c.cleared, 1)
	assert.Equal(t, "T", c.cleared[0].PoolKey)
	assert.Equal(t, statemachine.Watch, c.cleared[0].Tier)
	_, ok := e.LastDecision("T")
	assert.False(t, ok, "cleared pool must not retain a last decision")

	for _, d := range c.decisions {
		assert.NotEqual(t, decision.ActionCircuitBreaker, d.Action.Kind())
	}
}

func TestReplayDeterminism(t *testing.T) {
	seq := []signal.Raw{
		raw(signal.FlashLoan, "P", 0.95, 0),
		raw(signal.GasSpike, "P", 0.90, 100),
		raw(signal.LargeSwap, "P", 0.85, 200),
		raw(signal.OracleManipulation, "P", 0.45, 300),
		raw(signal.MempoolCluster, "P", 0.70, 400),
	}

	e1, c1 := newEngine(t, scenarioConfig())
	e2, c2 := newEngine(t, scenarioConfig())
	for _, s := range seq {
		e1.IngestSignal(s)
	}
	for _, s := range seq {
		e2.IngestSignal(s)
	}

	require.Equal(t, len(c1.decisions), len(c2.decisions))
	assert.Equal(t, c1.decisions, c2.decisions)
}

func TestDecisionProvenance(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.FlashLoan, "P", 0.95, 0))
	e.IngestSignal(raw(signal.GasSpike, "P", 0.90, 100))
	e.IngestSignal(raw(signal.LargeSwap, "P", 0.85, 200))
	e.IngestSignal(raw(signal.OracleManipulation, "P", 0.9, 300))

	require.NotEmpty(t, c.decisions)
	for _, d := range c.decisions {
		var sum float64
		for _, s := range d.ContributingSignals {
			sum += s.WeightedScore
		}
		if sum > 100 {
			sum = 100
		}
		assert.InDelta(t, d.CompositeScore, sum, 1e-9)
		assert.GreaterOrEqual(t, d.CompositeScore, 0.0)
		assert.LessOrEqual(t, d.CompositeScore, 100.0)
	}
}

func TestDecisionTimestampsStrictlyIncreasePerPool(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	// Oracle kinds keep scoring well above their saturated thresholds,
	// so repeated bursts hold the pool at Elevated and refresh the
	// decision whenever its TTL lapses.
	ts := int64(0)
	for i := 0; i < 20; i++ {
		e.IngestSignal(raw(signal.OracleManipulation, "P", 0.95, ts))
		e.IngestSignal(raw(signal.CrossChainInconsistency, "P", 0.9, ts+50))
		ts += 30_000
	}

	require.Greater(t, len(c.decisions), 1)
	for i := 1; i < len(c.decisions); i++ {
		assert.Greater(t, c.decisions[i].TimestampMs, c.decisions[i-1].TimestampMs)
	}
}

func TestMalformedMagnitudeIsClamped(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	nan := raw(signal.FlashLoan, "P", 0, 0)
	nan.Magnitude = nanFloat()
	e.IngestSignal(nan)
	e.IngestSignal(raw(signal.FlashLoan, "P", -5, 100))
	e.IngestSignal(raw(signal.FlashLoan, "P", 7, 200))

	assert.Empty(t, c.decisions, "clamped garbage alone must not trip the pool")
	for _, p := range e.MonitoredPools() {
		assert.LessOrEqual(t, p.CompositeScore, 100.0)
		assert.GreaterOrEqual(t, p.CompositeScore, 0.0)
	}
}

func nanFloat() float64 {
	var zero float64
	return zero / zero
}

func TestUnknownPoolReportsWatch(t *testing.T) {
	e, _ := newEngine(t, scenarioConfig())
	assert.Equal(t, statemachine.Watch, e.PoolTier("never-seen"))
	_, ok := e.LastDecision("never-seen")
	assert.False(t, ok)
}

func TestEvictIdleRestartsPoolFresh(t *testing.T) {
	cfg := scenarioConfig()
	e, c := newEngine(t, cfg)

	e.IngestSignal(raw(signal.FlashLoan, "P", 0.95, 0))
	e.IngestSignal(raw(signal.MempoolCluster, "P", 0.9, 100))
	require.Equal(t, statemachine.Elevated, e.PoolTier("P"))

	// Age the window out, then evict.
	e.IngestSignal(raw(signal.PriceMove, "P", 0.01, 100+30_000))
	e.EvictIdle(10_000_000, 60_000)
	assert.Empty(t, e.MonitoredPools())

	// Re-driving the pool behaves exactly like a fresh one.
	before := len(c.decisions)
	e.IngestSignal(raw(signal.FlashLoan, "P", 0.95, 20_000_000))
	e.IngestSignal(raw(signal.MempoolCluster, "P", 0.9, 20_000_100))
	assert.Greater(t, len(c.decisions), before)
	assert.Equal(t, statemachine.Elevated, e.PoolTier("P"))
}

func TestTTLRefreshReEmitsWhileElevated(t *testing.T) {
	e, c := newEngine(t, scenarioConfig())

	e.IngestSignal(raw(signal.FlashLoan, "P", 0.95, 0))
	e.IngestSignal(raw(signal.MempoolCluster, "P", 0.9, 100))
	require.Len(t, c.decisions, 1)
	first := c.decisions[0]

	// Still inside the window, past the first decision's TTL: the
	// engine refreshes the decision without a tier transition.
	e.IngestSignal(raw(signal.LargeSwap, "P", 0.9, first.ExpiresAtMs()+1))
	require.Len(t, c.decisions, 2)
	assert.Greater(t, c.decisions[1].TimestampMs, first.TimestampMs)
}
