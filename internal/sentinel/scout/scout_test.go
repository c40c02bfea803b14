package scout

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/budget"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
)

type fakeFlashloans struct {
	match     bool
	magnitude float64
	hasMag    bool
}

func (f *fakeFlashloans) IsFlashloanCall(sources.PendingTx) bool { return f.match }
func (f *fakeFlashloans) LoanMagnitude(sources.PendingTx) (float64, bool) {
	return f.magnitude, f.hasMag
}

func newScout(t *testing.T, mutate func(*config.ScoutConfig), fl sources.FlashloanSource) (*Scout, *[]signal.Raw) {
	t.Helper()
	cfg := config.Default().Scout
	if mutate != nil {
		mutate(&cfg)
	}
	var emitted []signal.Raw
	s, err := New(cfg, Options{
		Budget:     budget.New(budget.Config{MaxCalls: 1000, RefillInterval: 1, QuietThresholdFrac: 0.25}),
		Logger:     zap.NewNop(),
		Emit:       func(r signal.Raw) { emitted = append(emitted, r) },
		Flashloans: fl,
	})
	require.NoError(t, err)
	return s, &emitted
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func tx(chain string, value *big.Int, tsMs int64) sources.PendingTx {
	return sources.PendingTx{
		Hash:     "0xabc",
		From:     "0xfrom",
		To:       "0xto",
		ValueWei: value,
		Chain:    chain,
		TsMs:     tsMs,
	}
}

func ofKind(emitted []signal.Raw, kind signal.Kind) []signal.Raw {
	var out []signal.Raw
	for _, r := range emitted {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func TestLargeSwapMagnitudeLogScale(t *testing.T) {
	assert.Equal(t, 0.0, largeSwapMagnitude(ether(1)))
	assert.InDelta(t, 1.0/3.0, largeSwapMagnitude(ether(10)), 1e-6)
	assert.InDelta(t, 2.0/3.0, largeSwapMagnitude(ether(100)), 1e-6)
	assert.InDelta(t, 1.0, largeSwapMagnitude(ether(1000)), 1e-6)
	assert.Equal(t, 1.0, largeSwapMagnitude(ether(100_000)))
	assert.Equal(t, 0.0, largeSwapMagnitude(nil))
	assert.Equal(t, 0.0, largeSwapMagnitude(big.NewInt(0)))
}

func TestPendingTxEmitsLargeSwap(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	s.HandlePendingTx(tx("ethereum", ether(100), 1000))

	swaps := ofKind(*emitted, signal.LargeSwap)
	require.Len(t, swaps, 1)
	assert.InDelta(t, 2.0/3.0, swaps[0].Magnitude, 1e-6)
	assert.Equal(t, "ethereum", swaps[0].Chain)
	assert.Equal(t, "ethereum:unknown/unknown", swaps[0].PoolKey)
}

func TestMinValueFilterSuppressesSmallTransfers(t *testing.T) {
	s, emitted := newScout(t, func(c *config.ScoutConfig) {
		c.MinValueWei = ether(50).String()
	}, nil)

	s.HandlePendingTx(tx("ethereum", ether(10), 1000))
	assert.Empty(t, ofKind(*emitted, signal.LargeSwap))

	s.HandlePendingTx(tx("ethereum", ether(100), 2000))
	assert.Len(t, ofKind(*emitted, signal.LargeSwap), 1)
}

func TestToAllowlistFiltersTransactions(t *testing.T) {
	s, emitted := newScout(t, func(c *config.ScoutConfig) {
		c.ToAllowlist = []string{"0xrouter"}
	}, nil)

	s.HandlePendingTx(tx("ethereum", ether(100), 1000))
	assert.Empty(t, *emitted)

	allowed := tx("ethereum", ether(100), 2000)
	allowed.To = "0xrouter"
	s.HandlePendingTx(allowed)
	assert.NotEmpty(t, ofKind(*emitted, signal.LargeSwap))
}

func TestFlashloanPresenceEmitsFullMagnitude(t *testing.T) {
	s, emitted := newScout(t, nil, &fakeFlashloans{match: true})

	s.HandlePendingTx(tx("ethereum", ether(2), 1000))

	loans := ofKind(*emitted, signal.FlashLoan)
	require.Len(t, loans, 1)
	assert.Equal(t, 1.0, loans[0].Magnitude)
}

func TestFlashloanNormalizerOverridesMagnitude(t *testing.T) {
	s, emitted := newScout(t, nil, &fakeFlashloans{match: true, magnitude: 0.7, hasMag: true})

	s.HandlePendingTx(tx("ethereum", ether(2), 1000))

	loans := ofKind(*emitted, signal.FlashLoan)
	require.Len(t, loans, 1)
	assert.Equal(t, 0.7, loans[0].Magnitude)
}

func TestGasSpikeAgainstOwnBaseline(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	// First sample only seeds the baseline.
	s.HandleGasSample(sources.GasSample{Chain: "ethereum", GweiMean: 50, TsMs: 1000})
	assert.Empty(t, *emitted)

	// Double the baseline with the default 2x spike multiplier.
	s.HandleGasSample(sources.GasSample{Chain: "ethereum", GweiMean: 100, TsMs: 2000})
	spikes := ofKind(*emitted, signal.GasSpike)
	require.Len(t, spikes, 1)
	assert.InDelta(t, 0.5, spikes[0].Magnitude, 1e-6)
}

func TestGasBelowBaselineIsSilent(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	s.HandleGasSample(sources.GasSample{Chain: "ethereum", GweiMean: 50, TsMs: 1000})
	s.HandleGasSample(sources.GasSample{Chain: "ethereum", GweiMean: 40, TsMs: 2000})
	assert.Empty(t, *emitted)
}

func TestGasBaselinesArePerChain(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	s.HandleGasSample(sources.GasSample{Chain: "ethereum", GweiMean: 50, TsMs: 1000})
	// A first sample on another chain must not spike against ethereum's
	// baseline.
	s.HandleGasSample(sources.GasSample{Chain: "polygon", GweiMean: 500, TsMs: 1000})
	assert.Empty(t, *emitted)
}

func TestPriceMoveBetweenConsecutiveSamples(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	s.HandlePriceSample(sources.PriceSample{Chain: "ethereum", Pair: "ETH/USDC", PriceUsd: 3000, TsMs: 1000})
	assert.Empty(t, *emitted)

	// 5% tick against the default 10% max: magnitude 0.5.
	s.HandlePriceSample(sources.PriceSample{Chain: "ethereum", Pair: "ETH/USDC", PriceUsd: 3150, TsMs: 2000})
	moves := ofKind(*emitted, signal.PriceMove)
	require.Len(t, moves, 1)
	assert.InDelta(t, 0.5, moves[0].Magnitude, 1e-6)
	assert.Equal(t, "ethereum:ETH/USDC", moves[0].PoolKey)
}

func TestPriceMoveSaturatesAtConfiguredMax(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	s.HandlePriceSample(sources.PriceSample{Chain: "ethereum", Pair: "ETH/USDC", PriceUsd: 3000, TsMs: 1000})
	s.HandlePriceSample(sources.PriceSample{Chain: "ethereum", Pair: "ETH/USDC", PriceUsd: 4500, TsMs: 2000})

	moves := ofKind(*emitted, signal.PriceMove)
	require.Len(t, moves, 1)
	assert.Equal(t, 1.0, moves[0].Magnitude)
}

func TestMempoolClusterThresholdAndDebounce(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	// Default threshold 3: two suspicious transactions stay quiet.
	s.HandlePendingTx(tx("ethereum", ether(5), 1000))
	s.HandlePendingTx(tx("ethereum", ether(5), 1100))
	assert.Empty(t, ofKind(*emitted, signal.MempoolCluster))

	// Third inside the window trips the cluster signal.
	s.HandlePendingTx(tx("ethereum", ether(5), 1200))
	clusters := ofKind(*emitted, signal.MempoolCluster)
	require.Len(t, clusters, 1)
	assert.InDelta(t, 0.3, clusters[0].Magnitude, 1e-6) // 3 of clusterMax 10

	// Further suspicious traffic inside the same window is debounced.
	s.HandlePendingTx(tx("ethereum", ether(5), 1300))
	s.HandlePendingTx(tx("ethereum", ether(5), 1400))
	assert.Len(t, ofKind(*emitted, signal.MempoolCluster), 1)

	// A fresh window may emit again.
	s.HandlePendingTx(tx("ethereum", ether(5), 1200+30_000))
	s.HandlePendingTx(tx("ethereum", ether(5), 1300+30_000))
	s.HandlePendingTx(tx("ethereum", ether(5), 1400+30_000))
	assert.Len(t, ofKind(*emitted, signal.MempoolCluster), 2)
}

func TestSwapCalldataCountsAsSuspicious(t *testing.T) {
	s, emitted := newScout(t, nil, nil)

	swapTx := func(tsMs int64) sources.PendingTx {
		p := tx("ethereum", big.NewInt(0), tsMs)
		p.Calldata = []byte{0x38, 0xed, 0x17, 0x39, 0x00}
		return p
	}
	s.HandlePendingTx(swapTx(1000))
	s.HandlePendingTx(swapTx(1100))
	s.HandlePendingTx(swapTx(1200))

	assert.Len(t, ofKind(*emitted, signal.MempoolCluster), 1)
}

func TestInvalidMinValueWeiRejectedAtConstruction(t *testing.T) {
	cfg := config.Default().Scout
	cfg.MinValueWei = "not-a-number"
	_, err := New(cfg, Options{Logger: zap.NewNop()})
	assert.Error(t, err)
}
