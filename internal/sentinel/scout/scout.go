// Package scout implements the Scout normalizer: it turns
// heterogeneous chain observations (pending mempool transactions,
// flash-loan callsites, gas samples, DEX price samples) into the
// single typed RawSignal stream the risk engine consumes, and detects
// short-window mempool clusters.
package scout

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	talib "github.com/markcheno/go-talib"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/budget"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
)

// Emit hands a normalized signal downstream. Implementations must not
// block; the bus's publish path is non-blocking by contract.
type Emit func(signal.Raw)

// gasEmaPeriod is the talib EMA period used for the per-chain gas
// baseline. Below this many samples a plain mean seeds the baseline.
const gasEmaPeriod = 20

// gasHistoryMax bounds the retained per-chain gas sample history.
const gasHistoryMax = 128

// swapSelectors are the 4-byte calldata prefixes the cluster predicate
// treats as swap traffic (Uniswap v2/v3 router entry points).
var swapSelectors = [][4]byte{
	{0x38, 0xed, 0x17, 0x39}, // swapExactTokensForTokens
	{0x7f, 0xf3, 0x6a, 0xb5}, // swapExactETHForTokens
	{0x18, 0xcb, 0xaf, 0xe5}, // swapExactTokensForETH
	{0x41, 0x4b, 0xf3, 0x89}, // exactInputSingle
	{0xc0, 0x4b, 0x8d, 0x59}, // exactInput
	{0x04, 0xe4, 0x5a, 0xaf}, // exactInputSingle (v3 router 2)
}

var weiPerEther = new(big.Float).SetFloat64(1e18)

type chainGasState struct {
	history []float64
}

// Scout owns one normalization pipeline across any number of chains.
// Every provider read is gated by the shared RPC budget; a denied
// consume skips that cycle entirely.
type Scout struct {
	cfg    config.ScoutConfig
	budget *budget.Budget
	logger *zap.Logger
	emit   Emit

	mempools   []sources.MempoolSource
	prices     []sources.PriceSource
	gas        []sources.GasSource
	flashloans sources.FlashloanSource

	minValueWei *big.Int
	allowlist   map[string]struct{}
	toAllowlist map[string]struct{}

	// lastPrices retains the previous DEX sample per (chain, pair) so
	// PriceMove magnitudes can be measured tick-to-tick. Entries age
	// out on their own; a gap longer than the TTL restarts the series.
	lastPrices *gocache.Cache

	mu         sync.Mutex
	gasByChain map[string]*chainGasState

	clusters *clusterTracker

	dropped uint64 // signals dropped because emission failed
	skipped uint64 // provider reads skipped on budget denial
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Options carries Scout's constructor inputs beyond configuration.
type Options struct {
	Budget     *budget.Budget
	Logger     *zap.Logger
	Emit       Emit
	Mempools   []sources.MempoolSource
	Prices     []sources.PriceSource
	Gas        []sources.GasSource
	Flashloans sources.FlashloanSource
}

// New constructs a Scout. The optional MinValueWei filter is parsed
// here so a malformed value fails at startup.
func New(cfg config.ScoutConfig, opts Options) (*Scout, error) {
	var minValue *big.Int
	if cfg.MinValueWei != "" {
		v, ok := new(big.Int).SetString(cfg.MinValueWei, 10)
		if !ok {
			return nil, fmt.Errorf("scout: invalid minValueWei %q", cfg.MinValueWei)
		}
		minValue = v
	}

	allowlist := make(map[string]struct{}, len(cfg.PairAllowlist))
	for _, p := range cfg.PairAllowlist {
		allowlist[p] = struct{}{}
	}
	toAllowlist := make(map[string]struct{}, len(cfg.ToAllowlist))
	for _, a := range cfg.ToAllowlist {
		toAllowlist[a] = struct{}{}
	}

	// Generous TTL: consecutive samples of a pair can be minutes apart
	// under a quiet or exhausted budget, and a stale-tick restart is
	// preferable to losing the series entirely.
	const priceSeriesTTL = 10 * time.Minute
	return &Scout{
		cfg:         cfg,
		budget:      opts.Budget,
		logger:      opts.Logger,
		emit:        opts.Emit,
		mempools:    opts.Mempools,
		prices:      opts.Prices,
		gas:         opts.Gas,
		flashloans:  opts.Flashloans,
		minValueWei: minValue,
		allowlist:   allowlist,
		toAllowlist: toAllowlist,
		lastPrices:  gocache.New(priceSeriesTTL, 2*priceSeriesTTL),
		gasByChain:  make(map[string]*chainGasState),
		clusters:    newClusterTracker(cfg.ClusterWindowMs, cfg.ClusterThreshold, cfg.ClusterMax),
	}, nil
}

// Dropped reports how many signals were lost to emission failures.
func (s *Scout) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Skipped reports how many provider reads were skipped on budget
// denial.
func (s *Scout) Skipped() uint64 { return atomic.LoadUint64(&s.skipped) }

// Start launches one goroutine per mempool source plus one poll loop
// per price/gas source. It returns immediately; Stop cancels
// everything and waits.
func (s *Scout) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, mp := range s.mempools {
		mp := mp
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMempool(ctx, mp)
		}()
	}
	for _, ps := range s.prices {
		ps := ps
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runPricePolls(ctx, ps)
		}()
	}
	for _, gs := range s.gas {
		gs := gs
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runGasPolls(ctx, gs)
		}()
	}
}

// Stop cancels all source loops and waits for them to drain, bounded
// by ctx's deadline.
func (s *Scout) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scout stop exceeded grace period")
	}
}

func (s *Scout) runMempool(ctx context.Context, mp sources.MempoolSource) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.budget.TryConsume(1) {
			atomic.AddUint64(&s.skipped, 1)
			if !sleepCtx(ctx, s.pollInterval()) {
				return
			}
			continue
		}
		tx, err := mp.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("mempool read failed, skipping cycle",
				zap.String("chain", mp.Chain()), zap.Error(err))
			if !sleepCtx(ctx, s.pollInterval()) {
				return
			}
			continue
		}
		s.HandlePendingTx(tx)
	}
}

func (s *Scout) runPricePolls(ctx context.Context, ps sources.PriceSource) {
	for {
		for _, pair := range ps.Pairs() {
			if ctx.Err() != nil {
				return
			}
			if len(s.allowlist) > 0 {
				if _, ok := s.allowlist[pair]; !ok {
					continue
				}
			}
			if !s.budget.TryConsume(1) {
				atomic.AddUint64(&s.skipped, 1)
				continue
			}
			sample, err := ps.Sample(ctx, pair)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("price sample failed, skipping cycle",
					zap.String("chain", ps.Chain()), zap.String("pair", pair), zap.Error(err))
				continue
			}
			s.HandlePriceSample(sample)
		}
		if !sleepCtx(ctx, s.pollInterval()) {
			return
		}
	}
}

func (s *Scout) runGasPolls(ctx context.Context, gs sources.GasSource) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.budget.TryConsume(1) {
			sample, err := gs.Sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("gas sample failed, skipping cycle",
					zap.String("chain", gs.Chain()), zap.Error(err))
			} else {
				s.HandleGasSample(sample)
			}
		} else {
			atomic.AddUint64(&s.skipped, 1)
		}
		if !sleepCtx(ctx, s.pollInterval()) {
			return
		}
	}
}

// pollInterval widens automatically as the shared budget drains.
func (s *Scout) pollInterval() time.Duration {
	return time.Duration(s.budget.RecommendedPollIntervalMs()) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// HandlePendingTx normalizes one mempool transaction: a LargeSwap
// and/or FlashLoan signal for the transaction itself, plus a possible
// MempoolCluster signal when the short-window suspicious count for the
// transaction's (chain, pair) crosses the cluster threshold. Exported
// so push-style adapters (e.g. a WebSocket subscription) can feed the
// pipeline directly without a poll loop.
func (s *Scout) HandlePendingTx(tx sources.PendingTx) {
	if len(s.toAllowlist) > 0 {
		if _, ok := s.toAllowlist[tx.To]; !ok {
			return
		}
	}
	if s.minValueWei != nil && tx.ValueWei != nil && tx.ValueWei.Cmp(s.minValueWei) < 0 && !s.isSwapCalldata(tx.Calldata) {
		return
	}
	pair := "unknown/unknown"
	poolKey := tx.Chain + ":" + pair
	nowMs := tx.TsMs

	if s.flashloans != nil && s.flashloans.IsFlashloanCall(tx) {
		magnitude := 1.0
		if m, ok := s.flashloans.LoanMagnitude(tx); ok {
			magnitude = m
		}
		s.send(signal.Raw{
			Kind:        signal.FlashLoan,
			Chain:       tx.Chain,
			Pair:        pair,
			PoolKey:     poolKey,
			Magnitude:   magnitude,
			TimestampMs: nowMs,
			Evidence:    map[string]any{"txHash": tx.Hash, "to": tx.To},
		})
	}

	if m := largeSwapMagnitude(tx.ValueWei); m > 0 {
		s.send(signal.Raw{
			Kind:        signal.LargeSwap,
			Chain:       tx.Chain,
			Pair:        pair,
			PoolKey:     poolKey,
			Magnitude:   m,
			TimestampMs: nowMs,
			Evidence:    map[string]any{"txHash": tx.Hash, "valueWei": tx.ValueWei.String()},
		})
	}

	if s.isSuspicious(tx) {
		key := tx.Chain + ":" + pair
		if magnitude, due := s.clusters.observe(key, nowMs); due {
			s.send(signal.Raw{
				Kind:        signal.MempoolCluster,
				Chain:       tx.Chain,
				Pair:        pair,
				PoolKey:     poolKey,
				Magnitude:   magnitude,
				TimestampMs: nowMs,
				Evidence:    map[string]any{"lastTxHash": tx.Hash},
			})
		}
	}
}

// HandleGasSample folds one gas observation into the chain's EMA
// baseline and emits a GasSpike when the current reading outruns it.
func (s *Scout) HandleGasSample(sample sources.GasSample) {
	s.mu.Lock()
	st, ok := s.gasByChain[sample.Chain]
	if !ok {
		st = &chainGasState{}
		s.gasByChain[sample.Chain] = st
	}
	baseline, haveBaseline := gasBaseline(st.history)
	st.history = append(st.history, sample.GweiMean)
	if len(st.history) > gasHistoryMax {
		st.history = st.history[len(st.history)-gasHistoryMax:]
	}
	s.mu.Unlock()

	if !haveBaseline || baseline <= 0 {
		return // first sample only seeds the baseline
	}
	magnitude := (sample.GweiMean/baseline - 1) / s.cfg.GasSpikeMultiplier
	if magnitude <= 0 {
		return
	}
	if magnitude > 1 {
		magnitude = 1
	}
	pair := "unknown/unknown"
	s.send(signal.Raw{
		Kind:        signal.GasSpike,
		Chain:       sample.Chain,
		Pair:        pair,
		PoolKey:     sample.Chain + ":" + pair,
		Magnitude:   magnitude,
		TimestampMs: sample.TsMs,
		Evidence:    map[string]any{"gweiMean": sample.GweiMean, "baselineGwei": baseline},
	})
}

// gasBaseline computes the chain's EMA gas baseline from retained
// history: a talib EMA once enough samples exist, a plain mean while
// the series is still warming up.
func gasBaseline(history []float64) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	if len(history) < gasEmaPeriod {
		var sum float64
		for _, v := range history {
			sum += v
		}
		return sum / float64(len(history)), true
	}
	ema := talib.Ema(history, gasEmaPeriod)
	return ema[len(ema)-1], true
}

// HandlePriceSample measures the tick-over-tick relative price change
// for (chain, pair) and emits a PriceMove when it is nonzero.
func (s *Scout) HandlePriceSample(sample sources.PriceSample) {
	key := sample.Chain + ":" + sample.Pair
	defer s.lastPrices.SetDefault(key, sample)

	prevAny, ok := s.lastPrices.Get(key)
	if !ok {
		return
	}
	prev := prevAny.(sources.PriceSample)
	if prev.PriceUsd <= 0 || sample.TsMs <= prev.TsMs {
		return
	}
	change := math.Abs(sample.PriceUsd-prev.PriceUsd) / prev.PriceUsd
	if change == 0 {
		return
	}
	magnitude := change / s.cfg.PriceMoveMaxTick
	if magnitude > 1 {
		magnitude = 1
	}
	s.send(signal.Raw{
		Kind:        signal.PriceMove,
		Chain:       sample.Chain,
		Pair:        sample.Pair,
		PoolKey:     key,
		Magnitude:   magnitude,
		TimestampMs: sample.TsMs,
		Evidence: map[string]any{
			"priceUsd":     sample.PriceUsd,
			"prevPriceUsd": prev.PriceUsd,
			"source":       sample.Source,
		},
	})
}

func (s *Scout) isSuspicious(tx sources.PendingTx) bool {
	if s.minValueWei != nil && tx.ValueWei != nil && tx.ValueWei.Cmp(s.minValueWei) >= 0 {
		return true
	}
	if s.minValueWei == nil && tx.ValueWei != nil && tx.ValueWei.Sign() > 0 {
		return true
	}
	return s.isSwapCalldata(tx.Calldata)
}

func (s *Scout) isSwapCalldata(calldata []byte) bool {
	if len(calldata) < 4 {
		return false
	}
	for _, sel := range swapSelectors {
		if calldata[0] == sel[0] && calldata[1] == sel[1] && calldata[2] == sel[2] && calldata[3] == sel[3] {
			return true
		}
	}
	return false
}

// largeSwapMagnitude maps transaction value to [0,1] on a log scale:
// 1 ETH maps to 0 and 1000 ETH saturates at 1.
func largeSwapMagnitude(valueWei *big.Int) float64 {
	if valueWei == nil || valueWei.Sign() <= 0 {
		return 0
	}
	ether, _ := new(big.Float).Quo(new(big.Float).SetInt(valueWei), weiPerEther).Float64()
	if ether <= 1 {
		return 0
	}
	m := math.Log10(ether) / 3
	if m > 1 {
		return 1
	}
	return m
}

func (s *Scout) send(raw signal.Raw) {
	raw.Clamp()
	if s.emit == nil {
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	s.emit(raw)
}
