// Package oraclevalidator reconciles DEX prices against external
// oracle feeds and across chains, emitting OracleManipulation and
// CrossChainInconsistency signals into the same stream Scout feeds.
// The package name sidesteps a collision with go-playground/validator,
// which Sentinel reserves for configuration validation.
package oraclevalidator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/budget"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
)

// Emit hands a validated signal downstream; must not block.
type Emit func(signal.Raw)

type chainPrice struct {
	priceUsd float64
	tsMs     int64
}

// Validator runs the per-pair oracle check and the cross-chain spread
// check over the DEX price samples it observes.
type Validator struct {
	cfg    config.OracleValidatorConfig
	budget *budget.Budget
	logger *zap.Logger
	emit   Emit

	oracle sources.OracleSource
	prices []sources.PriceSource

	mu sync.Mutex
	// byPair holds last-known DEX price per chain, keyed pair -> chain.
	byPair map[string]map[string]chainPrice

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Validator. oracle may be nil, in which case only
// the cross-chain check runs.
func New(cfg config.OracleValidatorConfig, b *budget.Budget, logger *zap.Logger, emit Emit, oracle sources.OracleSource, prices []sources.PriceSource) *Validator {
	return &Validator{
		cfg:    cfg,
		budget: b,
		logger: logger,
		emit:   emit,
		oracle: oracle,
		prices: prices,
		byPair: make(map[string]map[string]chainPrice),
	}
}

// Start launches one poll loop per price source. Stop cancels them and
// waits.
func (v *Validator) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	for _, ps := range v.prices {
		ps := ps
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.runPolls(ctx, ps)
		}()
	}
}

// Stop cancels all poll loops and waits for them to drain, bounded by
// ctx's deadline.
func (v *Validator) Stop(ctx context.Context) {
	if v.cancel != nil {
		v.cancel()
	}
	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		v.logger.Warn("validator stop exceeded grace period")
	}
}

func (v *Validator) runPolls(ctx context.Context, ps sources.PriceSource) {
	for {
		for _, pair := range ps.Pairs() {
			if ctx.Err() != nil {
				return
			}
			if !v.budget.TryConsume(1) {
				continue
			}
			sample, err := ps.Sample(ctx, pair)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				v.logger.Warn("validator price sample failed, skipping cycle",
					zap.String("chain", ps.Chain()), zap.String("pair", pair), zap.Error(err))
				continue
			}
			v.CheckSample(ctx, sample)
		}
		interval := time.Duration(v.budget.RecommendedPollIntervalMs()) * time.Millisecond
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// CheckSample runs both validation checks for one DEX price sample.
// Exported so push-style price feeds can drive the validator directly.
func (v *Validator) CheckSample(ctx context.Context, sample sources.PriceSample) {
	v.checkOracle(ctx, sample)
	v.checkCrossChain(sample)
}

// checkOracle fetches the configured oracle feeds for the sample's
// pair, builds a median consensus from the non-stale ones, and emits
// OracleManipulation when the DEX price deviates beyond the threshold.
func (v *Validator) checkOracle(ctx context.Context, sample sources.PriceSample) {
	if v.oracle == nil {
		return
	}
	staleBefore := time.UnixMilli(sample.TsMs).Add(-time.Duration(v.cfg.StaleThresholdSec) * time.Second)

	var feeds []float64
	if v.budget.TryConsume(1) {
		round, err := v.oracle.Chainlink(ctx, sample.Chain, sample.Pair)
		if err != nil {
			v.logger.Debug("chainlink fetch failed",
				zap.String("pair", sample.Pair), zap.Error(err))
		} else if round.UpdatedAt.After(staleBefore) {
			feeds = append(feeds, round.Price)
		}
	}
	if v.budget.TryConsume(1) {
		px, err := v.oracle.Pyth(ctx, sample.Chain, sample.Pair)
		if err != nil {
			v.logger.Debug("pyth fetch failed",
				zap.String("pair", sample.Pair), zap.Error(err))
		} else if px.PublishTime.After(staleBefore) {
			feeds = append(feeds, px.Price*math.Pow10(int(px.Expo)))
		}
	}
	if len(feeds) < v.cfg.MinOraclesRequired {
		return
	}

	sort.Float64s(feeds)
	consensus := stat.Quantile(0.5, stat.Empirical, feeds, nil)
	if consensus <= 0 || sample.PriceUsd <= 0 {
		return
	}
	deviationPct := math.Abs(consensus-sample.PriceUsd) / ((consensus + sample.PriceUsd) / 2) * 100
	if deviationPct <= v.cfg.OracleDeviationThresholdPct {
		return
	}
	magnitude := deviationPct / 100
	if magnitude > 1 {
		magnitude = 1
	}
	v.emit(signal.Raw{
		Kind:        signal.OracleManipulation,
		Chain:       sample.Chain,
		Pair:        sample.Pair,
		PoolKey:     sample.Chain + ":" + sample.Pair,
		Magnitude:   magnitude,
		TimestampMs: sample.TsMs,
		Evidence: map[string]any{
			"dexPriceUsd":    sample.PriceUsd,
			"consensusUsd":   consensus,
			"deviationPct":   deviationPct,
			"oracleFeedUsed": len(feeds),
		},
	})
}

// checkCrossChain folds the sample into the per-pair price table,
// evicts aged entries, and emits CrossChainInconsistency when the
// spread across chains exceeds the configured basis points.
func (v *Validator) checkCrossChain(sample sources.PriceSample) {
	v.mu.Lock()
	chains, ok := v.byPair[sample.Pair]
	if !ok {
		chains = make(map[string]chainPrice)
		v.byPair[sample.Pair] = chains
	}
	chains[sample.Chain] = chainPrice{priceUsd: sample.PriceUsd, tsMs: sample.TsMs}

	cutoff := sample.TsMs - v.cfg.PriceAgeThresholdMs
	prices := make([]float64, 0, len(chains))
	for chain, cp := range chains {
		if cp.tsMs < cutoff {
			delete(chains, chain)
			continue
		}
		prices = append(prices, cp.priceUsd)
	}
	v.mu.Unlock()

	if len(prices) < v.cfg.MinChainsRequired {
		return
	}
	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	spreadBps := (hi - lo) / mean * 10_000
	if spreadBps <= v.cfg.CrossChainDeviationBps {
		return
	}
	magnitude := spreadBps / 10_000
	if magnitude > 1 {
		magnitude = 1
	}
	v.emit(signal.Raw{
		Kind:        signal.CrossChainInconsistency,
		Chain:       sample.Chain,
		Pair:        sample.Pair,
		PoolKey:     sample.Chain + ":" + sample.Pair,
		Magnitude:   magnitude,
		TimestampMs: sample.TsMs,
		Evidence: map[string]any{
			"spreadBps": spreadBps,
			"chains":    len(prices),
			"meanUsd":   mean,
		},
	})
}
