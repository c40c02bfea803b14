// Package riskengine implements Sentinel's analytical core: per-pool
// adaptive thresholds, a sliding correlation window, a hysteresis
// state machine, and the decision mapper, fused into a single
// synchronous ingest/evaluate pipeline.
package riskengine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/ema"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/window"
)

// DecisionSink receives every emitted RiskDecision.
type DecisionSink func(decision.Decision)

// ClearedSink receives a decisionCleared event when a pool drops back
// to Watch tier.
type ClearedSink func(poolKey string, tier statemachine.Tier, score float64, timestampMs int64)

// Cleared is the decisionCleared payload published on the bus.
type Cleared struct {
	PoolKey     string
	Tier        statemachine.Tier
	Score       float64
	TimestampMs int64
}

// poolState is the risk engine's exclusive, in-process record for one
// pool. No other component may read or mutate it; snapshot queries
// copy data out.
type poolState struct {
	win              *window.Window
	sm               *statemachine.Machine
	emaByKind        map[signal.Kind]*ema.Tracker
	lastDecision     *decision.Decision
	lastDecisionAtMs int64
	lastSeenMs       int64
	chain, pair      string
}

// MonitoredPool is a read-only snapshot returned by MonitoredPools.
type MonitoredPool struct {
	PoolKey        string
	Tier           statemachine.Tier
	CompositeScore float64
	LastDecision   *decision.Decision
}

// Engine is the risk engine. Ingest and evaluation are synchronous,
// bounded-time, and never suspend; a single mutex
// serializes pool-state access across concurrent producers (Scout and
// the oracle validator may call Ingest from different goroutines).
type Engine struct {
	cfg    config.EngineConfig
	logger *zap.Logger

	onDecision DecisionSink
	onCleared  ClearedSink

	mu      sync.Mutex
	pools   map[string]*poolState
	counter uint64
}

// New constructs an Engine. onDecision and onCleared must be non-nil;
// use a no-op if a caller doesn't care about one of the two outputs.
func New(cfg config.EngineConfig, logger *zap.Logger, onDecision DecisionSink, onCleared ClearedSink) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		onDecision: onDecision,
		onCleared:  onCleared,
		pools:      make(map[string]*poolState),
	}
}

func (e *Engine) poolFor(poolKey string) *poolState {
	ps, ok := e.pools[poolKey]
	if ok {
		return ps
	}
	ps = &poolState{
		win:       window.New(e.cfg.CorrelationWindowMs),
		sm:        statemachine.New(e.cfg.StateMachineConfig()),
		emaByKind: make(map[signal.Kind]*ema.Tracker),
	}
	e.pools[poolKey] = ps
	return ps
}

func (e *Engine) trackerFor(ps *poolState, kind signal.Kind) *ema.Tracker {
	tr, ok := ps.emaByKind[kind]
	if ok {
		return tr
	}
	base, ok := e.cfg.BaseThresholds[kind]
	if !ok || base <= 0 {
		base = 0.3 // defensive default; configuration validation should prevent this
	}
	tr, err := ema.New(base, e.cfg.EmaAlpha)
	if err != nil {
		// Construction only fails for a non-positive base or an alpha
		// outside (0,1], both excluded by EngineConfig.Validate() at
		// startup; reaching here is an internal invariant violation.
		e.logger.Error("ema tracker construction failed despite validated config", zap.Error(err), zap.String("kind", string(kind)))
		tr, _ = ema.New(0.3, 0.1)
	}
	ps.emaByKind[kind] = tr
	return tr
}

func (e *Engine) normalizedWeight(kind signal.Kind) float64 {
	var total float64
	for _, w := range e.cfg.RawWeights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	return e.cfg.RawWeights[kind] / total
}

// IngestSignal runs the full scoring pipeline for one RawSignal:
// resolve/create pool and EMA state, compute the weighted score,
// append it to the correlation window, then evaluate the pool's tier
// and possibly emit a decision. Malformed magnitudes are clamped, not
// rejected, so ingest never fails.
func (e *Engine) IngestSignal(s signal.Raw) {
	s.Clamp()

	e.mu.Lock()
	defer e.mu.Unlock()

	ps := e.poolFor(s.PoolKey)
	ps.lastSeenMs = s.TimestampMs
	if s.Chain != "" {
		ps.chain = s.Chain
	}
	if s.Pair != "" {
		ps.pair = s.Pair
	}
	tracker := e.trackerFor(ps, s.Kind)

	// Score against the threshold as it stood before this sample is
	// folded in: the first observation of a kind is judged against the
	// base threshold, not against a threshold its own magnitude just
	// widened. The sample still updates the tracker for the next one.
	threshold := tracker.Threshold()
	tracker.Update(s.Magnitude)
	excess := (s.Magnitude - threshold) / threshold
	if excess < 0 {
		excess = 0
	}
	normalized := excess
	if normalized > 1 {
		normalized = 1
	}
	weight := e.normalizedWeight(s.Kind)
	weightedScore := normalized * weight * 100

	scored := signal.Scored{
		Source:        s.Kind,
		Magnitude:     s.Magnitude,
		Weight:        weight,
		WeightedScore: weightedScore,
		TimestampMs:   s.TimestampMs,
	}
	ps.win.Add(scored, s.TimestampMs)

	e.evaluate(s.PoolKey, ps, s.TimestampMs)
}

func (e *Engine) evaluate(poolKey string, ps *poolState, nowMs int64) {
	score := ps.win.CompositeScore()
	tier, transitioned := ps.sm.Update(score)

	ttlElapsed := ps.lastDecision != nil && nowMs >= ps.lastDecision.ExpiresAtMs()
	shouldEmit := transitioned || (tier != statemachine.Watch && ttlElapsed)
	if !shouldEmit {
		return
	}

	if tier == statemachine.Watch {
		if ps.lastDecision != nil {
			ps.lastDecision = nil
			if e.onCleared != nil {
				e.onCleared(poolKey, tier, score, nowMs)
			}
		}
		return
	}

	mapped, ok := decision.Map(tier, score, ps.win.Signals())
	if !ok {
		return
	}

	e.counter++
	d := decision.Decision{
		ID:                  decision.NewID(e.counter, nowMs),
		PoolKey:             poolKey,
		Chain:               ps.chain,
		Pair:                ps.pair,
		Tier:                tier,
		CompositeScore:      score,
		Action:              mapped.Action,
		Rationale:           mapped.Rationale,
		ContributingSignals: ps.win.Signals(),
		TimestampMs:         nowMs,
		TTLMs:               e.cfg.ActionTTLMs[mapped.Action.Kind()],
	}

	ps.lastDecision = &d
	ps.lastDecisionAtMs = nowMs

	if e.onDecision != nil {
		e.onDecision(d)
	}
}

// PoolTier returns a read-only snapshot of poolKey's current tier.
// Unknown pools report Watch, so an evicted pool is indistinguishable
// from one that was never seen.
func (e *Engine) PoolTier(poolKey string) statemachine.Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.pools[poolKey]
	if !ok {
		return statemachine.Watch
	}
	return ps.sm.Tier()
}

// LastDecision returns a copy of poolKey's last emitted decision, if
// any is still current.
func (e *Engine) LastDecision(poolKey string) (decision.Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.pools[poolKey]
	if !ok || ps.lastDecision == nil {
		return decision.Decision{}, false
	}
	return *ps.lastDecision, true
}

// MonitoredPools returns a snapshot of every pool the engine currently
// tracks.
func (e *Engine) MonitoredPools() []MonitoredPool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MonitoredPool, 0, len(e.pools))
	for key, ps := range e.pools {
		var last *decision.Decision
		if ps.lastDecision != nil {
			cp := *ps.lastDecision
			last = &cp
		}
		out = append(out, MonitoredPool{
			PoolKey:        key,
			Tier:           ps.sm.Tier(),
			CompositeScore: ps.win.CompositeScore(),
			LastDecision:   last,
		})
	}
	return out
}

// EvictIdle drops pool state for pools with no activity for at least
// idleMs and no live decision. A fresh PoolState is recreated lazily
// on the pool's next signal, equivalent to a Watch-tier pool with an
// empty window; whatever stale entries the old window still held
// would have been evicted on that next add anyway.
func (e *Engine) EvictIdle(nowMs int64, idleMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ps := range e.pools {
		if ps.lastDecision != nil && nowMs < ps.lastDecision.ExpiresAtMs() {
			continue
		}
		if nowMs-ps.lastSeenMs < idleMs {
			continue
		}
		delete(e.pools, key)
	}
}
