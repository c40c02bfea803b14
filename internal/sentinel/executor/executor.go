// Package executor implements the Executor scheduler: it consumes
// RiskDecisions, coalesces bursts per pool by tier priority under a
// debounce timer, owns the active-protection table and its TTL
// monitor, and drives the abstract PoolProtector / CrossChainDefender
// capabilities supplied by the caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/bus"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sentinelerr"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// protectorCallTimeout bounds every outgoing PoolProtector /
// CrossChainDefender call.
const protectorCallTimeout = 10 * time.Second

// ActiveProtection is the scheduler's record of one applied defense.
// Action is nil once the protection has expired; the entry then
// survives exactly one more monitor tick for observability.
type ActiveProtection struct {
	PoolKey        string
	Chain          string
	Action         decision.Action
	ActivatedAtMs  int64
	ExpiresAtMs    int64
	ExternalHandle string
}

// ThreatBroadcast is the advisory payload published for Elevated-tier
// decisions instead of touching on-chain state.
type ThreatBroadcast struct {
	Decision decision.Decision
	// SuggestedLPActions names what liquidity providers may want to do
	// about the threat; purely informational.
	SuggestedLPActions []string
}

// ExecutionSuccess is published after a protection activates.
type ExecutionSuccess struct {
	DecisionID string
	PoolKey    string
	Handle     string
}

// ExecutionFailed is published when an activation attempt fails; the
// scheduler makes no further attempt for that decision.
type ExecutionFailed struct {
	DecisionID string
	PoolKey    string
	Err        string
}

// ProtectionExpired is published when the monitor loop retires a
// protection past its TTL.
type ProtectionExpired struct {
	PoolKey    string
	ActionKind decision.ActionKind
}

// Scheduler is the executor. Decisions for one pool are serialized by
// the debounce queue plus a per-pool lock; across pools execution runs
// in parallel on a bounded worker pool.
type Scheduler struct {
	cfg       config.ExecutorConfig
	logger    *zap.Logger
	events    *bus.Bus
	protector PoolProtector
	defender  CrossChainDefender
	proof     Proof
	clock     func() int64

	workers   *ants.Pool
	callLimit *limiter.Limiter

	mu       sync.Mutex
	pending  map[string]decision.Decision
	debounce *time.Timer
	active   map[string]*ActiveProtection
	poolLock map[string]*sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Scheduler. defender may be nil if no cross-chain
// capability exists; cross-chain decisions then fail execution.
func New(cfg config.ExecutorConfig, logger *zap.Logger, events *bus.Bus, protector PoolProtector, defender CrossChainDefender, proof Proof) (*Scheduler, error) {
	workers, err := ants.NewPool(cfg.MaxParallelActivations, ants.WithPanicHandler(func(r any) {
		logger.Error("protector call panicked", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, fmt.Errorf("executor: creating worker pool: %w", err)
	}
	callLimit := limiter.New(memory.NewStore(), limiter.Rate{
		Period: time.Minute,
		Limit:  int64(cfg.ProtectorCallsPerMinute),
	})
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		protector: protector,
		defender:  defender,
		proof:     proof,
		clock:     func() int64 { return time.Now().UnixMilli() },
		workers:   workers,
		callLimit: callLimit,
		pending:   make(map[string]decision.Decision),
		active:    make(map[string]*ActiveProtection),
		poolLock:  make(map[string]*sync.Mutex),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// SetClock overrides the wall clock; tests use it to drive TTL expiry
// deterministically.
func (s *Scheduler) SetClock(clock func() int64) { s.clock = clock }

// Start launches the TTL monitor loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMonitor(ctx)
	}()
}

// Stop flushes any pending decisions with at most one attempt each,
// cancels the monitor, and releases the worker pool. Bounded by ctx's
// deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.mu.Unlock()
	s.flush()

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
		s.logger.Warn("executor stop exceeded grace period")
	}
	s.workers.Release()
}

func tierPriority(t statemachine.Tier) int {
	switch t {
	case statemachine.Critical:
		return 3
	case statemachine.Elevated:
		return 2
	default:
		return 1
	}
}

// OnDecision ingests one decision: it either replaces or yields to a
// pending decision for the same pool (higher tier wins, newer wins on
// a tie) and restarts the debounce timer.
func (s *Scheduler) OnDecision(d decision.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[d.PoolKey]; ok {
		if tierPriority(d.Tier) < tierPriority(cur.Tier) {
			return // existing pending decision outranks the new one
		}
	}
	s.pending[d.PoolKey] = d

	debounce := time.Duration(s.cfg.DecisionDebounceMs) * time.Millisecond
	if s.debounce == nil {
		s.debounce = time.AfterFunc(debounce, s.flush)
	} else {
		s.debounce.Reset(debounce)
	}
}

// flush drains the pending table and submits every decision to the
// worker pool. Distinct pools execute in parallel; the per-pool lock
// keeps a pool's executions serialized across overlapping flushes.
func (s *Scheduler) flush() {
	s.mu.Lock()
	batch := make([]decision.Decision, 0, len(s.pending))
	for _, d := range s.pending {
		batch = append(batch, d)
	}
	s.pending = make(map[string]decision.Decision)
	s.mu.Unlock()

	for _, d := range batch {
		d := d
		if err := s.workers.Submit(func() { s.execute(d) }); err != nil {
			s.logger.Error("submitting decision to worker pool failed",
				zap.String("decisionId", d.ID), zap.Error(err))
			s.publishFailure(d, err)
		}
	}
}

func (s *Scheduler) lockFor(poolKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.poolLock[poolKey]
	if !ok {
		l = &sync.Mutex{}
		s.poolLock[poolKey] = l
	}
	return l
}

// breakerFor returns the pool's circuit breaker, creating it on first
// use. A permanently failing protector trips the breaker; while open,
// activations short-circuit to executionFailed without a call.
func (s *Scheduler) breakerFor(poolKey string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[poolKey]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "protector:" + poolKey,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Info("protector circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		s.breakers[poolKey] = cb
	}
	return cb
}

func (s *Scheduler) execute(d decision.Decision) {
	l := s.lockFor(d.PoolKey)
	l.Lock()
	defer l.Unlock()

	kind := d.Action.Kind()

	// Elevated non-cross-chain decisions are advisory only.
	if d.Tier == statemachine.Elevated && !kind.IsCrossChain() {
		s.publish(bus.TopicThreatBroadcast, ThreatBroadcast{
			Decision:           d,
			SuggestedLPActions: suggestedLPActions(kind),
		})
		return
	}

	ctx, cancelCall := context.WithTimeout(context.Background(), protectorCallTimeout)
	defer cancelCall()

	if kind.IsCrossChain() {
		s.executeCrossChain(ctx, d)
		return
	}

	lctx, err := s.callLimit.Get(ctx, "chain:"+d.Chain)
	if err == nil && lctx.Reached {
		s.publishFailure(d, fmt.Errorf("protector call rate cap reached for chain %s", d.Chain))
		return
	}

	// New activation supersedes whatever is currently applied: circuit
	// breaker comes down first, then fee protection. Oracle
	// configuration is sticky and stays. The protector, not our table,
	// is the source of truth for what is active; deactivation failures
	// are logged only since the new activation is idempotent from our
	// side.
	if active, err := s.protector.IsCircuitActive(ctx, d.PoolKey); err == nil && active {
		if err := s.protector.DeactivateCircuit(ctx, d.PoolKey, s.proof); err != nil {
			s.logger.Warn("deactivating prior circuit breaker failed",
				zap.String("poolKey", d.PoolKey), zap.Error(err))
		}
	}
	if active, err := s.protector.IsFeeActive(ctx, d.PoolKey); err == nil && active {
		if err := s.protector.DeactivateFee(ctx, d.PoolKey, s.proof); err != nil {
			s.logger.Warn("deactivating prior fee protection failed",
				zap.String("poolKey", d.PoolKey), zap.Error(err))
		}
	}

	handle, err := s.activate(ctx, d)
	if err != nil {
		s.publishFailure(d, err)
		return
	}
	s.record(d, handle)
	s.publish(bus.TopicExecutionSuccess, ExecutionSuccess{
		DecisionID: d.ID,
		PoolKey:    d.PoolKey,
		Handle:     handle,
	})
}

func (s *Scheduler) activate(ctx context.Context, d decision.Decision) (string, error) {
	cb := s.breakerFor(d.PoolKey)
	res, err := cb.Execute(func() (any, error) {
		switch a := d.Action.(type) {
		case decision.MevProtection:
			return s.protector.ActivateFeeProtection(ctx, d.PoolKey, a.FeeBps, s.proof)
		case decision.OracleValidation:
			thresholdBps := uint32(d.CompositeScore * 10)
			return s.protector.ActivateOracleCheck(ctx, d.PoolKey, d.Pair, thresholdBps, s.proof)
		case decision.CircuitBreaker:
			return s.protector.PauseCircuit(ctx, d.PoolKey, a.Reason, s.proof)
		default:
			return "", fmt.Errorf("executor: unhandled action kind %s", d.Action.Kind())
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s", sentinelerr.ErrProtectorCircuitOpen, d.PoolKey)
		}
		return "", err
	}
	return res.(string), nil
}

func (s *Scheduler) executeCrossChain(ctx context.Context, d decision.Decision) {
	if s.defender == nil {
		s.publishFailure(d, fmt.Errorf("no cross-chain defender configured"))
		return
	}
	handle, err := s.defender.Dispatch(ctx, d)
	if err != nil {
		s.publishFailure(d, err)
		return
	}
	if handle == "" {
		handle = "xchain-" + ksuid.New().String()
	}
	s.record(d, handle)
	s.publish(bus.TopicExecutionSuccess, ExecutionSuccess{
		DecisionID: d.ID,
		PoolKey:    d.PoolKey,
		Handle:     handle,
	})
}

func (s *Scheduler) record(d decision.Decision, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[d.PoolKey] = &ActiveProtection{
		PoolKey:        d.PoolKey,
		Chain:          d.Chain,
		Action:         d.Action,
		ActivatedAtMs:  d.TimestampMs,
		ExpiresAtMs:    d.ExpiresAtMs(),
		ExternalHandle: handle,
	}
}

func (s *Scheduler) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.MonitorIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MonitorTick()
		}
	}
}

// MonitorTick expires protections past their TTL and removes entries
// already marked expired on the previous tick. Exported so tests can
// drive it without real time.
func (s *Scheduler) MonitorTick() {
	nowMs := s.clock()

	s.mu.Lock()
	var expired []*ActiveProtection
	for key, p := range s.active {
		if p.Action == nil {
			delete(s.active, key) // retained one tick for observability
			continue
		}
		if nowMs > p.ExpiresAtMs {
			expired = append(expired, p)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.expire(p)
	}
}

func (s *Scheduler) expire(p *ActiveProtection) {
	l := s.lockFor(p.PoolKey)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), protectorCallTimeout)
	defer cancel()

	kind := p.Action.Kind()
	switch kind {
	case decision.ActionCircuitBreaker:
		if err := s.protector.DeactivateCircuit(ctx, p.PoolKey, s.proof); err != nil {
			s.logger.Warn("deactivating expired circuit breaker failed",
				zap.String("poolKey", p.PoolKey), zap.Error(err))
		}
	case decision.ActionMevProtection:
		if err := s.protector.DeactivateFee(ctx, p.PoolKey, s.proof); err != nil {
			s.logger.Warn("deactivating expired fee protection failed",
				zap.String("poolKey", p.PoolKey), zap.Error(err))
		}
	}

	s.mu.Lock()
	if cur, ok := s.active[p.PoolKey]; ok && cur == p {
		cur.Action = nil
	}
	s.mu.Unlock()

	s.publish(bus.TopicProtectionExpired, ProtectionExpired{
		PoolKey:    p.PoolKey,
		ActionKind: kind,
	})
}

// ActiveProtections returns a snapshot of the protection table,
// including entries expired since the last monitor tick.
func (s *Scheduler) ActiveProtections() []ActiveProtection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveProtection, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, *p)
	}
	return out
}

// ProtectionState looks up the protection for (chain, pair), matching
// either the synthesized chain:pair pool key or the recorded chain and
// an explicit pool-key match.
func (s *Scheduler) ProtectionState(chain, pair string) (ActiveProtection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.active[chain+":"+pair]; ok {
		return *p, true
	}
	for _, p := range s.active {
		if p.Chain == chain && p.PoolKey == pair {
			return *p, true
		}
	}
	return ActiveProtection{}, false
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(topic, payload); err != nil {
		s.logger.Warn("publishing executor event failed",
			zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Scheduler) publishFailure(d decision.Decision, err error) {
	s.logger.Error("decision execution failed",
		zap.String("decisionId", d.ID),
		zap.String("poolKey", d.PoolKey),
		zap.Error(err))
	s.publish(bus.TopicExecutionFailed, ExecutionFailed{
		DecisionID: d.ID,
		PoolKey:    d.PoolKey,
		Err:        err.Error(),
	})
}

func suggestedLPActions(kind decision.ActionKind) []string {
	switch kind {
	case decision.ActionMevProtection:
		return []string{"widen position range", "monitor fee tier"}
	case decision.ActionOracleValidation:
		return []string{"verify oracle feeds", "consider reducing exposure"}
	case decision.ActionCircuitBreaker:
		return []string{"withdraw liquidity until resolved"}
	default:
		return nil
	}
}
