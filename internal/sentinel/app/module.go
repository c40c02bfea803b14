// Package app assembles Sentinel's components into one fx application:
// bus, budget, risk engine, scout, oracle validator, and executor,
// with every inter-component arrow a bus topic and every lifecycle
// under fx hooks.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/budget"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/bus"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/executor"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/metrics"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/oraclevalidator"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/riskengine"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/scout"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// shutdownGrace bounds how long any component may block shutdown.
const shutdownGrace = 5 * time.Second

// Sources bundles the adapter-supplied inputs and the on-chain
// capabilities. Deployments provide this value; everything in it may
// be empty or nil, in which case the corresponding pipeline simply
// stays idle.
type Sources struct {
	Mempools   []sources.MempoolSource
	Prices     []sources.PriceSource
	Gas        []sources.GasSource
	Flashloans sources.FlashloanSource
	Oracle     sources.OracleSource
	Protector  executor.PoolProtector
	Defender   executor.CrossChainDefender
	Proof      executor.Proof
}

// Module wires the Sentinel core. The caller must additionally supply
// an EngineConfig, a *zap.Logger, and a Sources value.
var Module = fx.Options(
	metrics.Module,
	fx.Provide(NewBus),
	fx.Provide(NewBudget),
	fx.Provide(NewEngine),
	fx.Provide(NewScout),
	fx.Provide(NewValidator),
	fx.Provide(NewScheduler),
	fx.Invoke(Wire),
)

// NewBus constructs the shared message bus.
func NewBus(logger *zap.Logger, registry *prometheus.Registry) *bus.Bus {
	return bus.New(logger, registry)
}

// NewBudget constructs the shared RPC token bucket.
func NewBudget(cfg config.EngineConfig) *budget.Budget {
	return budget.New(budget.Config{
		MaxCalls:           cfg.RpcBudget.MaxCalls,
		RefillInterval:     cfg.RpcBudget.RefillInterval(),
		QuietThresholdFrac: cfg.RpcBudget.QuietThresholdFrac,
	})
}

// NewEngine constructs the risk engine with its outputs bound to the
// decision and decisionCleared topics.
func NewEngine(cfg config.EngineConfig, logger *zap.Logger, b *bus.Bus, m *metrics.SentinelMetrics) *riskengine.Engine {
	onDecision := func(d decision.Decision) {
		m.DecisionsEmitted.WithLabelValues(string(d.Action.Kind())).Inc()
		if err := b.Publish(bus.TopicDecision, d); err != nil {
			logger.Warn("publishing decision failed", zap.Error(err))
		}
	}
	onCleared := func(poolKey string, tier statemachine.Tier, score float64, tsMs int64) {
		m.DecisionsCleared.Inc()
		if err := b.Publish(bus.TopicDecisionCleared, riskengine.Cleared{
			PoolKey:     poolKey,
			Tier:        tier,
			Score:       score,
			TimestampMs: tsMs,
		}); err != nil {
			logger.Warn("publishing decisionCleared failed", zap.Error(err))
		}
	}
	return riskengine.New(cfg, logger, onDecision, onCleared)
}

// NewScout constructs the scout with its output bound to the signal
// topic.
func NewScout(cfg config.EngineConfig, logger *zap.Logger, b *bus.Bus, bgt *budget.Budget, src Sources) (*scout.Scout, error) {
	emit := func(raw signal.Raw) {
		if err := b.Publish(bus.TopicSignal, raw); err != nil {
			logger.Warn("publishing signal failed", zap.Error(err))
		}
	}
	return scout.New(cfg.Scout, scout.Options{
		Budget:     bgt,
		Logger:     logger,
		Emit:       emit,
		Mempools:   src.Mempools,
		Prices:     src.Prices,
		Gas:        src.Gas,
		Flashloans: src.Flashloans,
	})
}

// NewValidator constructs the oracle validator sharing the scout's
// signal topic.
func NewValidator(cfg config.EngineConfig, logger *zap.Logger, b *bus.Bus, bgt *budget.Budget, src Sources) *oraclevalidator.Validator {
	emit := func(raw signal.Raw) {
		if err := b.Publish(bus.TopicSignal, raw); err != nil {
			logger.Warn("publishing signal failed", zap.Error(err))
		}
	}
	return oraclevalidator.New(cfg.Validator, bgt, logger, emit, src.Oracle, src.Prices)
}

// NewScheduler constructs the executor scheduler.
func NewScheduler(cfg config.EngineConfig, logger *zap.Logger, b *bus.Bus, src Sources) (*executor.Scheduler, error) {
	return executor.New(cfg.Executor, logger, b, src.Protector, src.Defender, src.Proof)
}

// Wire connects the topics to their consumers and registers lifecycle
// hooks for every long-lived task.
func Wire(
	lifecycle fx.Lifecycle,
	logger *zap.Logger,
	cfg config.EngineConfig,
	b *bus.Bus,
	bgt *budget.Budget,
	engine *riskengine.Engine,
	sct *scout.Scout,
	validator *oraclevalidator.Validator,
	scheduler *executor.Scheduler,
	m *metrics.SentinelMetrics,
) {
	rootCtx, rootCancel := context.WithCancel(context.Background())

	bgt.OnEvent(func(event string, status budget.Status) {
		m.BudgetStatus.Set(float64(status))
		m.BudgetRemaining.Set(float64(bgt.Remaining()))
		topic := bus.TopicBudgetRefill
		switch event {
		case "budget:quiet":
			topic = bus.TopicBudgetQuiet
		case "budget:exhausted":
			topic = bus.TopicBudgetExhausted
		}
		if err := b.Publish(topic, status); err != nil {
			logger.Warn("publishing budget event failed", zap.Error(err))
		}
	})

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Engine consumes the signal topic; executor consumes the
			// decision topic. Subscriptions live for the process.
			if _, err := b.Subscribe(rootCtx, bus.TopicSignal, func(payload any) {
				raw, ok := payload.(signal.Raw)
				if !ok {
					return
				}
				m.SignalsIngested.WithLabelValues(string(raw.Kind)).Inc()
				engine.IngestSignal(raw)
			}); err != nil {
				return err
			}
			if _, err := b.Subscribe(rootCtx, bus.TopicDecision, func(payload any) {
				d, ok := payload.(decision.Decision)
				if !ok {
					return
				}
				scheduler.OnDecision(d)
			}); err != nil {
				return err
			}
			if _, err := b.Subscribe(rootCtx, bus.TopicExecutionFailed, func(any) {
				m.ExecutionFailures.Inc()
			}); err != nil {
				return err
			}
			protectionGauge := func(any) {
				m.ActiveProtections.Set(float64(len(scheduler.ActiveProtections())))
			}
			if _, err := b.Subscribe(rootCtx, bus.TopicExecutionSuccess, protectionGauge); err != nil {
				return err
			}
			if _, err := b.Subscribe(rootCtx, bus.TopicProtectionExpired, protectionGauge); err != nil {
				return err
			}

			go bgt.Run(rootCtx)
			sct.Start(rootCtx)
			validator.Start(rootCtx)
			scheduler.Start(rootCtx)
			logger.Info("sentinel started",
				zap.Int64("correlationWindowMs", cfg.CorrelationWindowMs),
				zap.Int64("rpcBudgetMaxCalls", cfg.RpcBudget.MaxCalls))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()

			// Producers drain first so the engine sees every enqueued
			// signal, then the executor flushes its debounce queue.
			sct.Stop(graceCtx)
			validator.Stop(graceCtx)
			scheduler.Stop(graceCtx)
			bgt.Stop(graceCtx)
			rootCancel()
			if err := b.Close(); err != nil {
				logger.Warn("closing bus failed", zap.Error(err))
			}
			logger.Info("sentinel stopped")
			return nil
		},
	})
}
