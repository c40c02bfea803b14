// Package metrics registers Sentinel's Prometheus instruments and
// serves them over the standard promhttp handler.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the metrics components.
var Module = fx.Options(
	fx.Provide(NewRegistry),
	fx.Provide(NewSentinelMetrics),
	fx.Invoke(RegisterHandler),
)

// NewRegistry creates the process-wide Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// SentinelMetrics holds the instruments every component reports into.
type SentinelMetrics struct {
	SignalsIngested   *prometheus.CounterVec // by kind
	DecisionsEmitted  *prometheus.CounterVec // by action kind
	DecisionsCleared  prometheus.Counter
	BudgetStatus      prometheus.Gauge // 0 normal, 1 quiet, 2 exhausted
	BudgetRemaining   prometheus.Gauge
	ActiveProtections prometheus.Gauge
	ExecutionFailures prometheus.Counter
}

// NewSentinelMetrics constructs and registers the instruments.
func NewSentinelMetrics(registry *prometheus.Registry) *SentinelMetrics {
	m := &SentinelMetrics{
		SignalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_signals_ingested_total",
			Help: "Signals ingested by the risk engine, by kind.",
		}, []string{"kind"}),
		DecisionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_decisions_emitted_total",
			Help: "Risk decisions emitted, by defense action kind.",
		}, []string{"action"}),
		DecisionsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_decisions_cleared_total",
			Help: "Pools that transitioned back down to watch tier.",
		}),
		BudgetStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_rpc_budget_status",
			Help: "RPC budget status: 0 normal, 1 quiet, 2 exhausted.",
		}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_rpc_budget_remaining",
			Help: "Remaining RPC budget allowance in the current window.",
		}),
		ActiveProtections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_protections",
			Help: "Currently active on-chain protections.",
		}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_execution_failures_total",
			Help: "Protection activations that failed.",
		}),
	}
	registry.MustRegister(
		m.SignalsIngested,
		m.DecisionsEmitted,
		m.DecisionsCleared,
		m.BudgetStatus,
		m.BudgetRemaining,
		m.ActiveProtections,
		m.ExecutionFailures,
	)
	return m
}

// RegisterHandler serves the registry on the fixed address :9090 under
// the fx lifecycle.
func RegisterHandler(lifecycle fx.Lifecycle, registry *prometheus.Registry, logger *zap.Logger) {
	server := &http.Server{
		Addr:    ":9090",
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics server", zap.String("addr", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping metrics server")
			return server.Shutdown(ctx)
		},
	})
}
