// Command sentinel runs the Sentinel detection-and-response daemon:
// scout and oracle-validator producers, the risk engine, and the
// executor scheduler, wired over the in-process bus.
//
// Deployments bind real provider adapters and a real PoolProtector by
// replacing the stand-ins built in buildSources. Out of the box the
// daemon connects WebSocket mempool subscriptions for every chain
// given an endpoint in the scout configuration, and drives a logging
// protector that records what it would have done on-chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/segmentio/ksuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/adapters/wsmempool"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/app"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/config"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/executor"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults apply when empty")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("loading configuration failed", zap.Error(err))
			os.Exit(1)
		}
	}

	fxApp := fx.New(
		fx.Supply(cfg),
		fx.Supply(logger),
		fx.Supply(buildSources(cfg, logger)),
		app.Module,
		fx.NopLogger,
	)
	if err := fxApp.Err(); err != nil {
		logger.Error("initialization failed", zap.Error(err))
		os.Exit(1)
	}

	fxApp.Run() // blocks until SIGINT/SIGTERM, then runs OnStop hooks
}

// buildSources assembles the deployment's adapters. Chains without an
// endpoint are skipped; price, gas, flash-loan, and oracle sources are
// left unbound here because they are provider-specific.
func buildSources(cfg config.EngineConfig, logger *zap.Logger) app.Sources {
	var mempools []sources.MempoolSource
	for _, chain := range cfg.Scout.Chains {
		endpoint, ok := cfg.Scout.Endpoints[chain]
		if !ok || endpoint == "" {
			logger.Warn("no mempool endpoint configured for chain, skipping", zap.String("chain", chain))
			continue
		}
		mempools = append(mempools, wsmempool.New(chain, endpoint, logger))
	}
	return app.Sources{
		Mempools:  mempools,
		Protector: &loggingProtector{logger: logger},
	}
}

// loggingProtector stands in for the on-chain PoolProtector: it logs
// each operation and returns synthetic handles so the full decision
// path can be observed before a real protector is bound.
type loggingProtector struct {
	logger *zap.Logger
}

func (p *loggingProtector) ActivateFeeProtection(_ context.Context, poolKey string, feeBps uint32, _ executor.Proof) (string, error) {
	p.logger.Info("would activate fee protection",
		zap.String("poolKey", poolKey), zap.Uint32("feeBps", feeBps))
	return "fee-" + ksuid.New().String(), nil
}

func (p *loggingProtector) ActivateOracleCheck(_ context.Context, poolKey, feed string, thresholdBps uint32, _ executor.Proof) (string, error) {
	p.logger.Info("would activate oracle check",
		zap.String("poolKey", poolKey), zap.String("feed", feed), zap.Uint32("thresholdBps", thresholdBps))
	return "oracle-" + ksuid.New().String(), nil
}

func (p *loggingProtector) PauseCircuit(_ context.Context, poolKey, reason string, _ executor.Proof) (string, error) {
	p.logger.Info("would pause circuit",
		zap.String("poolKey", poolKey), zap.String("reason", reason))
	return "circuit-" + ksuid.New().String(), nil
}

func (p *loggingProtector) DeactivateFee(_ context.Context, poolKey string, _ executor.Proof) error {
	p.logger.Info("would deactivate fee protection", zap.String("poolKey", poolKey))
	return nil
}

func (p *loggingProtector) DeactivateCircuit(_ context.Context, poolKey string, _ executor.Proof) error {
	p.logger.Info("would deactivate circuit", zap.String("poolKey", poolKey))
	return nil
}

func (p *loggingProtector) IsFeeActive(context.Context, string) (bool, error)     { return false, nil }
func (p *loggingProtector) IsCircuitActive(context.Context, string) (bool, error) { return false, nil }
