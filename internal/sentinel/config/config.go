// Package config defines Sentinel's single immutable EngineConfig,
// loaded once at process start from YAML and validated with
// go-playground/validator before anything else in the system touches
// it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	validatorpkg "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/signal"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/statemachine"
)

// ConfigSchemaVersion is the supported config schema. Validate compares
// its major version against the loaded schemaVersion field so an
// incompatible config format fails loudly at startup rather than
// silently misparsing.
var ConfigSchemaVersion = "1.0.0"

// Band mirrors statemachine.Band for YAML unmarshalling.
type Band struct {
	Up   float64 `yaml:"up" validate:"required"`
	Down float64 `yaml:"down" validate:"gte=0"`
}

// Hysteresis carries both hysteresis bands.
type Hysteresis struct {
	WatchToElevated    Band `yaml:"watchToElevated"`
	ElevatedToCritical Band `yaml:"elevatedToCritical"`
}

// RpcBudgetConfig configures the shared token bucket.
type RpcBudgetConfig struct {
	MaxCalls           int64   `yaml:"maxCalls" validate:"gt=0"`
	RefillIntervalMs   int64   `yaml:"refillIntervalMs" validate:"gt=0"`
	QuietThresholdFrac float64 `yaml:"quietThresholdFrac" validate:"gt=0,lte=1"`
}

func (c RpcBudgetConfig) RefillInterval() time.Duration {
	return time.Duration(c.RefillIntervalMs) * time.Millisecond
}

// ScoutConfig configures per-chain normalization behavior.
type ScoutConfig struct {
	Chains             []string          `yaml:"chains"`
	Endpoints          map[string]string `yaml:"endpoints"` // chain -> subscription endpoint
	PairAllowlist      []string          `yaml:"pairAllowlist"`
	ToAllowlist        []string          `yaml:"toAllowlist"`
	ClusterWindowMs    int64             `yaml:"clusterWindowMs" validate:"gt=0"`
	ClusterThreshold   int               `yaml:"clusterThreshold" validate:"gt=0"`
	ClusterMax         int               `yaml:"clusterMax" validate:"gt=0"`
	GasSpikeMultiplier float64           `yaml:"gasSpikeMultiplier" validate:"gt=0"`
	MinValueWei        string            `yaml:"minValueWei"`
	PriceMoveMaxTick   float64           `yaml:"priceMoveMaxTick" validate:"gt=0"`
}

// OracleValidatorConfig configures the oracle and cross-chain
// reconciliation checks.
type OracleValidatorConfig struct {
	StaleThresholdSec           int64   `yaml:"staleThresholdSec" validate:"gt=0"`
	MinOraclesRequired          int     `yaml:"minOraclesRequired" validate:"gt=0"`
	OracleDeviationThresholdPct float64 `yaml:"oracleDeviationThresholdPct" validate:"gt=0"`
	CrossChainDeviationBps      float64 `yaml:"crossChainDeviationBps" validate:"gt=0"`
	PriceAgeThresholdMs         int64   `yaml:"priceAgeThresholdMs" validate:"gt=0"`
	MinChainsRequired          int     `yaml:"minChainsRequired" validate:"gt=0"`
}

// ExecutorConfig configures the executor scheduler.
type ExecutorConfig struct {
	DecisionDebounceMs      int64 `yaml:"decisionDebounceMs" validate:"gt=0"`
	MonitorIntervalMs       int64 `yaml:"monitorIntervalMs" validate:"gt=0"`
	MaxParallelActivations  int   `yaml:"maxParallelActivations" validate:"gt=0"`
	ProtectorCallsPerMinute int   `yaml:"protectorCallsPerMinute" validate:"gt=0"`
}

// EngineConfig is the single, immutable configuration value every
// Sentinel component is constructed from.
type EngineConfig struct {
	SchemaVersion string `yaml:"schemaVersion" validate:"required"`

	CorrelationWindowMs int64                          `yaml:"correlationWindowMs" validate:"gt=0"`
	EmaAlpha            float64                        `yaml:"emaAlpha" validate:"gt=0,lte=1"`
	BaseThresholds      map[signal.Kind]float64        `yaml:"baseThresholds"`
	RawWeights          map[signal.Kind]float64        `yaml:"rawWeights"`
	Hysteresis          Hysteresis                     `yaml:"hysteresis"`
	ActionTTLMs         map[decision.ActionKind]uint64 `yaml:"actionTtlMs"`

	RpcBudget RpcBudgetConfig       `yaml:"rpcBudget"`
	Scout     ScoutConfig           `yaml:"scout"`
	Validator OracleValidatorConfig `yaml:"validator"`
	Executor  ExecutorConfig        `yaml:"executor"`
}

// Default returns the built-in default EngineConfig.
func Default() EngineConfig {
	return EngineConfig{
		SchemaVersion:       ConfigSchemaVersion,
		CorrelationWindowMs: 24_000,
		EmaAlpha:            0.1,
		BaseThresholds: map[signal.Kind]float64{
			signal.FlashLoan:               0.30,
			signal.GasSpike:                0.40,
			signal.LargeSwap:               0.35,
			signal.PriceMove:               0.25,
			signal.MempoolCluster:          0.20,
			signal.OracleManipulation:      0.05,
			signal.CrossChainInconsistency: 0.08,
		},
		RawWeights: map[signal.Kind]float64{
			signal.FlashLoan:               2.5,
			signal.GasSpike:                1.5,
			signal.LargeSwap:               2.0,
			signal.PriceMove:               1.0,
			signal.MempoolCluster:          3.0,
			signal.OracleManipulation:      3.5,
			signal.CrossChainInconsistency: 2.8,
		},
		Hysteresis: Hysteresis{
			WatchToElevated:    Band{Up: 35, Down: 20},
			ElevatedToCritical: Band{Up: 70, Down: 50},
		},
		ActionTTLMs: map[decision.ActionKind]uint64{
			decision.ActionMevProtection:      12_000,
			decision.ActionOracleValidation:   60_000,
			decision.ActionCircuitBreaker:     300_000,
			decision.ActionLiquidityReroute:   600_000,
			decision.ActionCrossChainArbBlock: 120_000,
			decision.ActionEmergencyBridge:    900_000,
		},
		RpcBudget: RpcBudgetConfig{
			MaxCalls:           120,
			RefillIntervalMs:   60_000,
			QuietThresholdFrac: 0.25,
		},
		Scout: ScoutConfig{
			ClusterWindowMs:    24_000,
			ClusterThreshold:   3,
			ClusterMax:         10,
			GasSpikeMultiplier: 2.0,
			PriceMoveMaxTick:   0.1,
		},
		Validator: OracleValidatorConfig{
			StaleThresholdSec:           3_600,
			MinOraclesRequired:          1,
			OracleDeviationThresholdPct: 5,
			CrossChainDeviationBps:      100,
			PriceAgeThresholdMs:         60_000,
			MinChainsRequired:           2,
		},
		Executor: ExecutorConfig{
			DecisionDebounceMs:      200,
			MonitorIntervalMs:       12_000,
			MaxParallelActivations:  16,
			ProtectorCallsPerMinute: 60,
		},
	}
}

// StateMachineConfig adapts this config's hysteresis bands into the
// statemachine package's Config type.
func (c EngineConfig) StateMachineConfig() statemachine.Config {
	return statemachine.Config{
		WatchToElevated: statemachine.Band{
			Up:   c.Hysteresis.WatchToElevated.Up,
			Down: c.Hysteresis.WatchToElevated.Down,
		},
		ElevatedToCritical: statemachine.Band{
			Up:   c.Hysteresis.ElevatedToCritical.Up,
			Down: c.Hysteresis.ElevatedToCritical.Down,
		},
	}
}

var validate = validatorpkg.New()

// Validate runs struct-tag validation plus the cross-field hysteresis
// invariant (down < up) the validator library's tag language can't
// express compactly on its own.
func (c EngineConfig) Validate() error {
	declared, err := semver.NewVersion(c.SchemaVersion)
	if err != nil {
		return fmt.Errorf("config: invalid schema version %q: %w", c.SchemaVersion, err)
	}
	supported := semver.MustParse(ConfigSchemaVersion)
	if declared.Major() != supported.Major() {
		return fmt.Errorf("config: schema version %q is incompatible with supported %q", c.SchemaVersion, ConfigSchemaVersion)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if err := c.StateMachineConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for kind, base := range c.BaseThresholds {
		if base <= 0 {
			return fmt.Errorf("config: baseThresholds[%s] must be > 0, got %v", kind, base)
		}
	}
	return nil
}

// Load reads, parses, and validates an EngineConfig from a YAML file
// at path. Re-reading requires a process restart; Sentinel never
// hot-reloads configuration.
func Load(path string) (EngineConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}
