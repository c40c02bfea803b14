// Package sources declares the abstract input-source interfaces
// Sentinel consumes observations through. Concrete adapters binding
// these to specific RPC providers, WebSocket endpoints, or oracle
// networks live outside the core (see internal/sentinel/adapters for
// a reference implementation); the core only ever sees these types.
package sources

import (
	"context"
	"math/big"
	"time"
)

// PendingTx is one pending mempool transaction as observed by a
// MempoolSource.
type PendingTx struct {
	Hash        string
	From        string
	To          string // may be empty for contract creation
	ValueWei    *big.Int
	GasPriceWei *big.Int
	Calldata    []byte
	Chain       string
	TsMs        int64
}

// PriceSample is one periodic DEX price observation.
type PriceSample struct {
	Chain    string
	Pair     string
	PriceUsd float64
	TsMs     int64
	Source   string
}

// GasSample is one periodic gas-price observation.
type GasSample struct {
	Chain    string
	GweiMean float64
	TsMs     int64
}

// MempoolSource yields pending transactions for one chain. Next blocks
// until an event is available, the context is cancelled, or the source
// fails; implementations run each read under a per-operation deadline.
type MempoolSource interface {
	Chain() string
	Next(ctx context.Context) (PendingTx, error)
}

// PriceSource yields DEX price samples on demand.
type PriceSource interface {
	Chain() string
	Sample(ctx context.Context, pair string) (PriceSample, error)
	Pairs() []string
}

// GasSource yields gas-price samples on demand.
type GasSource interface {
	Chain() string
	Sample(ctx context.Context) (GasSample, error)
}

// FlashloanSource reports whether a transaction targets a known
// flash-loan entry point, and optionally normalizes the loan size into
// a [0,1] magnitude. When LoanMagnitude reports false, presence alone
// is the signal (magnitude 1.0).
type FlashloanSource interface {
	IsFlashloanCall(tx PendingTx) bool
	LoanMagnitude(tx PendingTx) (float64, bool)
}

// ChainlinkRound is one Chainlink-style aggregator reading.
type ChainlinkRound struct {
	Price     float64
	Decimals  uint8
	UpdatedAt time.Time
}

// PythPrice is one Pyth-style price reading.
type PythPrice struct {
	Price       float64
	Confidence  float64
	PublishTime time.Time
	Expo        int32
}

// OracleSource yields external oracle readings for a (chain, pair).
// Either feed may be absent for a given pair; the validator treats a
// missing feed the same as a stale one.
type OracleSource interface {
	Chainlink(ctx context.Context, chain, pair string) (ChainlinkRound, error)
	Pyth(ctx context.Context, chain, pair string) (PythPrice, error)
}
