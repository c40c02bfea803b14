package executor

import (
	"context"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/decision"
)

// Proof is opaque authorization material passed through to the
// on-chain side. The scheduler never inspects it.
type Proof []byte

// PoolProtector is the abstract on-chain capability the scheduler
// drives. All operations are potentially blocking and run under a
// per-call deadline; errors may be transient or permanent and the
// protector itself is the source of truth for what is active.
type PoolProtector interface {
	ActivateFeeProtection(ctx context.Context, poolKey string, feeBps uint32, proof Proof) (handle string, err error)
	ActivateOracleCheck(ctx context.Context, poolKey string, feed string, thresholdBps uint32, proof Proof) (handle string, err error)
	PauseCircuit(ctx context.Context, poolKey string, reason string, proof Proof) (handle string, err error)
	DeactivateFee(ctx context.Context, poolKey string, proof Proof) error
	DeactivateCircuit(ctx context.Context, poolKey string, proof Proof) error
	IsFeeActive(ctx context.Context, poolKey string) (bool, error)
	IsCircuitActive(ctx context.Context, poolKey string) (bool, error)
}

// CrossChainDefender receives the three cross-chain action variants
// the scheduler does not interpret beyond TTL handling.
type CrossChainDefender interface {
	Dispatch(ctx context.Context, d decision.Decision) (handle string, err error)
}
