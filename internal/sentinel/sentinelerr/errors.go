// Package sentinelerr holds the small, sentinel-specific error values
// used across Sentinel's adapter boundaries. Plain sentinel errors
// plus %w wrapping; there is no request/trace envelope because no
// request-scoped surface exists here.
package sentinelerr

import "errors"

// Input errors: malformed RawSignal. The producer clamps or drops;
// these are returned by adapter-boundary code that chooses to reject
// outright rather than clamp.
var (
	ErrInvalidMagnitude = errors.New("sentinel: signal magnitude out of range")
	ErrMissingTimestamp = errors.New("sentinel: signal missing timestamp")
)

// Source errors: transient provider failure.
var (
	ErrSourceTimeout   = errors.New("sentinel: source read timed out")
	ErrSourceRateLimit = errors.New("sentinel: source rate limited")
	ErrBudgetExhausted = errors.New("sentinel: rpc budget exhausted")
)

// Protector errors.
var (
	ErrProtectorTransient    = errors.New("sentinel: protector call failed transiently")
	ErrProtectorUnauthorized = errors.New("sentinel: protector call unauthorized")
	ErrProtectorPoolNotFound = errors.New("sentinel: pool not found by protector")
	ErrProtectorCircuitOpen  = errors.New("sentinel: protector circuit breaker open")
)

// Internal invariant violation: fatal in debug builds, logged and
// recovered best-effort in release.
var ErrInvariantViolation = errors.New("sentinel: internal invariant violation")
