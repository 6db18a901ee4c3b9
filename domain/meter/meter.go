// Package meter provides pure threshold arithmetic for usage metering.
// All functions are deterministic - same input always produces same output.
package meter

import "math"

// DefaultMaxRequests applies when neither a configured override nor an
// mnr claim is present.
const DefaultMaxRequests = 1000

// Round normalizes an amount to six decimal places. Amounts are compared
// after rounding so binary floating-point accumulation cannot flip a
// threshold decision.
func Round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ResolveMaxRequests picks the effective maximum request count:
// configured override first, then the token's mnr claim, then the default.
func ResolveMaxRequests(override, claim int64) int64 {
	if override > 0 {
		return override
	}
	if claim > 0 {
		return claim
	}
	return DefaultMaxRequests
}

// ReachedBalance reports whether the last known remaining balance can no
// longer cover the next request plus the outstanding accumulated amount.
func ReachedBalance(remaining, perRequest, accumulated float64) bool {
	remaining = Round(remaining)
	if remaining <= 0 {
		return true
	}
	return remaining < Round(perRequest+accumulated)
}

// ReachedCount reports whether the session has used up its request budget.
func ReachedCount(count, maxRequests int64) bool {
	return count >= maxRequests
}

// ReachedBatch reports whether the accumulated amount is due for an
// immediate batch settlement.
func ReachedBatch(accumulated, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return Round(accumulated) >= Round(threshold)
}

// Reasons carried in 402 response bodies.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBatchLimitReached   = "batch_limit_reached"
)
