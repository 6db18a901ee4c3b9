// Package payment provides value types for charges against usage tokens.
package payment

import (
	"errors"
	"fmt"
)

// ChargeResult is the outcome of a successful charge call.
type ChargeResult struct {
	AmountCharged    float64
	RemainingBalance float64
}

// Error is a payment-specific failure reported by the remote payment API
// (for example insufficient balance). It is distinct from transport or
// infrastructure errors, which are returned as plain wrapped errors.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment error %s: %s", e.Code, e.Message)
}

// IsPaymentError reports whether err is a payment-specific failure rather
// than an infrastructure one.
func IsPaymentError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
