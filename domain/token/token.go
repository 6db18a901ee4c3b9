// Package token provides value types and validation outcomes for Skyfire
// usage tokens.
package token

import "time"

// Claims holds the decoded claims of a verified usage token.
// Immutable once produced by the verifier.
type Claims struct {
	JTI      string // unique token/session identifier
	Issuer   string
	Audience string
	Subject  string
	SSI      string // service identity, must match the protected service

	PerRequestAmount float64 // spr claim
	MaxRequests      int64   // mnr claim

	ExpiresAt time.Time
}

// Verification failure codes.
const (
	CodeMissingToken    = "missing_token"
	CodeInvalidToken    = "invalid_token"
	CodeInvalidAudience = "invalid_audience"
)

// VerifyError describes why a presented token was rejected.
type VerifyError struct {
	Code   string // one of the Code* constants
	Detail string // underlying error code/message, if any
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// ErrMissingToken is returned when no token was presented at all.
var ErrMissingToken = &VerifyError{Code: CodeMissingToken}
