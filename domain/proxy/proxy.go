// Package proxy provides request/response value types for the gateway layer.
package proxy

import "github.com/artpar/tollgate/domain/token"

// Request represents an incoming request (value type).
// This is extracted from HTTP and passed through the admission pipeline.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte

	// Metadata
	RemoteIP  string
	UserAgent string
	TraceID   string
}

// Response represents an upstream response (value type).
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte

	// Metadata (for logging)
	LatencyMs    int64
	UpstreamAddr string
}

// VisitorState tags where a request sits in the admission pipeline.
type VisitorState int

const (
	// Unclassified means the bot check has not run yet.
	Unclassified VisitorState = iota
	// Human traffic skips verification and metering entirely.
	Human
	// UnverifiedBot carries the bot flag but no verified token yet.
	UnverifiedBot
	// VerifiedBot carries decoded claims and the raw token material.
	VerifiedBot
)

// Visitor is the typed pipeline context passed between stages instead of
// mutating the request in place. Claims and Token are only meaningful when
// State == VerifiedBot.
type Visitor struct {
	State  VisitorState
	Claims token.Claims
	Token  string
}

// IsBot reports whether the visitor was classified as automated traffic.
func (v Visitor) IsBot() bool {
	return v.State == UnverifiedBot || v.State == VerifiedBot
}

// ErrorResponse represents an error to return to the client (value type).
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
	Reason  string // machine-readable reason on 402 responses
}

// Common error responses.
var (
	ErrMissingToken = ErrorResponse{
		Status:  401,
		Code:    token.CodeMissingToken,
		Message: "Missing Skyfire token `skyfire-pay-id`",
	}
	ErrInvalidToken = ErrorResponse{
		Status:  401,
		Code:    token.CodeInvalidToken,
		Message: "Your JWT token is invalid",
	}
	ErrInvalidAudience = ErrorResponse{
		Status:  401,
		Code:    token.CodeInvalidAudience,
		Message: "Invalid SSI in token",
	}
	ErrStoreFailure = ErrorResponse{
		Status:  500,
		Code:    "store_error",
		Message: "Session store unavailable",
	}
	ErrUpstreamError = ErrorResponse{
		Status:  502,
		Code:    "upstream_error",
		Message: "Upstream service unavailable",
	}
)

// PaymentRequired builds a 402 response with a machine-readable reason.
func PaymentRequired(reason string) ErrorResponse {
	return ErrorResponse{
		Status:  402,
		Code:    "payment_required",
		Message: "Payment Required: token usage exceeded",
		Reason:  reason,
	}
}

// ChargeFailed builds the 402 returned when a charge call itself fails.
func ChargeFailed(reason string) ErrorResponse {
	return ErrorResponse{
		Status:  402,
		Code:    "payment_required",
		Message: "Payment Required: Error charging token",
		Reason:  reason,
	}
}
