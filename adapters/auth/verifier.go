package auth

import (
	"context"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/artpar/tollgate/domain/token"
	"github.com/artpar/tollgate/ports"
)

// VerifierConfig configures token verification.
type VerifierConfig struct {
	Issuer   string
	Audience string
	// SSI is the service identity every accepted token must name.
	SSI string
	// Algorithms restricts accepted signing algorithms.
	Algorithms []string
}

// Verifier validates presented usage tokens: signature against the issuer's
// key set, standard registered claims, and the ssi service-identity claim.
// Every rejection is a *token.VerifyError.
type Verifier struct {
	keys   KeySet
	issuer string
	aud    string
	ssi    string
	parser *jwt.Parser
}

// payClaims is the wire shape of a usage token's payload. The per-request
// amount travels as a decimal string.
type payClaims struct {
	Env   string `json:"env,omitempty"`
	SSI   string `json:"ssi"`
	Value string `json:"value,omitempty"`
	SPR   string `json:"spr,omitempty"`
	MNR   int64  `json:"mnr,omitempty"`
	jwt.RegisteredClaims
}

// NewVerifier creates a token verifier backed by the given key set.
func NewVerifier(keys KeySet, cfg VerifierConfig) *Verifier {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256", "ES256"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		keys:   keys,
		issuer: cfg.Issuer,
		aud:    cfg.Audience,
		ssi:    cfg.SSI,
		parser: jwt.NewParser(opts...),
	}
}

// Verify validates the token and extracts its claims.
func (v *Verifier) Verify(ctx context.Context, tok string) (token.Claims, error) {
	if tok == "" {
		return token.Claims{}, token.ErrMissingToken
	}

	claims := &payClaims{}
	parsed, err := v.parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return token.Claims{}, &token.VerifyError{
			Code:   token.CodeInvalidToken,
			Detail: err.Error(),
			Err:    err,
		}
	}
	if !parsed.Valid {
		return token.Claims{}, &token.VerifyError{Code: token.CodeInvalidToken}
	}

	if v.ssi != "" && claims.SSI != v.ssi {
		return token.Claims{}, &token.VerifyError{
			Code:   token.CodeInvalidAudience,
			Detail: "ssi mismatch",
		}
	}

	out := token.Claims{
		JTI:              claims.ID,
		Issuer:           claims.Issuer,
		Subject:          claims.Subject,
		SSI:              claims.SSI,
		PerRequestAmount: parseAmount(claims.SPR),
		MaxRequests:      claims.MNR,
	}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// parseAmount converts the decimal-string spr claim. A missing or
// unparseable value yields 0 (the token is metered by count only).
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// StaticKeySet serves a fixed key map (for tests and offline verification).
type StaticKeySet struct {
	Keys map[string]any
}

// Key returns the key for kid.
func (s StaticKeySet) Key(_ context.Context, kid string) (any, error) {
	k, ok := s.Keys[kid]
	if !ok {
		return nil, &token.VerifyError{Code: token.CodeInvalidToken, Detail: "unknown kid " + kid}
	}
	return k, nil
}

// Ensure interface compliance.
var (
	_ ports.TokenVerifier = (*Verifier)(nil)
	_ KeySet              = StaticKeySet{}
)
