package quota

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// sessionClaims are the claims carried by a gateway session token. Epoch is
// pinned to the tenant's credential generation so rotation kills every token
// issued under the old secret.
type sessionClaims struct {
	Epoch int `json:"epoch"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates short-lived HS256 session tokens that let
// tenants avoid sending their long-lived secret on every request.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokenIssuer creates a token issuer. ttl <= 0 defaults to one hour.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl, issuer: "ai-gateway"}
}

// Issue mints a session token bound to the tenant's current credential epoch.
func (t *TokenIssuer) Issue(app *types.TenantApplication) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Epoch: app.TokenEpoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   app.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns the tenant id and credential
// epoch it was issued under. The caller must still check the epoch against
// the tenant's current one.
func (t *TokenIssuer) Validate(tokenString string) (tenantID string, epoch int, err error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer))
	if err != nil {
		return "", 0, err
	}
	if !token.Valid {
		return "", 0, fmt.Errorf("invalid session token")
	}
	return claims.Subject, claims.Epoch, nil
}
