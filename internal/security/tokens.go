package security

import (
	"crypto"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or signed by another key.
	ErrInvalidToken = errors.New("invalid token")
)

// Token issuer and audience for real-time subscriber tokens.
const (
	SubscriberIssuer   = "fleet-gateway"
	SubscriberAudience = "fleet-subscribers"
)

// SubscriberClaims holds JWT claims for a real-time subscriber token.
// Subject is the subscribing device (or "anon"); Hub is the broadcast hub the token grants.
type SubscriberClaims struct {
	jwt.RegisteredClaims
	Hub string `json:"hub"`
}

// TokenProvider issues and validates subscriber tokens using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, ttl time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// TTL returns the lifetime of issued tokens.
func (p *TokenProvider) TTL() time.Duration { return p.ttl }

// Issue signs a subscriber token for device on hub. Returns the token and its expiration time.
func (p *TokenProvider) Issue(device, hub string) (token string, expiresAt time.Time, err error) {
	method := SigningMethod(p.privateKey.Public())
	if method == nil {
		return "", time.Time{}, ErrInvalidKey
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := SubscriberClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   device,
			Issuer:    SubscriberIssuer,
			Audience:  jwt.ClaimStrings{SubscriberAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Hub: hub,
	}
	token, err = jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	return token, expiresAt, err
}

// Validate parses and validates a subscriber token (signature, exp, iss, aud) and returns its claims.
func (p *TokenProvider) Validate(tokenString string) (*SubscriberClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	method := SigningMethod(p.publicKey)
	if method == nil {
		return nil, ErrInvalidKey
	}
	claims := &SubscriberClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(SubscriberIssuer),
		jwt.WithAudience(SubscriberAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
