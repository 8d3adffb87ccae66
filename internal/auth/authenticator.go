package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	// operatorSubject is the subject claim of every issued token. Operator
	// access is a single shared role; there are no per-user identities.
	operatorSubject = "operator"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingOperatorKey   = errors.New("operator key must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")

	// ErrInvalidOperatorKey indicates a token request with a wrong shared key.
	ErrInvalidOperatorKey = errors.New("auth: invalid operator key")
	// ErrInvalidToken indicates a bearer token that failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// AuthenticatorConfig configures operator-key verification and JWT issuance.
type AuthenticatorConfig struct {
	OperatorKey   string
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Authenticator exchanges the shared operator key for short-lived bearer
// tokens and validates them on protected routes.
type Authenticator struct {
	config AuthenticatorConfig
	clock  func() time.Time
}

// NewAuthenticator constructs an Authenticator, rejecting incomplete configuration.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if strings.TrimSpace(cfg.OperatorKey) == "" {
		return nil, errMissingOperatorKey
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		config: AuthenticatorConfig{
			OperatorKey:   cfg.OperatorKey,
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueToken verifies the presented operator key in constant time and returns
// a signed JWT with its expiry in seconds.
func (a *Authenticator) IssueToken(_ context.Context, presentedKey string) (string, int64, error) {
	if subtle.ConstantTimeCompare([]byte(presentedKey), []byte(a.config.OperatorKey)) != 1 {
		return "", 0, ErrInvalidOperatorKey
	}

	now := a.clock().UTC()
	expiresAt := now.Add(a.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   operatorSubject,
		Issuer:    a.config.Issuer,
		Audience:  []string{a.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(a.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed, unexpired, and bound
// to this service, returning its subject.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return a.config.SigningSecret, nil
		},
		jwt.WithAudience(a.config.Audience),
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
