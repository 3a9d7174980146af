package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey  = errors.New("identity verifier: signing key required")
	ErrMissingToken       = errors.New("identity verifier: token required")
	ErrInvalidToken       = errors.New("identity verifier: invalid token")
	ErrExpiredToken       = errors.New("identity verifier: token expired")
	ErrIncompleteIdentity = errors.New("identity verifier: identity requires user id and role")
)

// Identity is the validated caller attached to a socket session.
type Identity struct {
	UserID   string
	Role     string
	Email    string
	FullName string
}

// Complete reports whether the identity carries both a user id and a role.
func (i Identity) Complete() bool {
	return strings.TrimSpace(i.UserID) != "" && strings.TrimSpace(i.Role) != ""
}

// IdentityClaims mirrors the JWT payload issued by the main web application.
type IdentityClaims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	FullName string `json:"fullName,omitempty"`
	jwt.RegisteredClaims
}

func (c IdentityClaims) identity() Identity {
	return Identity{
		UserID:   strings.TrimSpace(c.UserID),
		Role:     strings.TrimSpace(c.Role),
		Email:    strings.TrimSpace(c.Email),
		FullName: strings.TrimSpace(c.FullName),
	}
}

// IdentityVerifierConfig describes how inbound credentials are validated.
type IdentityVerifierConfig struct {
	SigningSecret []byte
	// Issuer is optional; when set the iss claim must match.
	Issuer string
	Clock  func() time.Time
}

// IdentityVerifier validates HS256 JWTs and maps them onto an Identity.
type IdentityVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewIdentityVerifier constructs a verifier with the provided configuration.
func NewIdentityVerifier(cfg IdentityVerifierConfig) (*IdentityVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &IdentityVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
	}, nil
}

// Verify validates the supplied token and returns the identity it carries.
func (v *IdentityVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &IdentityClaims{}
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	return claims.identity(), nil
}
