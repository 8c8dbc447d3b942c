// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package auth provides bearer token verification for the HTTP API.
// Tokens are HMAC-SHA256 JWTs carrying the principal that submitted a
// request; jobs record this principal for listing and cancellation
// scoping.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/causeway/internal/config"
)

// minSecretLength is the minimum JWT secret length in bytes.
const minSecretLength = 32

// defaultTokenTTL bounds token lifetime when none is configured.
const defaultTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned for malformed, expired, or tampered tokens.
var ErrInvalidToken = errors.New("invalid token")

// Principal identifies an authenticated API caller.
type Principal struct {
	Name string
	Role string
}

// Claims are the JWT claims carried by API tokens.
type Claims struct {
	Principal string `json:"principal"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates a bearer token and returns the principal.
type TokenVerifier interface {
	Verify(tokenString string) (*Principal, error)
}

// JWTManager creates and validates HS256-signed API tokens.
type JWTManager struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewJWTManager creates a token manager from the security configuration.
// The secret must be at least 32 bytes.
func NewJWTManager(cfg *config.SecurityConfig) (*JWTManager, error) {
	if len(cfg.JWTSecret) < minSecretLength {
		return nil, fmt.Errorf("JWT secret must be at least %d bytes", minSecretLength)
	}

	return &JWTManager{
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: defaultTokenTTL,
	}, nil
}

// GenerateToken creates a signed token for the principal.
func (m *JWTManager) GenerateToken(principal, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Principal: principal,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// Verify validates a token and extracts the principal. The signing
// method is pinned to HMAC to block algorithm confusion.
func (m *JWTManager) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if claims.Principal == "" {
		return nil, fmt.Errorf("%w: missing principal claim", ErrInvalidToken)
	}

	return &Principal{Name: claims.Principal, Role: claims.Role}, nil
}
