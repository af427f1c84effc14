// Package identity bridges the external auth provider: it turns the bearer
// token handed to the engine into the current user id and role, and carries
// the signing/verification service used by the development gateway.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"optichat/internal/domain"
)

// Identity is the authenticated user on whose behalf the engine operates.
type Identity struct {
	User  domain.UserRef
	Type  domain.UserType
	Token string
}

// FromToken extracts the identity claims from a bearer token without
// verifying the signature. Verification belongs to the gateway; the client
// only learns who it is acting as. The gateway rejects tampered tokens at
// connect time.
func FromToken(token string) (Identity, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, jwt.ErrTokenMalformed
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("token has no subject: %w", domain.ErrUnauthorized)
	}
	typ, _ := claims["typ"].(string)
	userType := domain.UserType(typ)
	switch userType {
	case domain.UserTypePatient, domain.UserTypeOptometrist:
	default:
		return Identity{}, fmt.Errorf("token has unknown user type %q: %w", typ, domain.ErrUnauthorized)
	}
	return Identity{
		User:  domain.UserRef{Raw: sub},
		Type:  userType,
		Token: token,
	}, nil
}

// TokenService wraps JWT creation and validation for the gateway side.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a JWT for the given user id and role.
func (t *TokenService) CreateForUser(userID string, userType domain.UserType) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"typ": string(userType),
		"iat": now.Unix(),
		"exp": now.Add(t.expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}
