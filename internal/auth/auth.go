// Package auth verifies bearer credentials for chat requests. Every failure
// mode collapses into one uniform error: a forged signature, an expired
// token and a token for a since-deleted user are indistinguishable to the
// caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"chatcore/internal/storage"
)

var ErrInvalidCredentials = errors.New("invalid authentication credentials")

// UserResolver checks that the token subject still maps to a real user.
type UserResolver interface {
	GetUserByID(ctx context.Context, id string) (storage.User, error)
}

type Verifier struct {
	secret []byte
	users  UserResolver
}

func NewVerifier(secret []byte, users UserResolver) *Verifier {
	return &Verifier{secret: secret, users: users}
}

// VerifyRequest resolves the Authorization header to an existing user id.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrInvalidCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidCredentials
	}
	return v.VerifyToken(ctx, strings.TrimSpace(parts[1]))
}

// VerifyToken validates the JWT signature and expiry, then confirms the
// subject still exists.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrInvalidCredentials
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	if _, err := v.users.GetUserByID(ctx, userID.String()); err != nil {
		// A deleted user must look exactly like a bad token.
		return "", ErrInvalidCredentials
	}
	return userID.String(), nil
}

// IssueToken mints a short-lived HS256 token for a user. Token issuance
// proper lives outside this service; this exists for local development and
// tests of the verification contract.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
