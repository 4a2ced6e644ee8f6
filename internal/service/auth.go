package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotConfigured      = errors.New("admin password not configured")
)

// Principal is the authenticated admin identity carried by a session token.
type Principal struct {
	Subject string
	IsAdmin bool
}

// AuthService verifies the admin password and issues/validates JWT session
// tokens. The password is configured as a SHA-256 hash; comparison is
// constant-time so the check leaks no timing information. There is no
// fallback or debug password: an unset hash means nobody can log in.
type AuthService struct {
	jwtSecret         []byte
	adminPasswordHash string
	tokenTTL          time.Duration
}

// NewAuthService creates an AuthService. adminPasswordHash is the hex
// SHA-256 of the admin password; an empty hash disables login entirely.
func NewAuthService(jwtSecret, adminPasswordHash string, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		jwtSecret:         []byte(jwtSecret),
		adminPasswordHash: adminPasswordHash,
		tokenTTL:          tokenTTL,
	}
}

// TokenTTL returns the configured session token lifetime.
func (s *AuthService) TokenTTL() time.Duration { return s.tokenTTL }

// Login checks the admin password and issues a session token on success.
func (s *AuthService) Login(ctx context.Context, password string) (string, error) {
	if s.adminPasswordHash == "" {
		return "", ErrNotConfigured
	}
	candidate := HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.adminPasswordHash)) != 1 {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(ctx)
}

func (s *AuthService) issueToken(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		Issuer:    "keymint",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken verifies a session token and returns the admin principal.
func (s *AuthService) ValidateToken(ctx context.Context, tokenStr string) (*Principal, error) {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Principal{Subject: claims.Subject, IsAdmin: true}, nil
}

// HashPassword returns the hex-encoded SHA-256 of a password, the format
// stored in the config file.
func HashPassword(password string) string {
	h := sha256.Sum256([]byte(password))
	return hex.EncodeToString(h[:])
}
