// Package auth guards the HTTP API with a single admin credential: a bcrypt
// password check that issues short-lived JWTs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"perp-trading-bot/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

const tokenIssuer = "perp-trading-bot"

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Service validates the admin password and mints/validates access tokens.
type Service struct {
	secret        []byte
	passwordHash  string
	tokenDuration time.Duration
}

func NewService(cfg config.AuthConfig) *Service {
	duration := cfg.AccessTokenDuration
	if duration <= 0 {
		duration = 12 * time.Hour
	}
	return &Service{
		secret:        []byte(cfg.JWTSecret),
		passwordHash:  cfg.AdminPasswordHash,
		tokenDuration: duration,
	}
}

// Login checks the admin password and returns a signed access token.
func (s *Service) Login(password string) (token string, expiresIn int64, err error) {
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int64(s.tokenDuration.Seconds()), nil
}

// ValidateToken parses and verifies an access token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Issuer != tokenIssuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash for a plaintext password. Used by the
// hashpw admin helper to generate AUTH_ADMIN_PASSWORD_HASH values.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
