package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaymon/internal/config"
)

var (
	// ErrBadCredentials is returned for a failed login attempt.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrInvalidToken is returned for a token that does not verify.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the payload of an issued API token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and verifies bearer tokens for the HTTP API. One static
// credential pair, HS256 signatures, bounded session lifetime.
type Service struct {
	username string
	password string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	if cfg.Password == "" {
		return nil, errors.New("auth.password is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	return &Service{
		username: cfg.Username,
		password: cfg.Password,
		secret:   []byte(cfg.JWTSecret),
		ttl:      cfg.SessionTTL(),
		now:      time.Now,
	}, nil
}

// Authenticate checks a credential pair in constant time.
func (s *Service) Authenticate(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password))
	if userOK&passOK != 1 {
		return ErrBadCredentials
	}
	return nil
}

// IssueToken signs a fresh token for username and returns it with its
// expiry time.
func (s *Service) IssueToken(username string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "relaymon",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseToken verifies a bearer token and returns its claims.
func (s *Service) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
