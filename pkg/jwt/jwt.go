package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingKey   = errors.New("signing secret is empty")
)

// TokenTypeAccess is the only token type accepted at the websocket handshake.
const TokenTypeAccess = "access"

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Type     string `json:"type"`
}

// Manager signs and validates HS256 tokens with a shared secret. The
// secret is shared with the service that issues tokens on login.
type Manager struct {
	secret         []byte
	issuer         string
	accessDuration time.Duration
	now            func() time.Time
}

// NewManager creates a new JWT manager.
func NewManager(secret, issuer string, accessDuration time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	if accessDuration <= 0 {
		accessDuration = time.Hour
	}
	return &Manager{
		secret:         []byte(secret),
		issuer:         issuer,
		accessDuration: accessDuration,
		now:            time.Now,
	}, nil
}

// GenerateAccessToken issues an access token for the given user.
func (m *Manager) GenerateAccessToken(userID, username, avatar string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.accessDuration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:   userID,
		Username: username,
		Avatar:   avatar,
		Type:     TokenTypeAccess,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// ValidateToken validates an access token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
