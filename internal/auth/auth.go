// Package auth issues and validates the bearer tokens used by the
// HTTP surface and minted on behalf of routine owners when the
// scheduler replays actions through the command endpoint.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 24 * time.Hour

// ErrInvalidToken is returned for malformed, mis-signed, or expired
// tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims carried in every Casia token.
type Claims struct {
	Name    string `json:"name"`
	IsOwner bool   `json:"owner"`
	jwt.RegisteredClaims
}

// Minter signs and verifies HMAC-SHA256 tokens.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter creates a Minter. A non-positive ttl selects DefaultTTL.
func NewMinter(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{secret: []byte(secret), ttl: ttl}
}

// Mint issues a token for the user.
func (m *Minter) Mint(userID int64, name string, isOwner bool) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Name:    name,
		IsOwner: isOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its claims plus the numeric
// user id from the subject.
func (m *Minter) Verify(tokenString string) (*Claims, int64, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, 0, ErrInvalidToken
	}
	return claims, userID, nil
}

// HashPassword hashes a user secret with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
