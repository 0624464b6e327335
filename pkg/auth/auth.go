// Authentication primitives: bcrypt-hashed API keys and HS256 JWTs.
// This is a leaf package with no domain dependencies. Used by internal/api/middleware and cmd/chatrelay.
package auth

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ===== CONSTANTS =====

// BCryptCost is the work factor for API key hashes.
const BCryptCost = 12

// hashCost is what HashAPIKey uses; tests lower it.
var hashCost = BCryptCost

// DefaultJWTExpiry is the default JWT lifetime in hours if not set via env.
const DefaultJWTExpiry = 24

const (
	envJWTSecret = "JWT_SECRET"
	envJWTExpiry = "JWT_EXPIRY"
)

// ===== ENVIRONMENT VARIABLES =====

// JWTSecretFromEnv reads JWT_SECRET. An empty result means JWT verification is disabled
// and only API keys are accepted.
func JWTSecretFromEnv() []byte {
	secret := os.Getenv(envJWTSecret)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

// parseJWTExpiry parses an expiry string (hours) into a Duration.
// Returns DefaultJWTExpiry if empty string or invalid number.
func parseJWTExpiry(expiryStr string) time.Duration {
	if expiryStr == "" {
		return time.Duration(DefaultJWTExpiry) * time.Hour
	}

	hours, err := strconv.Atoi(expiryStr)
	if err != nil {
		return time.Duration(DefaultJWTExpiry) * time.Hour
	}

	return time.Duration(hours) * time.Hour
}

// JWTExpiryFromEnv reads JWT_EXPIRY in hours. Defaults to DefaultJWTExpiry.
func JWTExpiryFromEnv() time.Duration {
	return parseJWTExpiry(os.Getenv(envJWTExpiry))
}

// ===== BCRYPT FUNCTIONS =====

// HashAPIKey hashes the secret half of an API key with bcrypt.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether secret matches hash.
// Returns false (not error) for malformed hashes so callers cannot tell the cases apart.
func VerifyAPIKey(hash, secret string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}

// ===== JWT FUNCTIONS =====

// Claims are the JWT claims accepted by chatrelay. The caller identity is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Identity returns the subject claim.
func (c *Claims) Identity() string {
	return c.Subject
}

// GenerateJWT signs a token for identity valid for ttl.
func GenerateJWT(secret []byte, identity string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signedToken, nil
}

// ParseJWT validates and parses a token signed with secret.
// Returns error if token is invalid, expired, malformed, or has no subject.
func ParseJWT(secret []byte, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// HMAC only; rejects algorithm substitution
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid JWT claims or signature")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("JWT has no subject")
	}

	return claims, nil
}
