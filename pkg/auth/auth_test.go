// Tests for bcrypt API key hashing and JWT generation/parsing.
package auth

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("test-secret-key-32-chars-min!!!")

func TestMain(m *testing.M) {
	// production cost makes every hash take ~250ms
	hashCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// ===== BCRYPT TESTS =====

// TestHashAPIKey verifies that HashAPIKey generates a valid bcrypt hash.
func TestHashAPIKey(t *testing.T) {
	t.Parallel()

	secret := "s3cr3t-api-key"
	hash, err := HashAPIKey(secret)

	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}

	if hash == secret {
		t.Error("Hash should not equal plaintext secret")
	}

	if !isValidBcryptHash(hash) {
		t.Errorf("Hash format is invalid: %s", hash)
	}
}

// TestVerifyAPIKey_CorrectAndWrong verifies match and mismatch.
func TestVerifyAPIKey_CorrectAndWrong(t *testing.T) {
	t.Parallel()

	hash, _ := HashAPIKey("right")

	if !VerifyAPIKey(hash, "right") {
		t.Error("VerifyAPIKey should return true for the correct secret")
	}
	if VerifyAPIKey(hash, "wrong") {
		t.Error("VerifyAPIKey should return false for a wrong secret")
	}
	if VerifyAPIKey(hash, "Right") {
		t.Error("VerifyAPIKey should be case-sensitive")
	}
}

// TestVerifyAPIKey_InvalidHash verifies that a malformed hash is a mismatch, not a panic.
func TestVerifyAPIKey_InvalidHash(t *testing.T) {
	t.Parallel()

	if VerifyAPIKey("not-a-bcrypt-hash", "anything") {
		t.Error("VerifyAPIKey should return false for an invalid hash")
	}
}

// ===== JWT TESTS =====

// TestGenerateJWT verifies that GenerateJWT produces a three-part token.
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	token, err := GenerateJWT(testSecret, "alice", time.Hour)

	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}

	if parts := strings.Count(token, ".") + 1; parts != 3 {
		t.Errorf("JWT should have 3 parts, got %d", parts)
	}
}

// TestGenerateJWT_EmptySecret verifies that signing without a secret fails.
func TestGenerateJWT_EmptySecret(t *testing.T) {
	t.Parallel()

	if _, err := GenerateJWT(nil, "alice", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
}

// TestParseJWT_ValidToken verifies that ParseJWT extracts the identity.
func TestParseJWT_ValidToken(t *testing.T) {
	t.Parallel()

	token, _ := GenerateJWT(testSecret, "alice", time.Hour)

	claims, err := ParseJWT(testSecret, token)
	if err != nil {
		t.Fatalf("ParseJWT failed for valid token: %v", err)
	}

	if claims.Identity() != "alice" {
		t.Errorf("Expected identity alice, got %s", claims.Identity())
	}
}

// TestParseJWT_WrongSecret verifies that a token signed with another key is rejected.
func TestParseJWT_WrongSecret(t *testing.T) {
	t.Parallel()

	token, _ := GenerateJWT([]byte("some-other-secret"), "alice", time.Hour)

	if _, err := ParseJWT(testSecret, token); err == nil {
		t.Error("expected error for token signed with a different secret")
	}
}

// TestParseJWT_MalformedToken verifies that garbage is rejected.
func TestParseJWT_MalformedToken(t *testing.T) {
	t.Parallel()

	for _, tok := range []string{"", "not.a.jwt", "abc"} {
		if _, err := ParseJWT(testSecret, tok); err == nil {
			t.Errorf("expected error for %q", tok)
		}
	}
}

// TestParseJWT_Expired verifies that expired tokens are rejected.
func TestParseJWT_Expired(t *testing.T) {
	t.Parallel()

	token, _ := GenerateJWT(testSecret, "alice", -time.Minute)

	if _, err := ParseJWT(testSecret, token); err == nil {
		t.Error("expected error for expired token")
	}
}

// TestParseJWT_MissingSubject verifies that a token without an identity is rejected.
func TestParseJWT_MissingSubject(t *testing.T) {
	t.Parallel()

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := ParseJWT(testSecret, token); err == nil {
		t.Error("expected error for token without subject")
	}
}

// TestParseJWT_RejectsNoneAlgorithm guards against algorithm substitution.
func TestParseJWT_RejectsNoneAlgorithm(t *testing.T) {
	t.Parallel()

	claims := jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := ParseJWT(testSecret, token); err == nil {
		t.Error("expected error for alg=none token")
	}
}

// ===== parseJWTExpiry TESTS =====

func TestParseJWTExpiry(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		"":             DefaultJWTExpiry * time.Hour,
		"48":           48 * time.Hour,
		"not-a-number": DefaultJWTExpiry * time.Hour,
		"0":            0,
		"1":            time.Hour,
	}
	for in, want := range cases {
		if got := parseJWTExpiry(in); got != want {
			t.Errorf("parseJWTExpiry(%q) = %v; want %v", in, got, want)
		}
	}
}

// ===== HELPER FUNCTIONS (test utilities) =====

// isValidBcryptHash checks if a string looks like a valid bcrypt hash.
func isValidBcryptHash(hash string) bool {
	// Bcrypt hashes start with $2a$, $2b$, or $2y$ and are 60 characters long
	if len(hash) != 60 {
		return false
	}
	return hash[:4] == "$2a$" || hash[:4] == "$2b$" || hash[:4] == "$2y$"
}
