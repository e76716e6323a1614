package utils

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

var jwtTestOnce sync.Once

func configureTestJWT() {
	jwtTestOnce.Do(func() {
		ConfigureJWT("jwt-test-secret", 24)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	configureTestJWT()

	userID := uuid.New()
	token, err := GenerateToken(userID, "anna", true)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user id %s, got %s", userID, claims.UserID)
	}
	if claims.Username != "anna" {
		t.Fatalf("expected username anna, got %s", claims.Username)
	}
	if !claims.IsSuperuser {
		t.Fatal("expected superuser flag to survive the round trip")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	configureTestJWT()

	if _, err := ValidateToken("not-a-token"); err == nil {
		t.Fatal("expected garbage to be rejected")
	}
}

func TestEmailTokenRoundTrip(t *testing.T) {
	configureTestJWT()

	userID := uuid.New()
	token, err := GenerateEmailToken(userID, "anna@example.com")
	if err != nil {
		t.Fatalf("GenerateEmailToken failed: %v", err)
	}

	claims, err := ValidateEmailToken(token)
	if err != nil {
		t.Fatalf("ValidateEmailToken failed: %v", err)
	}
	if claims.UserID != userID || claims.Email != "anna@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestEmailTokenRejectsAuthTokens(t *testing.T) {
	configureTestJWT()

	token, err := GenerateToken(uuid.New(), "anna", false)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	// a session token must never pass as an email confirmation
	if _, err := ValidateEmailToken(token); err == nil {
		t.Fatal("expected an auth token to be rejected as email token")
	}
}
