package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("fset-test-secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user_9f2c",
		Name: "Ada",
		Role: "member",
		JTI:  "tok_0001",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user_9f2c" || claims.Name != "Ada" || claims.Role != "member" || claims.JTI != "tok_0001" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("fset-test-secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user_9f2c",
		Name: "Ada",
		Role: "member",
		JTI:  "tok_0001",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrExpiredToken {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("fset-test-secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user_9f2c",
		Name: "Ada",
		Role: "member",
		JTI:  "tok_0001",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	// A forged payload keeps the signature of the original.
	payload, signature, _ := strings.Cut(issued, ".")
	forged, err := IssueToken(secret, Claims{
		Sub:  "user_9f2c",
		Name: "Ada",
		Role: "admin",
		JTI:  "tok_0001",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	forgedPayload, _, _ := strings.Cut(forged, ".")
	if _, err := ParseToken(secret, forgedPayload+"."+signature); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken for a forged payload", err)
	}

	if _, err := ParseToken([]byte("other-secret"), payload+"."+signature); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken under the wrong secret", err)
	}
	if _, err := ParseToken(secret, "not-a-token"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken for a one-part token", err)
	}
}

func TestHashTokenIsStableAndOpaque(t *testing.T) {
	h := HashToken("rft_abc123")
	if h != HashToken("rft_abc123") {
		t.Fatal("hash must be deterministic")
	}
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h))
	}
	if strings.Contains(h, "rft_") {
		t.Fatal("hash must not leak the token")
	}
}
