package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(secret string, clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "railwatch-auth",
		Audience:      "railwatch-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer("test-secret", nil)

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	uid, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if uid != "user-1" {
		t.Fatalf("expected subject user-1, got %q", uid)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer("test-secret", nil)
	other := newTestIssuer("other-secret", nil)

	token, _, err := other.IssueSessionToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected validation failure for foreign signature")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	issuer := newTestIssuer("test-secret", func() time.Time { return issued })

	token, _, err := issuer.IssueSessionToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	late := newTestIssuer("test-secret", func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := late.ValidateToken(token); err == nil {
		t.Fatal("expected validation failure for expired token")
	}
}

func TestIssueRejectsEmptySubject(t *testing.T) {
	issuer := newTestIssuer("test-secret", nil)
	if _, _, err := issuer.IssueSessionToken(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty uid")
	}
}
