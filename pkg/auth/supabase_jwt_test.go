package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-signing-key"

func signToken(t *testing.T, claims jwt.Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func validClaims() Claims {
	return Claims{
		Email: "candidate@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "6f1e0a54-9c3b-4c1d-8f0a-2b7a6f1e0a54",
			Audience:  jwt.ClaimStrings{"authenticated"},
			Issuer:    "https://test.supabase.co/auth/v1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func newTestAuth(t *testing.T) *SupabaseJWTAuth {
	t.Helper()
	a, err := NewSupabaseJWTAuth(testSecret, "https://test.supabase.co", "authenticated", 10*time.Second)
	if err != nil {
		t.Fatalf("failed to create auth: %v", err)
	}
	return a
}

func TestVerifyAccessToken(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, validClaims(), testSecret)

	user, err := a.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("expected valid token, got error: %v", err)
	}
	if user.ID != "6f1e0a54-9c3b-4c1d-8f0a-2b7a6f1e0a54" {
		t.Errorf("unexpected user ID: %s", user.ID)
	}
	if user.Email != "candidate@example.com" {
		t.Errorf("unexpected email: %s", user.Email)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := newTestAuth(t)
	token := signToken(t, validClaims(), "some-other-secret")

	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expected verification failure for wrong secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	a := newTestAuth(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signToken(t, claims, testSecret)

	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expected verification failure for expired token")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	a := newTestAuth(t)
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"anon"}
	token := signToken(t, claims, testSecret)

	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expected verification failure for wrong audience")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	a := newTestAuth(t)
	claims := validClaims()
	claims.Issuer = "https://evil.example/auth/v1"
	token := signToken(t, claims, testSecret)

	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expected verification failure for wrong issuer")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	a := newTestAuth(t)
	claims := validClaims()
	claims.Subject = ""
	token := signToken(t, claims, testSecret)

	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expected verification failure for missing subject")
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid bearer", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"lowercase bearer", "bearer abc.def.ghi", "abc.def.ghi", false},
		{"empty header", "", "", true},
		{"no scheme", "abc.def.ghi", "", true},
		{"wrong scheme", "Basic abc", "", true},
		{"empty token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractToken(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ExtractToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := NewSupabaseJWTAuth("", "https://test.supabase.co", "", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestIssuerNormalization(t *testing.T) {
	a, err := NewSupabaseJWTAuth(testSecret, "https://test.supabase.co/", "authenticated", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(a.issuer, "/auth/v1") || strings.Contains(a.issuer, "//auth") {
		t.Errorf("unexpected issuer: %s", a.issuer)
	}
}
