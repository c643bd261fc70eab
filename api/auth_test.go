package api

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func testModeAuth(t *testing.T, secret string) *Auth {
	t.Helper()
	t.Setenv(envAuthTestMode, "1")
	t.Setenv(envTestJWTSecret, secret)
	return NewAuth(nil, "", "")
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthTestModeResolvesSubject(t *testing.T) {
	a := testModeAuth(t, "s3cret")
	token := signHS256(t, "s3cret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	a := testModeAuth(t, "s3cret")
	token := signHS256(t, "s3cret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	a := testModeAuth(t, "s3cret")
	token := signHS256(t, "other", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}

func TestAuthRejectsMissingSubject(t *testing.T) {
	a := testModeAuth(t, "s3cret")
	token := signHS256(t, "s3cret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "plain", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "  Bearer abc  ", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "empty", header: "", wantErr: errMissingAuthorization},
		{name: "spaces only", header: "   ", wantErr: errMissingAuthorization},
		{name: "wrong scheme", header: "Basic abc", wantErr: errBadAuthorization},
		{name: "no token", header: "Bearer ", wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("bearerToken(%q) = %q, %v; want %q", tt.header, got, err, tt.want)
			}
		})
	}
}
