package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		UserID:   7,
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   "fruitsalade",
		},
	}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	got, err := TokenExpiry(signedToken(t, exp))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expected %v, got %v", exp, got)
	}

	if _, err := TokenExpiry(signedToken(t, time.Time{})); !errors.Is(err, ErrNoExpiry) {
		t.Errorf("expected ErrNoExpiry, got %v", err)
	}
	if _, err := TokenExpiry("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewTokenFile(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	tf := NewTokenFile("https://files.example.com", signedToken(t, exp))

	if tf.Username != "alice" {
		t.Errorf("expected alice, got %q", tf.Username)
	}
	if !tf.ExpiresAt.Equal(exp) {
		t.Errorf("expected %v, got %v", exp, tf.ExpiresAt)
	}
	if tf.IsExpired(0) {
		t.Error("token should not be expired yet")
	}
	if !tf.IsExpired(time.Hour) {
		t.Error("token expires within the hour margin")
	}

	opaque := NewTokenFile("https://files.example.com", "opaque")
	if opaque.IsExpired(time.Hour) {
		t.Error("tokens without expiry never expire")
	}
}

func TestSaveLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	tf := &TokenFile{Token: "abc", Server: "https://files.example.com", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}

	if err := SaveToken(path, tf); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadToken(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != "abc" || !got.ExpiresAt.Equal(tf.ExpiresAt) {
		t.Errorf("unexpected token file: %+v", got)
	}
}

func TestLogin_Success(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["username"] != "alice" {
			t.Errorf("expected username alice, got %s", req["username"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "jwt-token-123",
			"expires_at": time.Now().Add(24 * time.Hour),
			"user": map[string]interface{}{
				"id": 1, "username": "alice", "is_admin": false,
			},
		})
	}))
	defer ts.Close()

	resp, err := c.Login(context.Background(), "alice", "pass123", "vlist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Token != "jwt-token-123" {
		t.Errorf("expected token jwt-token-123, got %s", resp.Token)
	}
	if resp.User.Username != "alice" {
		t.Errorf("expected user alice, got %s", resp.User.Username)
	}
}

func TestRefreshToken_UsesBearer(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(RefreshResponse{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer ts.Close()

	resp, err := c.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Token != "fresh" {
		t.Errorf("expected fresh token, got %s", resp.Token)
	}
}
