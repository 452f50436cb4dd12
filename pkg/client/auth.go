package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenFile holds a saved authentication token.
type TokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Server    string    `json:"server"`
	Username  string    `json:"username"`
}

// IsExpired returns true if the token has expired (with optional margin).
// A zero ExpiresAt never expires.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Claims are the JWT claims issued by FruitSalade-style servers.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// ErrNoExpiry is returned for tokens without an exp claim.
var ErrNoExpiry = errors.New("token has no expiry")

// ParseClaims reads the claims of token without verifying its signature.
// The server verifies; the client only needs the expiry and user name.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// TokenExpiry returns the exp claim of token.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// NewTokenFile builds a token file for server, filling expiry and user from
// the token claims when it is a JWT.
func NewTokenFile(server, token string) *TokenFile {
	tf := &TokenFile{Token: token, Server: server}
	if claims, err := ParseClaims(token); err == nil {
		tf.Username = claims.Username
		if claims.ExpiresAt != nil {
			tf.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	return tf
}

// LoginResponse is the response from POST /api/v1/auth/token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		IsAdmin  bool   `json:"is_admin"`
	} `json:"user"`
}

// RefreshResponse is the response from POST /api/v1/auth/refresh.
type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login authenticates with username and password. The returned token is
// used for later requests.
func (c *Client) Login(ctx context.Context, username, password, deviceName string) (*LoginResponse, error) {
	var result LoginResponse
	err := c.postAuth(ctx, "/api/v1/auth/token", map[string]string{
		"username":    username,
		"password":    password,
		"device_name": deviceName,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.SetAuthToken(result.Token)
	return &result, nil
}

// RefreshToken exchanges the current bearer token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context) (*RefreshResponse, error) {
	var result RefreshResponse
	if err := c.postAuth(ctx, "/api/v1/auth/refresh", nil, &result); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	c.SetAuthToken(result.Token)
	return &result, nil
}

// postAuth posts payload as JSON (nil sends no body) and decodes a 200
// reply into out. Other statuses come back as *StatusError.
func (c *Client) postAuth(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StartTokenRefreshLoop refreshes the token before it expires and saves it
// to path. It stops when ctx is done.
func (c *Client) StartTokenRefreshLoop(ctx context.Context, tf *TokenFile, path string, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tf.IsExpired(time.Hour) {
					continue
				}
				c.log.Info("Token expiring soon, refreshing")
				refreshResp, err := c.RefreshToken(ctx)
				if err != nil {
					c.log.Error("Token refresh failed", zap.Error(err))
					continue
				}
				tf.Token = refreshResp.Token
				tf.ExpiresAt = refreshResp.ExpiresAt
				if err := SaveToken(path, tf); err != nil {
					c.log.Error("Failed to save refreshed token", zap.Error(err))
				} else {
					c.log.Info("Token refreshed", zap.Time("expires_at", tf.ExpiresAt))
				}
			}
		}
	}()
}

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "vlist", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vlist", "token.json")
}

// SaveToken writes a token file to path.
func SaveToken(path string, tf *TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token file from path.
func LoadToken(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}
