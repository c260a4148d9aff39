package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource yields a bearer token for the backend API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed personal access token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// refreshMargin is how close to expiry a cached token is still served.
const refreshMargin = 5 * time.Second

// JWTAuthConfig configures the OAuth JWT-bearer flow.
type JWTAuthConfig struct {
	BaseURL    string // https://api.coze.cn
	Audience   string // api.coze.cn
	AppID      string
	KeyID      string
	PrivateKey *rsa.PrivateKey
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// JWTAuth exchanges a self-signed RS256 assertion for a short-lived access
// token and caches it until shortly before expiry.
type JWTAuth struct {
	cfg    JWTAuthConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// LoadPrivateKey reads a PEM-encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

func NewJWTAuth(cfg JWTAuthConfig) (*JWTAuth, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("jwt auth: private key is required")
	}
	if cfg.AppID == "" || cfg.KeyID == "" {
		return nil, fmt.Errorf("jwt auth: app id and key id are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(TokenTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &JWTAuth{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger, now: time.Now}, nil
}

// Token returns the cached access token, fetching a new one when it is
// missing or about to expire.
func (a *JWTAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Add(refreshMargin).Before(a.expiresAt) {
		return a.token, nil
	}

	assertion, err := a.sign()
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{
		"grant_type":       "urn:ietf:params:oauth:grant-type:jwt-bearer",
		"duration_seconds": int(a.cfg.TTL / time.Second),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/permission/oauth2/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"` // unix seconds
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token: %s", truncateBody(body))
	}

	a.token = out.AccessToken
	a.expiresAt = time.Unix(out.ExpiresIn, 0)
	a.logger.Debug("access token refreshed", "expires_at", a.expiresAt)
	return a.token, nil
}

func (a *JWTAuth) sign() (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"iss": a.cfg.AppID,
		"aud": a.cfg.Audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = a.cfg.KeyID
	signed, err := tok.SignedString(a.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

func truncateBody(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
