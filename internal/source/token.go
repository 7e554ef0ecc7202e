package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloud-importer/internal/logging"
)

// refreshMargin is how close to expiry a token is refreshed
const refreshMargin = 300 * time.Second

// ErrNoCredentials is returned when no usable token can be produced
var ErrNoCredentials = errors.New("drive credentials not configured")

// TokenSource yields a bearer token for each request
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token
type StaticToken string

// Token implements TokenSource
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}

// RefreshConfig holds OAuth refresh-token grant settings
type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string    // optional initial token
	Expiry       time.Time // expiry of AccessToken; zero forces a refresh
}

// RefreshingTokenSource refreshes the access token when it is within five
// minutes of expiring
type RefreshingTokenSource struct {
	cfg    RefreshConfig
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewRefreshingTokenSource creates a token source backed by the refresh grant
func NewRefreshingTokenSource(cfg RefreshConfig, client *http.Client) *RefreshingTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RefreshingTokenSource{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		token:  cfg.AccessToken,
		expiry: cfg.Expiry,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Token implements TokenSource
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(refreshMargin).Before(s.expiry) {
		return s.token, nil
	}
	if s.cfg.RefreshToken == "" {
		if s.token != "" {
			return s.token, nil
		}
		return "", ErrNoCredentials
	}

	logging.FromContext(ctx).Debug("Access token expiring soon, refreshing")

	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"refresh_token": {s.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return "", fmt.Errorf("token refresh rejected (HTTP %d): %s %s", resp.StatusCode, body.Error, body.Description)
	}

	s.token = body.AccessToken
	s.expiry = s.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	logging.FromContext(ctx).Info("Access token refreshed")
	return s.token, nil
}
