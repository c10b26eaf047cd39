package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clawbridge/clawbridge/internal/metrics"
	"github.com/clawbridge/clawbridge/internal/retry"
)

// Public installed-app client credentials used by the Gemini CLI. These are
// not secrets; installed-app flows ship them with the binary.
const (
	ClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	ClientSecret = "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"

	tokenEndpoint = "https://oauth2.googleapis.com/token"
)

// AuthError marks authentication failures so the HTTP layer can map them
// to 401 without retry bouncing.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// Manager owns the process-wide OAuth credentials. Reads take the shared
// fast path; refreshes are single-flight so at most one token POST is in
// flight regardless of caller concurrency.
type Manager struct {
	path        string
	buffer      time.Duration
	autoRefresh bool
	tokenURL    string
	client      *http.Client
	retryCfg    retry.Config

	mu    sync.RWMutex
	creds *Credentials

	group singleflight.Group
}

type Option func(*Manager)

// WithTokenURL overrides the Google token endpoint (tests).
func WithTokenURL(u string) Option {
	return func(m *Manager) { m.tokenURL = u }
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

func WithAutoRefresh(enabled bool) Option {
	return func(m *Manager) { m.autoRefresh = enabled }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager loads credentials from path and returns a ready manager.
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path:        path,
		buffer:      5 * time.Minute,
		autoRefresh: true,
		tokenURL:    tokenEndpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
		retryCfg:    retry.DefaultConfig(),
	}
	for _, o := range opts {
		o(m)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		return nil, &AuthError{Message: "loading OAuth credentials", Err: err}
	}
	m.creds = creds
	metrics.OAuthTokenExpiry.Set(creds.ExpiresIn().Seconds())

	slog.Info("oauth credentials loaded", "path", path, "expires_in", creds.ExpiresIn().Round(time.Second))
	return m, nil
}

// Token returns a bearer access token valid for at least the refresh buffer.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	creds := m.creds
	m.mu.RUnlock()

	if !creds.Expired(m.buffer) {
		return creds.AccessToken, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a previous waiter may have refreshed.
		m.mu.RLock()
		current := m.creds
		m.mu.RUnlock()
		if !current.Expired(m.buffer) {
			return current.AccessToken, nil
		}

		if !m.autoRefresh {
			return nil, &AuthError{Message: "access token expired and auto_refresh is disabled"}
		}
		refreshed, err := m.refresh(ctx, current.RefreshToken)
		if err != nil {
			return nil, err
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ExpiresIn reports the remaining lifetime of the current token.
func (m *Manager) ExpiresIn() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.ExpiresIn()
}

// Snapshot returns a copy of the current credentials.
func (m *Manager) Snapshot() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.creds
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	IDToken     string `json:"id_token"`
	// Google may rotate the refresh token.
	RefreshToken string `json:"refresh_token"`
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	slog.Info("refreshing oauth access token")

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ClientID},
		"client_secret": {ClientSecret},
	}

	tok, err := retry.Do(ctx, m.retryCfg, func() (*tokenResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return nil, &retry.HTTPError{Status: resp.StatusCode, Body: string(body)}
		}

		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}
		return &tok, nil
	})
	if err != nil {
		metrics.OAuthRefreshes.WithLabelValues("error").Inc()
		return nil, &AuthError{Message: "oauth token refresh failed", Err: err}
	}

	m.mu.Lock()
	creds := *m.creds
	creds.AccessToken = tok.AccessToken
	creds.ExpiryDate = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	if tok.TokenType != "" {
		creds.TokenType = tok.TokenType
	}
	if tok.Scope != "" {
		creds.Scope = tok.Scope
	}
	if tok.IDToken != "" {
		creds.IDToken = tok.IDToken
	}
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}
	m.creds = &creds
	m.mu.Unlock()

	metrics.OAuthRefreshes.WithLabelValues("success").Inc()
	metrics.OAuthTokenExpiry.Set(creds.ExpiresIn().Seconds())

	if err := SaveCredentials(m.path, &creds); err != nil {
		// The in-memory token is valid; persisting is best-effort.
		slog.Warn("persisting refreshed credentials failed", "error", err)
	}

	slog.Info("oauth token refreshed", "expires_in", creds.ExpiresIn().Round(time.Second))
	return &creds, nil
}
