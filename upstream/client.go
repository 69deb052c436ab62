// Package upstream integrates the vendor account API: credential logins,
// session-keyed data reads, and the bounded re-login recovery that keeps a
// bridged identity usable without surfacing upstream session expiry.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrUnauthorized signals that the upstream rejected the session key
	// (401/403). This is the only outcome that may trigger a re-login.
	ErrUnauthorized = errors.New("upstream rejected session")

	// ErrTransient covers every non-auth upstream failure: network errors,
	// timeouts, 5xx. Transient failures never change account status.
	ErrTransient = errors.New("upstream transient error")
)

// LoginResult is the normalized view of a successful credential login.
type LoginResult struct {
	Session  string
	Identity string
	Email    string
	Depots   []string
}

// Client performs credential logins and authenticated account reads against
// the upstream service.
type Client struct {
	baseURL       string
	loginPath     string
	accountPath   string
	sessionHeader string
	clientName    string
	clientVersion string
	http          *http.Client
	logger        *slog.Logger
}

// ClientConfig carries the upstream endpoint settings.
type ClientConfig struct {
	BaseURL       string
	LoginPath     string
	AccountPath   string
	SessionHeader string
	ClientName    string
	ClientVersion string
	Timeout       time.Duration
}

// NewClient constructs an upstream client with a bounded request timeout.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		loginPath:     cfg.LoginPath,
		accountPath:   cfg.AccountPath,
		sessionHeader: cfg.SessionHeader,
		clientName:    cfg.ClientName,
		clientVersion: cfg.ClientVersion,
		http:          &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Client   string `json:"client"`
	Version  string `json:"version"`
}

type loginResponse struct {
	Session string `json:"session"`
	User    struct {
		ID     string   `json:"_id"`
		Email  string   `json:"email"`
		Depots []string `json:"depots"`
	} `json:"user"`
}

// Login performs a credential login. Any HTTP-level rejection or malformed
// response is an error; callers at the login bridge translate it into a
// generic failure, the orchestrator into BROKEN_NEEDS_USER.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	body, err := json.Marshal(loginRequest{
		Username: username,
		Password: password,
		Client:   c.clientName,
		Version:  c.clientVersion,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.loginPath, bytes.NewReader(body))
	if err != nil {
		return LoginResult{}, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("upstream login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused; the body is never echoed.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn("upstream login rejected", "status", resp.StatusCode)
		return LoginResult{}, fmt.Errorf("upstream login returned status %d", resp.StatusCode)
	}

	var decoded loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return LoginResult{}, fmt.Errorf("decode login response: %w", err)
	}
	if decoded.Session == "" || decoded.User.ID == "" {
		return LoginResult{}, fmt.Errorf("malformed login response: missing session or user id")
	}

	return LoginResult{
		Session:  decoded.Session,
		Identity: decoded.User.ID,
		Email:    decoded.User.Email,
		Depots:   decoded.User.Depots,
	}, nil
}

// FetchAccount reads account data for one depot using the given session key.
// The returned error is nil, ErrUnauthorized, or wraps ErrTransient; callers
// pattern-match on these three outcomes.
func (c *Client) FetchAccount(ctx context.Context, session, depotID string) (json.RawMessage, error) {
	endpoint := c.baseURL + c.accountPath + "?depot=" + url.QueryEscape(depotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create account request: %v", ErrTransient, err)
	}
	req.Header.Set(c.sessionHeader, session)

	resp, err := c.http.Do(req)
	if err != nil {
		// Includes client timeouts and context cancellation. A timed-out call
		// is not a session rejection and must not trigger re-login.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: upstream returned status %d", ErrTransient, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read account response: %v", ErrTransient, err)
	}
	return payload, nil
}
