// Package client validates opaque access tokens against the authorization
// server's introspection endpoint. Resource servers running out of process
// use this instead of reaching into the token store.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrTokenInactive is returned when introspection reports the token as
// inactive (unknown, expired, or revoked).
var ErrTokenInactive = errors.New("token inactive")

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	IntrospectionURL string
	CacheTTL         time.Duration
	HTTPClient       *http.Client
}

// Validator resolves bearer tokens through the introspection endpoint, with a
// short-lived positive cache so hot tokens do not hammer the authorization
// server.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu    sync.RWMutex
	cache map[string]cachedClaims
}

type cachedClaims struct {
	claims  Claims
	expires time.Time
}

// Claims is the introspection result a resource server acts on.
type Claims struct {
	ClientID        string
	Scopes          []string
	ExpiresAt       time.Time
	Audience        string
	Identity        string
	UpstreamSession string
	ResourceIDs     []string
	UpstreamStatus  string
}

type introspectionReply struct {
	Active          bool     `json:"active"`
	ClientID        string   `json:"client_id"`
	Scope           string   `json:"scope"`
	Exp             int64    `json:"exp"`
	Aud             string   `json:"aud"`
	Identity        string   `json:"identity"`
	UpstreamSession string   `json:"upstream_session"`
	ResourceIDs     []string `json:"resource_ids"`
	UpstreamStatus  string   `json:"upstream_status"`
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Validator{cfg: cfg, client: client, cache: make(map[string]cachedClaims)}
}

// Validate introspects the token. Inactive tokens return ErrTokenInactive;
// only active results are cached.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	if claims, ok := v.cached(rawToken); ok {
		return &claims, nil
	}

	form := url.Values{"token": {rawToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()

	// The endpoint answers 401 for inactive tokens but still carries the
	// {active:false} body, so decode before checking status.
	var reply introspectionReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	if !reply.Active {
		return nil, ErrTokenInactive
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	claims := Claims{
		ClientID:        reply.ClientID,
		Scopes:          strings.Fields(reply.Scope),
		ExpiresAt:       time.Unix(reply.Exp, 0),
		Audience:        reply.Aud,
		Identity:        reply.Identity,
		UpstreamSession: reply.UpstreamSession,
		ResourceIDs:     reply.ResourceIDs,
		UpstreamStatus:  reply.UpstreamStatus,
	}
	v.store(rawToken, claims)
	return &claims, nil
}

func (v *Validator) cached(token string) (Claims, bool) {
	v.mu.RLock()
	entry, ok := v.cache[token]
	v.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return Claims{}, false
	}
	return entry.claims, true
}

func (v *Validator) store(token string, claims Claims) {
	expires := time.Now().Add(v.cfg.CacheTTL)
	// Never cache past the token's own expiry.
	if claims.ExpiresAt.Before(expires) {
		expires = claims.ExpiresAt
	}
	v.mu.Lock()
	v.cache[token] = cachedClaims{claims: claims, expires: expires}
	v.mu.Unlock()
}
