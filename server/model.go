package server

import "time"

// Session captures a logged-in browser session bound to a cookie. Identity is
// the upstream user id established by the last successful credential login.
type Session struct {
	ID              string
	Identity        string
	UpstreamSession string
	Depots          []string
	AuthTime        time.Time
	ExpiresAt       time.Time
}

// AuthorizationCode represents a short-lived single-use code issued to a client.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken is an opaque bearer token record. The token string carries no
// structure; everything a resource server learns about it comes from a
// server-side lookup. Identity is empty when no challenge binding existed at
// exchange time.
type AccessToken struct {
	Token     string
	ClientID  string
	Scope     string
	Resource  string
	Identity  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Client records OAuth client metadata. Every client in this registry is a
// public PKCE client; there are no client secrets.
type Client struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
	GrantTypes   []string
	CreatedAt    time.Time
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// IntrospectionResponse is the RFC 7662 reply, extended with the upstream
// account view so resource servers can see the bridged session state.
type IntrospectionResponse struct {
	Active          bool     `json:"active"`
	ClientID        string   `json:"client_id,omitempty"`
	Scope           string   `json:"scope,omitempty"`
	Exp             int64    `json:"exp,omitempty"`
	Aud             string   `json:"aud,omitempty"`
	Identity        string   `json:"identity,omitempty"`
	UpstreamSession string   `json:"upstream_session,omitempty"`
	ResourceIDs     []string `json:"resource_ids,omitempty"`
	UpstreamStatus  string   `json:"upstream_status,omitempty"`
}
