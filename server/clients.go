package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ClientRegistry holds registered OAuth clients. The registry is append-only:
// clients are added on first sight or via /register and never mutated beyond
// growing their redirect URI list.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry builds an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[id]
	return client, ok
}

// Register adds a public PKCE client. Every redirect URI must be a loopback
// address; non-loopback URIs are rejected outright.
func (cr *ClientRegistry) Register(clientID, clientName string, redirectURIs []string) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id required")
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect_uri required")
	}
	for _, uri := range redirectURIs {
		if !isLoopbackRedirect(uri) {
			return nil, fmt.Errorf("redirect_uri %q is not a loopback address", uri)
		}
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	if existing, ok := cr.clients[clientID]; ok {
		// Append-only growth of the redirect list.
		for _, uri := range redirectURIs {
			if !containsString(existing.RedirectURIs, uri) {
				existing.RedirectURIs = append(existing.RedirectURIs, uri)
			}
		}
		return existing, nil
	}

	client := &Client{
		ClientID:     clientID,
		ClientName:   clientName,
		RedirectURIs: append([]string(nil), redirectURIs...),
		GrantTypes:   []string{"authorization_code"},
		CreatedAt:    time.Now(),
	}
	cr.clients[clientID] = client
	return client, nil
}

// EnsureClient returns the client for id, lazily registering it as a public
// PKCE client when the id is unseen and the redirect URI qualifies.
func (cr *ClientRegistry) EnsureClient(clientID, redirectURI string) (*Client, error) {
	if client, ok := cr.Get(clientID); ok {
		return client, nil
	}
	return cr.Register(clientID, "", []string{redirectURI})
}

// ValidRedirect reports whether the redirect URI is registered for the client.
func (c *Client) ValidRedirect(uri string) bool {
	return containsString(c.RedirectURIs, uri)
}

// isLoopbackRedirect accepts only http(s) URIs whose host resolves textually
// to the loopback interface. Dynamic registration trusts the caller exactly
// as far as "the browser redirects back to this same machine".
func isLoopbackRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.User != nil || u.Fragment != "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
