package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpauthd/upstream"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Tokens   *TokenService
	Clients  *ClientRegistry
	Upstream *upstream.Client
	Accounts *upstream.AccountStore
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()
	accounts := upstream.NewAccountStore()

	upClient := upstream.NewClient(upstream.ClientConfig{
		BaseURL:       cfg.Upstream.BaseURL,
		LoginPath:     cfg.Upstream.LoginPath,
		AccountPath:   cfg.Upstream.AccountPath,
		SessionHeader: cfg.Upstream.SessionHeader,
		ClientName:    cfg.Upstream.ClientName,
		ClientVersion: cfg.Upstream.ClientVersion,
		Timeout:       cfg.Upstream.Timeout,
	}, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Tokens:   NewTokenService(cfg, store, accounts, logger),
		Clients:  NewClientRegistry(),
		Upstream: upClient,
		Accounts: accounts,
	}, nil
}

// Routes constructs the HTTP router with all OAuth endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)

	r.Get("/authorize", a.handleAuthorize)
	r.Get("/login", a.handleLoginForm)
	r.Post("/login", a.handleLoginSubmit)
	r.Post("/token", a.handleToken)
	r.Post("/introspect", a.handleIntrospect)
	r.Post("/register", a.handleRegister)
	r.Post("/logout", a.handleLogout)

	r.Get("/healthz", a.handleHealth)

	return r
}

func (a *App) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(a.Config.Server.PublicURL, "/")
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"introspection_endpoint":                issuer + "/introspect",
		"registration_endpoint":                 issuer + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(a.Config.Server.PublicURL, "/")
	writeJSON(w, map[string]any{
		"resource":                 issuer + "/mcp",
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		// Redirect the error only when the redirect URI is registered for the
		// client; otherwise return it directly.
		canRedirect := req.Client != nil && req.RedirectURI != "" && req.Client.ValidRedirect(req.RedirectURI)
		if canRedirect {
			oauthError(w, req.RedirectURI, req.State, errInvalidRequest, err.Error())
		} else {
			http.Error(w, fmt.Sprintf("%s: %s", errInvalidRequest, err.Error()), http.StatusBadRequest)
		}
		return
	}

	session, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch error", "error", err)
	}

	if session == nil || session.Identity == "" {
		// No proven identity yet: bounce through the login bridge and return
		// here with the same query intact.
		returnTo := r.URL.Path
		if r.URL.RawQuery != "" {
			returnTo += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, "/login?returnTo="+url.QueryEscape(returnTo), http.StatusFound)
		return
	}

	if err := a.completeAuthorize(w, r, req, session); err != nil {
		a.Logger.Error("authorize issue code", "error", err)
		oauthError(w, req.RedirectURI, req.State, errServerError, "failed to issue code")
	}
}

func (a *App) completeAuthorize(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, session *Session) error {
	// The challenge is the only handle the token endpoint will have on this
	// flow, so the proven identity rides on it until exchange.
	a.Store.BindChallenge(req.CodeChallenge, session.Identity)

	code := a.Store.NewID()
	a.Store.SaveAuthCode(AuthorizationCode{
		Code:                code,
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            req.Resource,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(a.Config.Tokens.CodeTTL),
	})

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return err
	}
	values := redirect.Query()
	values.Set("code", code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
	return nil
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "", "", errInvalidRequest, "invalid form")
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r)
	case "refresh_token":
		// Deliberately unsupported: tokens are short-lived and re-acquired
		// through a full flow.
		oauthError(w, "", "", errUnsupportedGrantType, "refresh_token grant not supported")
	default:
		oauthError(w, "", "", errUnsupportedGrantType, fmt.Sprintf("unsupported grant_type %q", grantType))
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	codeVerifier := r.FormValue("code_verifier")

	authCode, ok := a.Store.ConsumeAuthCode(code)
	if !ok {
		oauthError(w, "", "", errInvalidGrant, "code invalid or expired")
		return
	}

	if authCode.ClientID != clientID {
		oauthError(w, "", "", errInvalidGrant, "client mismatch")
		return
	}
	if redirectURI := r.FormValue("redirect_uri"); redirectURI != "" && redirectURI != authCode.RedirectURI {
		oauthError(w, "", "", errInvalidGrant, "redirect_uri mismatch")
		return
	}

	client, ok := a.Clients.Get(clientID)
	if !ok {
		oauthError(w, "", "", errInvalidGrant, "unknown client")
		return
	}

	tokens, err := a.Tokens.ExchangeAuthorizationCode(authCode, client, codeVerifier)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			oauthError(w, "", "", errInvalidGrant, err.Error())
			return
		}
		a.Logger.Error("token exchange", "error", err)
		oauthError(w, "", "", errServerError, "failed to mint token")
		return
	}

	writeJSON(w, tokens)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		http.Error(w, errInvalidRequest, http.StatusBadRequest)
		return
	}

	resp := a.Tokens.Introspect(token)
	if !resp.Active {
		w.WriteHeader(http.StatusUnauthorized)
	}
	writeJSON(w, resp)
}

// handleRegister implements dynamic registration for public PKCE clients.
// Redirect URIs are restricted to loopback addresses.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_client_metadata", "error_description": "malformed registration request",
		})
		return
	}

	client, err := a.Clients.Register(a.Store.NewID(), req.ClientName, req.RedirectURIs)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_redirect_uri", "error_description": err.Error(),
		})
		return
	}

	a.Logger.Info("registered client", "client_id", client.ClientID, "client_name", client.ClientName)
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"token_endpoint_auth_method": "none",
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, _ := a.Sessions.Fetch(r); sess != nil {
		a.Store.DeleteSession(sess.ID)
	}
	a.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, errors.New("client_id required")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		return AuthorizeRequest{}, errors.New("redirect_uri required")
	}

	// Unseen client ids self-register here, provided the redirect URI is a
	// loopback address.
	client, err := a.Clients.EnsureClient(clientID, redirectURI)
	if err != nil {
		return AuthorizeRequest{State: q.Get("state")}, err
	}
	if !client.ValidRedirect(redirectURI) {
		return AuthorizeRequest{Client: client, State: q.Get("state")}, errors.New("redirect_uri not registered for client")
	}

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		return AuthorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}, errors.New("unsupported response_type")
	}

	codeChallenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if codeChallenge == "" || method != "S256" {
		return AuthorizeRequest{Client: client, RedirectURI: redirectURI, State: q.Get("state")}, errors.New("pkce with S256 required")
	}

	return AuthorizeRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Resource:            q.Get("resource"),
	}, nil
}

// AuthorizeRequest encapsulates parsed parameters for /authorize.
type AuthorizeRequest struct {
	Client              *Client
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	// Never redirect to unsafe URIs; return the error as JSON instead.
	if redirectURI == "" || !isLoopbackRedirect(redirectURI) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error": code, "error_description": desc,
		})
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
