package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"mcpauthd/upstream"
)

// TokenService mints and validates opaque access tokens. Identity travels from
// the login bridge to the token via the consumed challenge binding, never
// inside the token string itself.
type TokenService struct {
	accessTTL time.Duration
	store     *InMemoryStore
	accounts  *upstream.AccountStore
	logger    *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store *InMemoryStore, accounts *upstream.AccountStore, logger *slog.Logger) *TokenService {
	return &TokenService{
		accessTTL: cfg.Tokens.AccessTTL,
		store:     store,
		accounts:  accounts,
		logger:    logger,
	}
}

// ExchangeAuthorizationCode trades a consumed authorization code for an opaque
// access token. The caller has already consumed the code from the store and
// verified the client id; this verifies PKCE, resolves the identity binding,
// and mints.
func (ts *TokenService) ExchangeAuthorizationCode(code AuthorizationCode, client *Client, codeVerifier string) (TokenResponse, error) {
	identity := ""
	if code.CodeChallenge != "" {
		// The binding is consumed whether or not verification passes: a dead
		// flow must not leave an identity behind for a later flow that
		// happens to reuse the same challenge value.
		bound, ok := ts.store.ConsumeChallengeBinding(code.CodeChallenge)
		if err := verifyPKCE(code, codeVerifier); err != nil {
			return TokenResponse{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
		if ok {
			identity = bound
		} else {
			// Token is still issued; tool calls that need an identity fail closed.
			ts.logger.Warn("no identity bound to code challenge, issuing identity-less token",
				"client_id", code.ClientID)
		}
	}

	tok := AccessToken{
		Token:     ts.store.NewToken(),
		ClientID:  client.ClientID,
		Scope:     code.Scope,
		Resource:  code.Resource,
		Identity:  identity,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ts.accessTTL),
	}
	ts.store.SaveAccessToken(tok)

	return TokenResponse{
		AccessToken: tok.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       tok.Scope,
	}, nil
}

// VerifyAccessToken resolves an opaque token to its full record.
func (ts *TokenService) VerifyAccessToken(token string) (AccessToken, error) {
	if token == "" {
		return AccessToken{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	tok, ok := ts.store.GetAccessToken(token)
	if !ok {
		return AccessToken{}, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	}
	if time.Now().After(tok.ExpiresAt) {
		ts.store.DeleteAccessToken(token)
		return AccessToken{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return tok, nil
}

// Introspect returns RFC 7662 metadata joined with the current upstream
// account state for the bound identity. Invalid tokens yield {active:false},
// never an error.
func (ts *TokenService) Introspect(token string) IntrospectionResponse {
	tok, err := ts.VerifyAccessToken(token)
	if err != nil {
		return IntrospectionResponse{Active: false}
	}

	resp := IntrospectionResponse{
		Active:   true,
		ClientID: tok.ClientID,
		Scope:    tok.Scope,
		Exp:      tok.ExpiresAt.Unix(),
		Aud:      tok.Resource,
		Identity: tok.Identity,
	}
	if tok.Identity != "" {
		if acct, ok := ts.accounts.Get(tok.Identity); ok {
			resp.UpstreamSession = acct.Session
			resp.ResourceIDs = acct.Depots
			resp.UpstreamStatus = string(acct.Status)
		}
	}
	return resp
}

func verifyPKCE(code AuthorizationCode, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(code.CodeChallenge)) != 1 {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}
