package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateActiveToken(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("token") != "tok-1" {
			t.Fatalf("unexpected token %q", r.FormValue("token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":           true,
			"client_id":        "cli",
			"scope":            "profile depot",
			"exp":              time.Now().Add(time.Minute).Unix(),
			"identity":         "user-1",
			"upstream_session": "sess-1",
			"resource_ids":     []string{"d1"},
			"upstream_status":  "CONNECTED",
		})
	}))
	defer srv.Close()

	v := NewValidator(ValidatorConfig{IntrospectionURL: srv.URL})

	claims, err := v.Validate(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Identity != "user-1" || claims.UpstreamStatus != "CONNECTED" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Scopes) != 2 {
		t.Fatalf("expected split scopes, got %v", claims.Scopes)
	}

	// Second validation is served from cache.
	if _, err := v.Validate(context.Background(), "tok-1"); err != nil {
		t.Fatalf("cached validate: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected 1 introspection call, got %d", got)
	}
}

func TestValidateInactiveToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
	}))
	defer srv.Close()

	v := NewValidator(ValidatorConfig{IntrospectionURL: srv.URL})
	_, err := v.Validate(context.Background(), "bogus")
	if !errors.Is(err, ErrTokenInactive) {
		t.Fatalf("expected ErrTokenInactive, got %v", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	v := NewValidator(ValidatorConfig{IntrospectionURL: "http://127.0.0.1:1"})
	if _, err := v.Validate(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
