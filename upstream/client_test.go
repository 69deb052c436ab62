package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:       srv.URL,
		LoginPath:     "/rest/login",
		AccountPath:   "/rest/account",
		SessionHeader: "X-Session-Key",
		ClientName:    "test",
		ClientVersion: "0.0.1",
	}, testLogger())
}

func TestLoginSuccess(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/login", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req["username"])
		assert.Equal(t, "test", req["client"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": "sess-1",
			"user": map[string]any{
				"_id":    "user-1",
				"email":  "alice@example.com",
				"depots": []string{"d1", "d2"},
			},
		})
	}))

	res, err := client.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.Session)
	assert.Equal(t, "user-1", res.Identity)
	assert.Equal(t, []string{"d1", "d2"}, res.Depots)
}

func TestLoginRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad credentials"}`, http.StatusUnauthorized)
	}))

	_, err := client.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	// The upstream error body is never echoed into our error.
	assert.NotContains(t, err.Error(), "bad credentials")
}

func TestLoginMalformedResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"session": ""})
	}))

	_, err := client.Login(context.Background(), "alice", "pw")
	require.Error(t, err)
}

func TestFetchAccountOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		wantOK  bool
	}{
		{"ok", http.StatusOK, nil, true},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, ErrUnauthorized, false},
		{"server error", http.StatusInternalServerError, ErrTransient, false},
		{"bad gateway", http.StatusBadGateway, ErrTransient, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "sess-1", r.Header.Get("X-Session-Key"))
				assert.Equal(t, "d1", r.URL.Query().Get("depot"))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"balance":42}`))
			}))

			payload, err := client.FetchAccount(context.Background(), "sess-1", "d1")
			if tc.wantOK {
				require.NoError(t, err)
				assert.JSONEq(t, `{"balance":42}`, string(payload))
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestFetchAccountNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client := NewClient(ClientConfig{
		BaseURL:       srv.URL,
		AccountPath:   "/rest/account",
		SessionHeader: "X-Session-Key",
	}, testLogger())

	_, err := client.FetchAccount(context.Background(), "sess-1", "d1")
	require.ErrorIs(t, err, ErrTransient)
}
