package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpauthd/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubResolver maps bearer tokens to auth contexts.
type stubResolver map[string]AuthContext

func (s stubResolver) ResolveToken(token string) (AuthContext, error) {
	ac, ok := s[token]
	if !ok {
		return AuthContext{}, errors.New("invalid token")
	}
	return ac, nil
}

func newTestHandler(t *testing.T) (*Handler, *SessionManager, *upstream.AccountStore) {
	t.Helper()

	accounts := upstream.NewAccountStore()
	client := upstream.NewClient(upstream.ClientConfig{BaseURL: "http://127.0.0.1:1"}, testLogger())
	orch := upstream.NewOrchestrator(accounts, client, testLogger())

	sessions := NewSessionManager(testLogger())
	service := NewService(orch, accounts, testLogger())
	resolver := stubResolver{
		"good-token": {Token: "good-token", ClientID: "cli", Identity: "user-1"},
		"anon-token": {Token: "anon-token", ClientID: "cli"},
	}
	handler := NewHandler(sessions, service, resolver,
		"http://127.0.0.1:8080/.well-known/oauth-protected-resource", testLogger())
	return handler, sessions, accounts
}

func initializeBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-03-26","capabilities":{},` +
		`"clientInfo":{"name":"test-client","version":"1.0"}}}`)
}

func postMCP(handler http.Handler, token, sessionID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestInitializeCreatesSession(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)

	w := postMCP(handler, "good-token", "", initializeBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sessionID := w.Header().Get(sessionIDHeader)
	require.NotEmpty(t, sessionID, "initialize must hand back a session id")

	sess, ok := sessions.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "user-1", sess.Auth().Identity)

	var resp struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mcpauthd", resp.Result.ServerInfo.Name)
}

func TestNonInitializeRequiresSessionHeader(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	w := postMCP(handler, "good-token", "", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postMCP(handler, "good-token", "no-such-session", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingOrInvalidTokenChallenges(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	w := postMCP(handler, "", "", initializeBody())
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "resource_metadata")

	w = postMCP(handler, "expired-token", "", initializeBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestToolsListAndCall(t *testing.T) {
	handler, _, accounts := newTestHandler(t)
	accounts.Upsert("user-1", "alice", "pw", upstream.LoginResult{
		Session:  "sess-1",
		Identity: "user-1",
		Depots:   []string{"d1", "d2"},
	})

	w := postMCP(handler, "good-token", "", initializeBody())
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get(sessionIDHeader)

	w = postMCP(handler, "good-token", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, tool := range []string{"account_status", "depot_list", "depot_account"} {
		assert.Contains(t, body, tool)
	}

	w = postMCP(handler, "good-token", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"depot_list","arguments":{}}}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "d1")
	assert.Contains(t, w.Body.String(), "d2")
}

func TestIdentitylessTokenFailsClosed(t *testing.T) {
	handler, _, accounts := newTestHandler(t)
	accounts.Upsert("user-1", "alice", "pw", upstream.LoginResult{
		Session: "sess-1", Identity: "user-1", Depots: []string{"d1"},
	})

	w := postMCP(handler, "anon-token", "", initializeBody())
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get(sessionIDHeader)

	w = postMCP(handler, "anon-token", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"depot_list","arguments":{}}}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no identity is bound")
	assert.NotContains(t, w.Body.String(), "d1")
}

func TestFreshTokenRefreshesSessionAuth(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)

	w := postMCP(handler, "anon-token", "", initializeBody())
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get(sessionIDHeader)

	sess, _ := sessions.Get(sessionID)
	require.Empty(t, sess.Auth().Identity)

	// A later request on the same session with an identity-bearing token
	// upgrades the stored auth context.
	w = postMCP(handler, "good-token", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", sess.Auth().Identity)
}

func TestDeletePurgesSession(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)

	w := postMCP(handler, "good-token", "", initializeBody())
	sessionID := w.Header().Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	req := httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set(sessionIDHeader, sessionID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := sessions.Get(sessionID)
	assert.False(t, ok, "closed session must be gone")

	// The id is unusable afterwards.
	w = postMCP(handler, "good-token", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamReplayAfterLastEventID(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	w := postMCP(handler, "good-token", "", initializeBody())
	sessionID := w.Header().Get(sessionIDHeader)
	sess, ok := sessions.Get(sessionID)
	require.True(t, ok)

	sess.Push([]byte(`{"seq":1}`))
	sess.Push([]byte(`{"seq":2}`))
	sess.Push([]byte(`{"seq":3}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionIDHeader, sessionID)
	req.Header.Set(lastEventIDHeader, "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Events strictly after id 1, in order: 2 then 3.
	var ids []string
	var datas []string
	scanner := bufio.NewScanner(resp.Body)
	for len(datas) < 2 && scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if strings.HasPrefix(line, "data: ") {
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}
	cancel()

	require.Equal(t, []string{"2", "3"}, ids)
	assert.JSONEq(t, `{"seq":2}`, datas[0])
	assert.JSONEq(t, `{"seq":3}`, datas[1])
}

func TestStreamUnknownLastEventIDStartsFresh(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	w := postMCP(handler, "good-token", "", initializeBody())
	sessionID := w.Header().Get(sessionIDHeader)
	sess, _ := sessions.Get(sessionID)
	sess.Push([]byte(`{"seq":1}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionIDHeader, sessionID)
	req.Header.Set(lastEventIDHeader, "garbage")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No replay: the next thing on the wire is a live event.
	done := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				done <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
		done <- ""
	}()

	// Give the stream a moment to attach, then push.
	time.Sleep(100 * time.Millisecond)
	sess.Push([]byte(`{"seq":2}`))

	select {
	case data := <-done:
		assert.JSONEq(t, `{"seq":2}`, data)
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
}

func TestStreamDeliversRacedPushExactlyOnce(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)

	w := postMCP(handler, "good-token", "", initializeBody())
	sessionID := w.Header().Get(sessionIDHeader)
	sess, ok := sessions.Get(sessionID)
	require.True(t, ok)

	// Reconnect ordering: the live channel attaches first, then an event
	// arrives before the replay snapshot is taken. The event is now in both
	// the log and the live channel; the watermark must keep it to one write.
	live := sess.Subscribe()
	sess.Push([]byte(`{"seq":1}`))
	replay := sess.events.ReplayAfter(0)
	require.Len(t, replay, 1)

	rec := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		handler.stream(rec, rec, nil, live, replay)
	}()

	// Closing the session closes the live channel, which ends the stream
	// after the buffered event has been drained.
	sessions.Close(sessionID)
	<-finished

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "data: "), body)
	assert.Equal(t, 1, strings.Count(body, "id: 1\n"), body)
}

func TestNotifyIdentityReachesBoundSessions(t *testing.T) {
	handler, sessions, _ := newTestHandler(t)

	w := postMCP(handler, "good-token", "", initializeBody())
	boundID := w.Header().Get(sessionIDHeader)
	w = postMCP(handler, "anon-token", "", initializeBody())
	anonID := w.Header().Get(sessionIDHeader)

	sessions.NotifyIdentity("user-1", BrokenAccountNotification("user-1"))

	bound, _ := sessions.Get(boundID)
	anon, _ := sessions.Get(anonID)
	assert.Len(t, bound.events.ReplayAfter(0), 1)
	assert.Empty(t, anon.events.ReplayAfter(0))
}
