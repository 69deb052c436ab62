package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"
)

// TokenResolver turns a bearer token string into an auth context. Implemented
// by the token service; kept as an interface so the transport has no view of
// token storage.
type TokenResolver interface {
	ResolveToken(token string) (AuthContext, error)
}

// Handler is the streamable HTTP endpoint: POST carries JSON-RPC exchanges,
// GET attaches the resumable server-push stream, DELETE ends the session.
type Handler struct {
	sessions    *SessionManager
	service     *Service
	tokens      TokenResolver
	metadataURL string
	logger      *slog.Logger
}

// NewHandler wires the transport. metadataURL is advertised on 401 responses
// so clients can discover the authorization server.
func NewHandler(sessions *SessionManager, service *Service, tokens TokenResolver, metadataURL string, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		service:     service,
		tokens:      tokens,
		metadataURL: metadataURL,
		logger:      logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}

	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "malformed JSON-RPC message", http.StatusBadRequest)
		return
	}

	var sess *ProtocolSession
	if probe.Method == "initialize" {
		sess = h.sessions.Create(auth)
		w.Header().Set(sessionIDHeader, sess.ID)
	} else {
		sessionID := r.Header.Get(sessionIDHeader)
		if sessionID == "" {
			http.Error(w, "missing "+sessionIDHeader+" header", http.StatusBadRequest)
			return
		}
		sess, ok = h.sessions.Get(sessionID)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		// A fresh token on a later request replaces the stored auth context.
		sess.SetAuth(auth)
	}

	ctx := ContextWithAuth(r.Context(), sess.Auth())
	response := h.service.mcp.HandleMessage(ctx, body)
	if response == nil {
		// Notification: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	out, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("marshal mcp response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionIDHeader+" header", http.StatusBadRequest)
		return
	}
	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Attach first so nothing pushed during replay is lost. An event pushed
	// in that window lands in both the log and the live channel; the replay
	// watermark inside stream keeps it from being delivered twice.
	live := sess.Subscribe()
	defer sess.Unsubscribe(live)

	var replay []Event
	if lastID, ok := ParseLastEventID(r.Header.Get(lastEventIDHeader)); ok {
		replay = sess.events.ReplayAfter(lastID)
	}

	h.stream(w, flusher, r.Context().Done(), live, replay)
}

// stream writes the replayed events, then forwards live events until the
// client goes away or the session closes. Live events at or below the highest
// replayed id were already written during replay and are skipped.
func (h *Handler) stream(w http.ResponseWriter, flusher http.Flusher, done <-chan struct{}, live <-chan Event, replay []Event) {
	var watermark uint64
	for _, ev := range replay {
		writeSSEEvent(w, ev)
		watermark = ev.ID
	}
	flusher.Flush()

	for {
		select {
		case <-done:
			// Client dropped the stream. The session survives; a reconnect
			// with Last-Event-ID resumes from here.
			return
		case ev, open := <-live:
			if !open {
				// Session closed underneath us.
				return
			}
			if ev.ID <= watermark {
				continue
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionIDHeader+" header", http.StatusBadRequest)
		return
	}
	if !h.sessions.Close(sessionID) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate requires a valid bearer token on every request. The 401
// challenge advertises the protected-resource metadata so clients can discover
// the authorization server.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (AuthContext, bool) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		h.challenge(w, "missing bearer token")
		return AuthContext{}, false
	}
	auth, err := h.tokens.ResolveToken(token)
	if err != nil {
		h.challenge(w, "invalid or expired token")
		return AuthContext{}, false
	}
	return auth, true
}

func (h *Handler) challenge(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token", error_description=%q`, h.metadataURL, desc))
	http.Error(w, desc, http.StatusUnauthorized)
}

func writeSSEEvent(w io.Writer, ev Event) {
	fmt.Fprintf(w, "id: %s\n", ev.SSEID())
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
