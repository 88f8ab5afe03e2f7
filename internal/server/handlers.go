package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/observe"
	"github.com/dgnsrekt/streamrelay/internal/session"
	"github.com/dgnsrekt/streamrelay/internal/store"
	"github.com/dgnsrekt/streamrelay/internal/ws"
)

const (
	// DefaultKeepalive is the interval of keepalive comments on idle
	// downstream streams.
	DefaultKeepalive = 15 * time.Second

	// Buffered events per downstream stream before the upstream engine
	// waits for the client.
	eventBuffer = 64
)

// Forwarder relays plain requests to the upstream server.
// *upstream.Client implements it.
type Forwarder interface {
	Forward(ctx context.Context, method, sessionKey string, body io.Reader, header http.Header) (*http.Response, error)
}

// Options configure a Server.
type Options struct {
	SessionHeader     string
	KeepaliveInterval time.Duration
	MaxFrameSize      int
}

type Server struct {
	manager       *session.Manager
	forwarder     Forwarder
	store         store.Store
	metrics       *observe.Metrics
	hub           *ws.Hub
	sessionHeader string
	keepalive     time.Duration
	maxFrameSize  int
	logger        *zap.Logger
}

// NewServer creates the proxy handlers. metrics and hub may be nil, which
// disables /metrics and /ws.
func NewServer(
	manager *session.Manager,
	forwarder Forwarder,
	st store.Store,
	metrics *observe.Metrics,
	hub *ws.Hub,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.SessionHeader == "" {
		opts.SessionHeader = "Mcp-Session-Id"
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepalive
	}
	return &Server{
		manager:       manager,
		forwarder:     forwarder,
		store:         st,
		metrics:       metrics,
		hub:           hub,
		sessionHeader: opts.SessionHeader,
		keepalive:     opts.KeepaliveInterval,
		maxFrameSize:  opts.MaxFrameSize,
		logger:        logger,
	}
}

// sessionKey reads the session identity from the session header or the
// session query parameter.
func (s *Server) sessionKey(r *http.Request) string {
	if key := r.Header.Get(s.sessionHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("session")
}

// resumeToken reads the client's resumption token. Browsers cannot set
// headers on websocket upgrades, so a query parameter is accepted too.
func resumeToken(r *http.Request) string {
	if token := r.Header.Get("Last-Event-ID"); token != "" {
		return token
	}
	return r.URL.Query().Get("last_event_id")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.Keys()),
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.Keys()})
}

type sessionResponse struct {
	session.Status
	Live             bool `json:"live"`
	WebSocketClients int  `json:"websocket_clients"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "id")

	status, live := s.manager.Status(r.Context(), key)
	if !live {
		token, err := s.store.GetLastToken(r.Context(), key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found: "+key)
			return
		case err != nil:
			s.logger.Error("reading durable token", zap.String("session", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status = session.Status{SessionKey: key, Streams: []session.StreamStatus{}, DurableToken: token}
	}

	resp := sessionResponse{Status: status, Live: live}
	if s.hub != nil {
		resp.WebSocketClients = s.hub.SessionClients(key)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDelete ends a session: local streams are cancelled, the worker is
// flushed, the durable position is removed and the upstream is told.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := s.sessionKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	if err := s.manager.Close(r.Context(), key); err != nil {
		s.logger.Warn("closing session", zap.String("session", key), zap.Error(err))
	}
	if d, ok := s.store.(store.Deleter); ok {
		if err := d.DeleteSession(r.Context(), key); err != nil {
			s.logger.Error("deleting durable token", zap.String("session", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if resp, err := s.forwarder.Forward(r.Context(), http.MethodDelete, key, nil, r.Header); err != nil {
		s.logger.Warn("forwarding session delete", zap.String("session", key), zap.Error(err))
	} else {
		_ = resp.Body.Close()
	}

	s.logger.Info("session deleted", zap.String("session", key))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := s.sessionKey(r)
	if key == "" {
		key = uuid.NewString()
	}
	s.hub.Serve(w, r, key, resumeToken(r), http.Header{s.sessionHeader: {key}})
}

// openError maps a failed stream open to a response.
func (s *Server) openError(w http.ResponseWriter, key string, err error) {
	s.logger.Error("opening stream", zap.String("session", key), zap.Error(err))
	if errors.Is(err, session.ErrManagerClosed) {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
