package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/sse"
	"github.com/dgnsrekt/streamrelay/internal/upstream"
)

// handleStream is the downstream event-stream transport. It opens a
// resilient upstream stream for the session and relays every delivered
// event until the client disconnects or the stream ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := s.sessionKey(r)
	if key == "" {
		key = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan sse.Event, eventBuffer)
	stream, err := s.manager.Open(ctx, key, resumeToken(r), func(_ string, ev sse.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.openError(w, key, err)
		return
	}
	// Cancel before waiting so a consumer blocked on events is released.
	defer func() {
		cancel()
		stream.Close()
	}()

	// Set SSE headers
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(s.sessionHeader, key)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(zap.String("session", key), zap.Uint64("stream", stream.ID()))
	logger.Info("stream client connected",
		zap.Stringer("resume", stream.Resumption().Decision),
		zap.String("remote_addr", r.RemoteAddr),
	)

	enc := sse.NewEncoder(w)
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("stream client disconnected")
			return

		case <-stream.Done():
			// Relay what was delivered before the stream ended.
			if err := drain(enc, events); err != nil {
				return
			}
			flusher.Flush()
			if err := stream.Err(); !errors.Is(err, reconnect.ErrClosed) {
				logger.Warn("upstream stream ended", zap.Error(err))
			}
			return

		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if err := enc.Comment("keepalive"); err != nil {
				logger.Debug("failed to write keepalive", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func drain(enc *sse.Encoder, events <-chan sse.Event) error {
	for {
		select {
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleForward relays a request/response exchange. Plain responses are
// copied verbatim; event-stream responses are re-framed event by event and
// are not resumed if they break.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	key := s.sessionKey(r)

	resp, err := s.forwarder.Forward(r.Context(), http.MethodPost, key, r.Body, r.Header)
	if err != nil {
		s.logger.Error("forwarding request", zap.String("session", key), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	// The upstream assigns the session id on initialization.
	if assigned := resp.Header.Get(s.sessionHeader); assigned != "" {
		w.Header().Set(s.sessionHeader, assigned)
	} else if key != "" {
		w.Header().Set(s.sessionHeader, key)
	}

	contentType := resp.Header.Get("Content-Type")
	flusher, canFlush := w.(http.Flusher)
	if !upstream.IsEventStream(contentType) || !canFlush {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			s.logger.Debug("copying upstream response", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	if err := s.reframe(w, flusher, resp.Body); err != nil {
		s.logger.Warn("relaying upstream response stream", zap.String("session", key), zap.Error(err))
	}
}

// reframe decodes body and writes every event back out. Malformed frames
// are skipped.
func (s *Server) reframe(w io.Writer, flusher http.Flusher, body io.Reader) error {
	dec := sse.NewDecoder(body, s.maxFrameSize)
	enc := sse.NewEncoder(w)
	for {
		ev, err := dec.Next()
		if err != nil {
			if sse.IsRecoverable(err) {
				s.logger.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
		flusher.Flush()
	}
}
