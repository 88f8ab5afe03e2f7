package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/session"
	"github.com/dgnsrekt/streamrelay/internal/sse"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Opener starts upstream streams for a session. *session.Manager
// implements it.
type Opener interface {
	Open(ctx context.Context, sessionKey, token string, consumer session.Consumer) (*session.Stream, error)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	sessionKey string
	connID     string
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// Serve upgrades the request and relays the events of a new stream for
// sessionKey until the client leaves or the stream ends. token is the
// client's resumption token, possibly empty. responseHeader is sent with
// the upgrade response.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionKey, token string, responseHeader http.Header) {
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when the handler returns, the stream must
	// outlive it.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		sessionKey: sessionKey,
		connID:     uuid.NewString(),
		cancel:     cancel,
		logger:     h.logger.With(zap.String("session", sessionKey)),
	}

	if !h.register(client) {
		cancel()
		client.reject("server shutting down")
		return
	}

	// Events wait until the connected message is queued.
	ready := make(chan struct{})
	stream, err := h.opener.Open(ctx, sessionKey, token, func(_ string, ev sse.Event) {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		client.enqueue(ctx, buildEventMessage(ev))
	})
	if err != nil {
		h.unregister(client)
		cancel()
		client.logger.Warn("opening stream for websocket client", zap.Error(err))
		client.reject(err.Error())
		return
	}

	client.send <- buildConnectedMessage(sessionKey, stream.Resumption().Decision.String())
	close(ready)

	client.logger.Info("websocket client connected",
		zap.String("connID", client.connID),
		zap.Uint64("stream", stream.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Start read/write pumps
	go client.writePump()
	go client.readPump()
	go client.relay(stream)
}

// enqueue blocks until the message is queued or the client is gone, so
// delivered events are never dropped silently.
func (c *Client) enqueue(ctx context.Context, message []byte) {
	select {
	case c.send <- message:
	case <-ctx.Done():
	}
}

// relay waits for the stream to end, reports why and closes the send
// channel. It is the only closer of send.
func (c *Client) relay(stream *session.Stream) {
	<-stream.Done()

	reason := ""
	if err := stream.Err(); err != nil && !errors.Is(err, reconnect.ErrClosed) {
		reason = err.Error()
	}
	select {
	case c.send <- buildClosedMessage(reason):
	default:
	}

	c.hub.unregister(c)
	close(c.send)
	c.logger.Info("websocket client disconnected",
		zap.String("connID", c.connID),
		zap.String("reason", reason),
	)
}

// reject closes a connection that never got a stream.
func (c *Client) reject(reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, buildClosedMessage(reason))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ""))
	_ = c.conn.Close()
}

// readPump reads messages from the WebSocket connection. Clients only
// send control frames; anything else is discarded.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
