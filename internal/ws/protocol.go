package ws

import (
	"encoding/json"

	"github.com/dgnsrekt/streamrelay/internal/sse"
)

// Message types sent to websocket clients.
const (
	TypeConnected = "connected"
	TypeEvent     = "event"
	TypeClosed    = "closed"
)

// Message is one JSON text frame sent to a client.
type Message struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Resume  string `json:"resume,omitempty"`
	ID      string `json:"id,omitempty"`
	Event   string `json:"event,omitempty"`
	Data    string `json:"data,omitempty"`
	// Retry is the upstream reconnection hint in milliseconds.
	Retry int64  `json:"retry,omitempty"`
	Error string `json:"error,omitempty"`
}

// buildConnectedMessage announces the session and how it was resumed.
func buildConnectedMessage(sessionKey, resume string) []byte {
	data, _ := json.Marshal(Message{Type: TypeConnected, Session: sessionKey, Resume: resume})
	return data
}

// buildEventMessage wraps one delivered upstream event.
func buildEventMessage(ev sse.Event) []byte {
	msg := Message{
		Type:  TypeEvent,
		ID:    ev.ID,
		Event: ev.Type,
		Data:  string(ev.Data),
	}
	if ev.HasRetry {
		msg.Retry = ev.Retry.Milliseconds()
	}
	data, _ := json.Marshal(msg)
	return data
}

// buildClosedMessage tells the client the upstream stream is gone. reason
// is empty after a clean close.
func buildClosedMessage(reason string) []byte {
	data, _ := json.Marshal(Message{Type: TypeClosed, Error: reason})
	return data
}
