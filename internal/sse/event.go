package sse

import "time"

// DefaultMaxFrameSize bounds the bytes a single unterminated frame may
// occupy before the stream is considered hostile.
const DefaultMaxFrameSize = 1 << 20 // 1MB

// Event is one parsed frame from an event stream.
type Event struct {
	// ID is the resumption token. Empty means the frame carried no id.
	ID string
	// Type is the value of the event field. Empty means the default "message" type.
	Type string
	// Data holds the data lines joined with "\n".
	Data []byte
	// Retry is the server reconnection hint, valid only when HasRetry is set.
	Retry    time.Duration
	HasRetry bool
}

// HasID reports whether the event carries a resumption token.
func (e Event) HasID() bool {
	return e.ID != ""
}
