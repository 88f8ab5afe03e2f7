// Package observe carries the observability events of the stream
// resilience path: connection lifecycle, duplicate suppression and
// durability outcomes.
package observe

import "time"

// Stream identifies one upstream event stream.
type Stream struct {
	SessionKey string
	StreamID   uint64
}

// Hook receives observability events. Implementations are called inline on
// the stream and persistence goroutines and must return quickly.
type Hook interface {
	ConnectionEstablished(s Stream)
	ConnectionLost(s Stream, retryable bool, err error)
	ReconnectScheduled(s Stream, attempt int, delay time.Duration)
	DuplicateSuppressed(s Stream, id string)
	StreamFailed(s Stream, err error)

	DurabilityDropped(sessionKey string)
	DurabilityWriteFailed(sessionKey string, attempt int, err error)
	DurabilityAbandoned(sessionKey string, attempts int, err error)
}

// Nop ignores every event. Embed it to implement only part of Hook.
type Nop struct{}

func (Nop) ConnectionEstablished(Stream) {}
func (Nop) ConnectionLost(Stream, bool, error) {}
func (Nop) ReconnectScheduled(Stream, int, time.Duration) {}
func (Nop) DuplicateSuppressed(Stream, string) {}
func (Nop) StreamFailed(Stream, error) {}
func (Nop) DurabilityDropped(string) {}
func (Nop) DurabilityWriteFailed(string, int, error) {}
func (Nop) DurabilityAbandoned(string, int, error) {}

// Multi fans every event out to each hook in order.
type Multi []Hook

// NewMulti drops nil hooks and returns the rest as one Hook.
func NewMulti(hooks ...Hook) Hook {
	var m Multi
	for _, h := range hooks {
		if h != nil {
			m = append(m, h)
		}
	}
	if len(m) == 0 {
		return Nop{}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m Multi) ConnectionEstablished(s Stream) {
	for _, h := range m {
		h.ConnectionEstablished(s)
	}
}

func (m Multi) ConnectionLost(s Stream, retryable bool, err error) {
	for _, h := range m {
		h.ConnectionLost(s, retryable, err)
	}
}

func (m Multi) ReconnectScheduled(s Stream, attempt int, delay time.Duration) {
	for _, h := range m {
		h.ReconnectScheduled(s, attempt, delay)
	}
}

func (m Multi) DuplicateSuppressed(s Stream, id string) {
	for _, h := range m {
		h.DuplicateSuppressed(s, id)
	}
}

func (m Multi) StreamFailed(s Stream, err error) {
	for _, h := range m {
		h.StreamFailed(s, err)
	}
}

func (m Multi) DurabilityDropped(sessionKey string) {
	for _, h := range m {
		h.DurabilityDropped(sessionKey)
	}
}

func (m Multi) DurabilityWriteFailed(sessionKey string, attempt int, err error) {
	for _, h := range m {
		h.DurabilityWriteFailed(sessionKey, attempt, err)
	}
}

func (m Multi) DurabilityAbandoned(sessionKey string, attempts int, err error) {
	for _, h := range m {
		h.DurabilityAbandoned(sessionKey, attempts, err)
	}
}

// Compile-time interface verification
var (
	_ Hook = Nop{}
	_ Hook = Multi(nil)
)
