package reconnect

// State is the connection state of an Engine.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateAwaitingRetry
	// StateFailed is terminal; the cause is available from Engine.Err.
	StateFailed
	// StateClosed is terminal and entered on cancellation.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
