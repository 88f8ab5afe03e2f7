package session

import (
	"cmp"
	"context"
	"slices"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
)

// Stream is one upstream event stream of a session, driven by its own
// reconnection engine.
type Stream struct {
	id         uint64
	sessionKey string
	resumption Resumption
	engine     *reconnect.Engine
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
}

// ID returns the stream id, unique within the manager.
func (st *Stream) ID() uint64 {
	return st.id
}

// SessionKey returns the owning session.
func (st *Stream) SessionKey() string {
	return st.sessionKey
}

// Resumption returns how the stream started.
func (st *Stream) Resumption() Resumption {
	return st.resumption
}

// State returns the engine state.
func (st *Stream) State() reconnect.State {
	return st.engine.State()
}

// LastEventID returns the newest token seen on this stream.
func (st *Stream) LastEventID() string {
	return st.engine.LastEventID()
}

// Done is closed when the stream has ended.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Err returns the terminal error after Done is closed: reconnect.ErrClosed
// after cancellation, or the failure cause.
func (st *Stream) Err() error {
	<-st.done
	return st.err
}

// Close cancels the stream and waits for it to end.
func (st *Stream) Close() {
	st.cancel()
	<-st.done
}

func sortStreams(streams []*Stream) {
	slices.SortFunc(streams, func(a, b *Stream) int {
		return cmp.Compare(a.id, b.id)
	})
}
