package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/streamrelay/internal/store"
	"github.com/dgnsrekt/streamrelay/internal/tracker"
)

// Decision says how a new stream for a reconnecting client starts.
type Decision int

const (
	// Fresh starts without a resumption hint.
	Fresh Decision = iota
	// InMemory resumes from a recency window still held by the session.
	InMemory
	// FromStore resumes from the durable position of the session.
	FromStore
)

func (d Decision) String() string {
	switch d {
	case InMemory:
		return "in_memory"
	case FromStore:
		return "from_store"
	default:
		return "fresh"
	}
}

// Resumption is the answer to a reconnecting client.
type Resumption struct {
	Decision Decision
	// Token is the resumption hint the new upstream connection will carry.
	Token string
	// Snapshot is the window the new stream inherits on InMemory.
	Snapshot *tracker.Snapshot
}

// decide returns where a new stream for s starts. token is the resumption
// token supplied by the client, possibly empty. A degraded session always
// cold starts.
func (s *Session) decide(ctx context.Context, token string) (Resumption, error) {
	if s.Degraded() != nil || token == "" {
		return Resumption{Decision: Fresh}, nil
	}

	if snap := s.findWindow(token); snap != nil {
		// Mid-window tokens resume from the newest position.
		return Resumption{
			Decision: InMemory,
			Token:    snap.LastEventID,
			Snapshot: snap,
		}, nil
	}
	return decideFromStore(ctx, s.store, s.key, token)
}

// decideFromStore answers for a token no live window knows about.
func decideFromStore(ctx context.Context, st store.Store, sessionKey, token string) (Resumption, error) {
	if token == "" {
		return Resumption{Decision: Fresh}, nil
	}
	durable, err := st.GetLastToken(ctx, sessionKey)
	switch {
	case err == nil && durable != "":
		return Resumption{Decision: FromStore, Token: durable}, nil
	case err == nil, errors.Is(err, store.ErrNotFound):
		return Resumption{Decision: Fresh}, nil
	default:
		return Resumption{}, fmt.Errorf("reading durable token: %w", err)
	}
}

// findWindow returns the newest window that contains token, searching the
// active streams first and then the windows of recently ended streams.
func (s *Session) findWindow(token string) *tracker.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *tracker.Snapshot
	var bestID uint64
	for id, st := range s.streams {
		snap := st.engine.Snapshot()
		if snap.Contains(token) && (best == nil || id > bestID) {
			best, bestID = snap, id
		}
	}
	if best != nil {
		return best
	}
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].Contains(token) {
			return s.recent[i]
		}
	}
	return nil
}
