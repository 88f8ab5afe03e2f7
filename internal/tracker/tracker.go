package tracker

import (
	"slices"

	"github.com/dgnsrekt/streamrelay/internal/sse"
)

// Tracker decides which events reach the consumer and remembers the newest
// resumption token of one stream. It is owned by the goroutine driving that
// stream; other goroutines read it only through Snapshot values.
type Tracker struct {
	window *Window
	lastID string
}

// New returns a tracker with a recency window of the given capacity.
func New(capacity int) *Tracker {
	return &Tracker{window: NewWindow(capacity)}
}

// ShouldDeliver reports whether ev has not been delivered yet. Events
// without an id cannot be deduplicated and are always delivered.
func (t *Tracker) ShouldDeliver(ev sse.Event) bool {
	if !ev.HasID() {
		return true
	}
	return !t.window.Contains(ev.ID)
}

// Observe records ev in the recency window. A duplicate only refreshes its
// position; it never moves the latest token backwards.
func (t *Tracker) Observe(ev sse.Event) {
	if !ev.HasID() {
		return
	}
	duplicate := t.window.Contains(ev.ID)
	t.window.Add(ev.ID)
	if !duplicate {
		t.lastID = ev.ID
	}
}

// Process combines ShouldDeliver and Observe for the common path.
func (t *Tracker) Process(ev sse.Event) bool {
	deliver := t.ShouldDeliver(ev)
	t.Observe(ev)
	return deliver
}

// Seed primes the tracker with a token already delivered elsewhere, such as
// a durable session position. A replay of that token is then suppressed.
func (t *Tracker) Seed(id string) {
	if id == "" {
		return
	}
	t.Observe(sse.Event{ID: id})
}

// Restore replaces the tracker state with snap, so a new stream suppresses
// everything the previous one already delivered.
func (t *Tracker) Restore(snap *Snapshot) {
	t.Clear()
	if snap == nil {
		return
	}
	for _, id := range snap.IDs {
		t.window.Add(id)
	}
	t.lastID = snap.LastEventID
	if t.lastID != "" && !t.window.Contains(t.lastID) {
		t.window.Add(t.lastID)
	}
}

// LastEventID returns the newest token seen, or "" if none.
func (t *Tracker) LastEventID() string {
	return t.lastID
}

// Clear forgets everything. Only used on session teardown.
func (t *Tracker) Clear() {
	t.window.Reset()
	t.lastID = ""
}

// Snapshot returns an immutable copy of the tracker state.
func (t *Tracker) Snapshot() *Snapshot {
	return &Snapshot{
		LastEventID: t.lastID,
		IDs:         t.window.IDs(),
	}
}

// Snapshot is a read-only view of a tracker published for other goroutines.
type Snapshot struct {
	LastEventID string
	// IDs holds the window content from oldest to newest.
	IDs []string
}

// Contains reports whether id was in the window when the snapshot was taken.
func (s *Snapshot) Contains(id string) bool {
	if s == nil || id == "" {
		return false
	}
	return slices.Contains(s.IDs, id)
}
