package persist

import (
	"container/heap"
	"time"
)

// Request asks the worker to make token the durable position of a session.
// Requests for the same session coalesce; the latest ObservedAt wins.
type Request struct {
	SessionKey string
	Token      string
	ObservedAt time.Time
}

// RetryEntry is a failed write waiting for its next attempt.
type RetryEntry struct {
	DueAt      time.Time
	SessionKey string
	Token      string
	ObservedAt time.Time
	// Attempt counts the failed writes so far.
	Attempt int

	// gen ties the entry to the newest retry pushed for its key; older
	// generations are stale.
	gen uint64
}

// retry reports whether e came from the retry heap. Fresh requests carry no
// due time.
func (e *RetryEntry) retry() bool { return !e.DueAt.IsZero() }

// retryHeap is a min-heap of retry entries ordered by DueAt.
type retryHeap []*RetryEntry

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) {
	*h = append(*h, x.(*RetryEntry))
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h *retryHeap) push(e *RetryEntry) {
	heap.Push(h, e)
}

// popDue removes and returns the soonest entry if it is due at now.
func (h *retryHeap) popDue(now time.Time) (*RetryEntry, bool) {
	if h.Len() == 0 || (*h)[0].DueAt.After(now) {
		return nil, false
	}
	return heap.Pop(h).(*RetryEntry), true
}

// batch coalesces pending writes by session key, remembering the order in
// which keys were first seen.
type batch struct {
	order []string
	items map[string]*RetryEntry
}

func newBatch() *batch {
	return &batch{items: make(map[string]*RetryEntry)}
}

// add keeps e unless an entry for the same key with a later ObservedAt is
// already present. Ties go to the later arrival.
func (b *batch) add(e *RetryEntry) {
	cur, ok := b.items[e.SessionKey]
	if !ok {
		b.items[e.SessionKey] = e
		b.order = append(b.order, e.SessionKey)
		return
	}
	if !e.ObservedAt.Before(cur.ObservedAt) {
		b.items[e.SessionKey] = e
	}
}

func (b *batch) len() int { return len(b.order) }

func (b *batch) entries() []*RetryEntry {
	out := make([]*RetryEntry, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.items[k])
	}
	return out
}
