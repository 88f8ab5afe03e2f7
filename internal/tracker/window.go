package tracker

import "container/list"

// DefaultCapacity is the number of recent ids remembered per stream.
const DefaultCapacity = 256

// Window is a fixed-capacity, insertion-ordered set of recently seen
// resumption tokens. Adding past capacity evicts the oldest entry. Order is
// by arrival, never by token value, so out-of-order server ids are handled.
//
// Window is not safe for concurrent use; it belongs to one stream.
type Window struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewWindow returns an empty window. A non-positive capacity selects
// DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether id is in the window.
func (w *Window) Contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

// Add inserts id as the newest entry. An id already present is moved to the
// newest position instead. When an insertion overflows the window, the
// evicted id is returned with ok set.
func (w *Window) Add(id string) (evicted string, ok bool) {
	if el, exists := w.index[id]; exists {
		w.order.MoveToBack(el)
		return "", false
	}

	w.index[id] = w.order.PushBack(id)
	if w.order.Len() <= w.capacity {
		return "", false
	}

	oldest := w.order.Front()
	w.order.Remove(oldest)
	evicted = oldest.Value.(string)
	delete(w.index, evicted)
	return evicted, true
}

// Len returns the number of ids held.
func (w *Window) Len() int {
	return w.order.Len()
}

// Capacity returns the maximum number of ids held.
func (w *Window) Capacity() int {
	return w.capacity
}

// IDs returns the held ids from oldest to newest.
func (w *Window) IDs() []string {
	ids := make([]string, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

// Reset empties the window.
func (w *Window) Reset() {
	w.order.Init()
	w.index = make(map[string]*list.Element, w.capacity)
}
