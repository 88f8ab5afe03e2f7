package tracker

import (
	"fmt"
	"testing"
)

func TestWindow_EvictsOldestInserted(t *testing.T) {
	w := NewWindow(3)
	// Numerically descending so "oldest" and "smallest" differ.
	for _, id := range []string{"30", "20", "10"} {
		if _, ok := w.Add(id); ok {
			t.Fatalf("unexpected eviction while filling")
		}
	}

	evicted, ok := w.Add("5")
	if !ok || evicted != "30" {
		t.Fatalf("expected 30 evicted, got %q (ok=%v)", evicted, ok)
	}
	if w.Contains("30") {
		t.Error("evicted id still present")
	}
	for _, id := range []string{"20", "10", "5"} {
		if !w.Contains(id) {
			t.Errorf("expected %q in window", id)
		}
	}
	if w.Len() != 3 {
		t.Errorf("expected len 3, got %d", w.Len())
	}
}

func TestWindow_FIFOAcrossManyInsertions(t *testing.T) {
	const capacity = 8
	w := NewWindow(capacity)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("id-%d", i)
		evicted, ok := w.Add(id)
		if i < capacity {
			if ok {
				t.Fatalf("insert %d: unexpected eviction of %q", i, evicted)
			}
			continue
		}
		want := fmt.Sprintf("id-%d", i-capacity)
		if !ok || evicted != want {
			t.Fatalf("insert %d: expected %q evicted, got %q", i, want, evicted)
		}
	}
	if w.Len() != capacity {
		t.Errorf("expected len %d, got %d", capacity, w.Len())
	}
}

func TestWindow_RefreshMovesToNewest(t *testing.T) {
	w := NewWindow(2)
	w.Add("a")
	w.Add("b")
	w.Add("a") // refresh, no eviction

	evicted, ok := w.Add("c")
	if !ok || evicted != "b" {
		t.Fatalf("expected b evicted after refreshing a, got %q", evicted)
	}
	if got := fmt.Sprint(w.IDs()); got != "[a c]" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestWindow_DefaultCapacityAndReset(t *testing.T) {
	w := NewWindow(0)
	if w.Capacity() != DefaultCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCapacity, w.Capacity())
	}
	w.Add("x")
	w.Reset()
	if w.Len() != 0 || w.Contains("x") {
		t.Error("window should be empty after Reset")
	}
}
