package tracker

import (
	"fmt"
	"testing"

	"github.com/dgnsrekt/streamrelay/internal/sse"
)

func TestTracker_DuplicateScenario(t *testing.T) {
	tr := New(DefaultCapacity)

	var delivered []string
	for _, id := range []string{"1", "2", "1", "3"} {
		if tr.Process(sse.Event{ID: id, Data: []byte("payload")}) {
			delivered = append(delivered, id)
		}
	}

	if fmt.Sprint(delivered) != "[1 2 3]" {
		t.Errorf("expected [1 2 3], got %v", delivered)
	}
	if tr.LastEventID() != "3" {
		t.Errorf("expected last event id 3, got %q", tr.LastEventID())
	}
}

func TestTracker_ExactlyOncePerDistinctID(t *testing.T) {
	tr := New(16)

	seq := []string{"a", "b", "", "a", "c", "b", "", "c", "d", "a"}
	counts := make(map[string]int)
	idless := 0
	for _, id := range seq {
		if !tr.Process(sse.Event{ID: id}) {
			continue
		}
		if id == "" {
			idless++
			continue
		}
		counts[id]++
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		if counts[id] != 1 {
			t.Errorf("id %q delivered %d times", id, counts[id])
		}
	}
	if idless != 2 {
		t.Errorf("expected both id-less events delivered, got %d", idless)
	}
	if tr.LastEventID() != "d" {
		t.Errorf("duplicates must not move the latest token back, got %q", tr.LastEventID())
	}
}

func TestTracker_IDLessEventsDoNotMoveLatest(t *testing.T) {
	tr := New(4)
	tr.Process(sse.Event{ID: "5"})
	tr.Process(sse.Event{Data: []byte("notification")})

	if tr.LastEventID() != "5" {
		t.Errorf("expected 5, got %q", tr.LastEventID())
	}
}

func TestTracker_NonNumericOutOfOrderIDs(t *testing.T) {
	tr := New(4)
	for _, id := range []string{"10", "9", "b7f3", "2"} {
		if !tr.Process(sse.Event{ID: id}) {
			t.Fatalf("first sight of %q must be delivered", id)
		}
	}
	if tr.Process(sse.Event{ID: "9"}) {
		t.Error("9 is within the window and must be suppressed")
	}
	if tr.LastEventID() != "2" {
		t.Errorf("latest token follows arrival order, got %q", tr.LastEventID())
	}
}

func TestTracker_SeedSuppressesReplay(t *testing.T) {
	tr := New(8)
	tr.Seed("durable-7")

	if tr.LastEventID() != "durable-7" {
		t.Fatalf("expected seeded token, got %q", tr.LastEventID())
	}
	if tr.ShouldDeliver(sse.Event{ID: "durable-7"}) {
		t.Error("seeded token should be treated as already delivered")
	}
}

func TestTracker_ClearAndSnapshot(t *testing.T) {
	tr := New(8)
	tr.Process(sse.Event{ID: "x"})
	tr.Process(sse.Event{ID: "y"})

	snap := tr.Snapshot()
	tr.Clear()

	if !snap.Contains("x") || !snap.Contains("y") || snap.LastEventID != "y" {
		t.Errorf("snapshot must be independent of later changes: %+v", snap)
	}
	if tr.LastEventID() != "" || tr.Snapshot().Contains("x") {
		t.Error("tracker should be empty after Clear")
	}

	var nilSnap *Snapshot
	if nilSnap.Contains("x") {
		t.Error("nil snapshot contains nothing")
	}
}

func TestTracker_RestoreFromSnapshot(t *testing.T) {
	prev := New(8)
	for _, id := range []string{"1", "2", "3"} {
		prev.Process(sse.Event{ID: id})
	}

	next := New(8)
	next.Process(sse.Event{ID: "stale"})
	next.Restore(prev.Snapshot())

	if next.LastEventID() != "3" {
		t.Errorf("expected restored token 3, got %q", next.LastEventID())
	}
	for _, id := range []string{"1", "2", "3"} {
		if next.ShouldDeliver(sse.Event{ID: id}) {
			t.Errorf("replayed %q should be suppressed after restore", id)
		}
	}
	if !next.ShouldDeliver(sse.Event{ID: "stale"}) {
		t.Error("restore must replace, not merge, the previous window")
	}

	next.Restore(nil)
	if next.LastEventID() != "" {
		t.Error("restoring nil should leave an empty tracker")
	}
}
