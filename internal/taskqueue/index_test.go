package taskqueue

import (
	"testing"
	"time"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

func TestIndexAddPeek(t *testing.T) {
	idx := newPriorityIndex()
	if _, ok := idx.Peek(); ok {
		t.Fatal("empty index should have nothing to peek")
	}

	idx.Add("t1", v1.PriorityNormal, time.Now())
	id, ok := idx.Peek()
	if !ok || id != "t1" {
		t.Errorf("expected t1, got %q ok=%v", id, ok)
	}
	if idx.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", idx.Len())
	}
}

func TestIndexPriorityOrder(t *testing.T) {
	idx := newPriorityIndex()
	now := time.Now()
	idx.Add("low", v1.PriorityLow, now)
	idx.Add("urgent", v1.PriorityUrgent, now)
	idx.Add("normal", v1.PriorityNormal, now)
	idx.Add("high", v1.PriorityHigh, now)

	want := []string{"urgent", "high", "normal", "low"}
	got := idx.Ordered()
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestIndexFIFOWithinPriority(t *testing.T) {
	idx := newPriorityIndex()
	base := time.Now()
	idx.Add("second", v1.PriorityNormal, base.Add(time.Second))
	idx.Add("first", v1.PriorityNormal, base)

	got := idx.Ordered()
	if got[0] != "first" || got[1] != "second" {
		t.Errorf("expected FIFO within priority, got %v", got)
	}
}

func TestIndexOrderedDoesNotMutate(t *testing.T) {
	idx := newPriorityIndex()
	now := time.Now()
	idx.Add("a", v1.PriorityNormal, now)
	idx.Add("b", v1.PriorityHigh, now)

	_ = idx.Ordered()
	if idx.Len() != 2 {
		t.Errorf("Ordered must not drain the index, Len() = %d", idx.Len())
	}
	if id, _ := idx.Peek(); id != "b" {
		t.Errorf("heap order disturbed, Peek() = %s", id)
	}
}

func TestIndexRemove(t *testing.T) {
	idx := newPriorityIndex()
	now := time.Now()
	idx.Add("a", v1.PriorityNormal, now)
	idx.Add("b", v1.PriorityNormal, now.Add(time.Second))

	if !idx.Remove("a") {
		t.Error("expected Remove to report true for an indexed task")
	}
	if idx.Remove("a") {
		t.Error("expected Remove to report false for a missing task")
	}
	if idx.Contains("a") {
		t.Error("removed task still present")
	}
	if id, _ := idx.Peek(); id != "b" {
		t.Errorf("expected b after removing a, got %s", id)
	}
}

func TestIndexDuplicateAddIgnored(t *testing.T) {
	idx := newPriorityIndex()
	now := time.Now()
	idx.Add("a", v1.PriorityNormal, now)
	idx.Add("a", v1.PriorityUrgent, now)
	if idx.Len() != 1 {
		t.Errorf("duplicate add must be a no-op, Len() = %d", idx.Len())
	}
}

func TestIndexReset(t *testing.T) {
	idx := newPriorityIndex()
	idx.Add("a", v1.PriorityNormal, time.Now())
	idx.Reset()
	if idx.Len() != 0 {
		t.Errorf("expected empty index after Reset, Len() = %d", idx.Len())
	}
}
