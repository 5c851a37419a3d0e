package queue

import (
	"testing"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func TestPopStrictTierOrdering(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("low", models.PriorityLow, now)
	q.Push("med", models.PriorityMedium, now.Add(time.Second))
	q.Push("crit", models.PriorityCritical, now.Add(2*time.Second))
	q.Push("high", models.PriorityHigh, now.Add(3*time.Second))

	want := []string{"crit", "high", "med", "low"}
	for _, expected := range want {
		id, _, ok := q.Pop()
		if !ok || id != expected {
			t.Fatalf("expected %s, got %s (ok=%v)", expected, id, ok)
		}
	}
	if _, _, ok := q.Pop(); ok {
		t.Error("queue should be empty")
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("first", models.PriorityMedium, now)
	q.Push("second", models.PriorityMedium, now.Add(time.Millisecond))
	q.Push("third", models.PriorityMedium, now.Add(2*time.Millisecond))

	for _, expected := range []string{"first", "second", "third"} {
		id, _, _ := q.Pop()
		if id != expected {
			t.Fatalf("expected %s, got %s", expected, id)
		}
	}
}

func TestTieBrokenByTaskID(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("b-task", models.PriorityMedium, now)
	q.Push("a-task", models.PriorityMedium, now)

	id, _, _ := q.Pop()
	if id != "a-task" {
		t.Errorf("expected lexicographic tiebreak, got %s", id)
	}
}

func TestPushDuplicateIgnored(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("a", models.PriorityMedium, now)
	q.Push("a", models.PriorityHigh, now)

	if q.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", q.Len())
	}
	_, prio, _ := q.Pop()
	if prio != models.PriorityMedium {
		t.Errorf("duplicate push should not change priority, got %s", prio)
	}
}

func TestRequeuePreservesHeadPosition(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("first", models.PriorityMedium, now)
	q.Push("second", models.PriorityMedium, now.Add(time.Second))

	id, prio, _ := q.Pop()
	q.Requeue(id, prio, now)

	id, _, _ = q.Pop()
	if id != "first" {
		t.Errorf("requeued task should return to the head, got %s", id)
	}
}

func TestRemove(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("a", models.PriorityLow, now)
	q.Push("b", models.PriorityLow, now.Add(time.Second))

	if !q.Remove("a") {
		t.Fatal("expected removal to succeed")
	}
	if q.Remove("a") {
		t.Fatal("double removal should report false")
	}
	if q.Contains("a") {
		t.Error("removed task should not be contained")
	}

	id, _, _ := q.Pop()
	if id != "b" {
		t.Errorf("expected b, got %s", id)
	}
}

func TestAgePromotesOneTier(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("old-low", models.PriorityLow, now)
	q.Push("new-low", models.PriorityLow, now.Add(50*time.Second))

	promoted := q.Age(time.Minute, now.Add(90*time.Second))
	if len(promoted) != 1 || promoted[0] != "old-low" {
		t.Fatalf("expected old-low promoted, got %v", promoted)
	}

	// The promoted task now outranks the one still in Low.
	id, prio, _ := q.Pop()
	if id != "old-low" || prio != models.PriorityMedium {
		t.Errorf("expected old-low at medium, got %s at %s", id, prio)
	}
}

func TestAgeCapsAtCritical(t *testing.T) {
	q := New()
	now := time.Now()

	q.Push("crit", models.PriorityCritical, now)

	promoted := q.Age(time.Minute, now.Add(time.Hour))
	if len(promoted) != 0 {
		t.Errorf("critical tasks cannot be promoted, got %v", promoted)
	}
}

func TestAgeKeepsFIFOByOriginalEnqueueTime(t *testing.T) {
	q := New()
	now := time.Now()

	// "early" waits in Medium; "later" was pushed directly to High much later
	// and has not aged yet.
	q.Push("early", models.PriorityMedium, now)
	q.Push("later", models.PriorityHigh, now.Add(90*time.Second))

	q.Age(time.Minute, now.Add(2*time.Minute))

	// Both are now High; early's original enqueue time puts it first.
	id, _, _ := q.Pop()
	if id != "early" {
		t.Errorf("expected early first after promotion, got %s", id)
	}
}
