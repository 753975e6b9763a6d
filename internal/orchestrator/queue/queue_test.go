package queue

import (
	"fmt"
	"testing"
	"time"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func makeTask(id string, priority int, createdAt time.Time, deps ...string) *v1.Task {
	return &v1.Task{
		ID:        id,
		Priority:  priority,
		DependsOn: deps,
		CreatedAt: createdAt,
		Status:    v1.TaskStatusPending,
	}
}

func TestTaskQueue_PriorityOrdering(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	if err := q.Enqueue(makeTask("low", 1, base)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(makeTask("high", 10, base.Add(time.Second))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(makeTask("mid", 5, base.Add(2*time.Second))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for _, want := range []string{"high", "mid", "low"} {
		qt := q.Dequeue()
		if qt == nil {
			t.Fatalf("Dequeue returned nil, want %s", want)
		}
		if qt.TaskID != want {
			t.Errorf("expected %s, got %s", want, qt.TaskID)
		}
	}
	if q.Dequeue() != nil {
		t.Error("expected nil from empty queue")
	}
}

func TestTaskQueue_EqualPriorityFIFO(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	for i := 0; i < 5; i++ {
		task := makeTask(fmt.Sprintf("t%d", i), 5, base.Add(time.Duration(i)*time.Millisecond))
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		qt := q.Dequeue()
		want := fmt.Sprintf("t%d", i)
		if qt.TaskID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, qt.TaskID)
		}
	}
}

func TestTaskQueue_DuplicateRejected(t *testing.T) {
	q := NewTaskQueue(0)
	task := makeTask("dup", 1, time.Now())

	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(task); err != ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestTaskQueue_MaxSize(t *testing.T) {
	q := NewTaskQueue(2)
	base := time.Now()

	_ = q.Enqueue(makeTask("a", 1, base))
	_ = q.Enqueue(makeTask("b", 1, base))
	if err := q.Enqueue(makeTask("c", 1, base)); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestTaskQueue_Remove(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	_ = q.Enqueue(makeTask("a", 1, base))
	_ = q.Enqueue(makeTask("b", 2, base))

	if !q.Remove("a") {
		t.Error("expected Remove to succeed")
	}
	if q.Remove("a") {
		t.Error("expected second Remove to fail")
	}
	if q.Contains("a") {
		t.Error("removed task still present")
	}
	if q.Len() != 1 {
		t.Errorf("expected len 1, got %d", q.Len())
	}
}

func TestTaskQueue_DequeueReadySkipsBlocked(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	// Highest priority task is blocked on an unfinished dependency.
	_ = q.Enqueue(makeTask("blocked", 10, base, "dep-1"))
	_ = q.Enqueue(makeTask("ready", 5, base))

	done := map[string]bool{}
	satisfied := func(id string) bool { return done[id] }

	qt := q.DequeueReady(satisfied)
	if qt == nil || qt.TaskID != "ready" {
		t.Fatalf("expected ready, got %+v", qt)
	}

	// Blocked task kept its place.
	if q.Len() != 1 {
		t.Fatalf("expected 1 task left, got %d", q.Len())
	}
	if q.DequeueReady(satisfied) != nil {
		t.Error("expected nil while dependency unsatisfied")
	}

	done["dep-1"] = true
	qt = q.DequeueReady(satisfied)
	if qt == nil || qt.TaskID != "blocked" {
		t.Fatalf("expected blocked after dependency completes, got %+v", qt)
	}
}

func TestTaskQueue_DequeueReadyPrefersPriorityAmongEligible(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	_ = q.Enqueue(makeTask("a", 1, base))
	_ = q.Enqueue(makeTask("b", 9, base))

	qt := q.DequeueReady(func(string) bool { return true })
	if qt.TaskID != "b" {
		t.Errorf("expected b, got %s", qt.TaskID)
	}
}
