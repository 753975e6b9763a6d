// Package queue holds pending tasks in priority order until the orchestrator
// can assign them to an idle agent.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task is already queued.
	ErrTaskExists = errors.New("task already exists in queue")
)

// QueuedTask is one entry in the priority queue.
type QueuedTask struct {
	TaskID string
	Task   *v1.Task
	index  int
}

// taskHeap implements heap.Interface. Higher priority first, then earlier
// creation time.
type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Task.Priority != h[j].Task.Priority {
		return h[i].Task.Priority > h[j].Task.Priority
	}
	return h[i].Task.CreatedAt.Before(h[j].Task.CreatedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is a priority queue of pending tasks with lookup by ID.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	maxSize int
}

// NewTaskQueue creates a queue. maxSize 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task to the queue.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &QueuedTask{TaskID: task.ID, Task: task}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// Dequeue removes and returns the highest priority task, or nil when empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

// DequeueReady removes and returns the highest priority task whose
// dependencies are all satisfied. Blocked tasks keep their place.
func (q *TaskQueue) DequeueReady(satisfied func(taskID string) bool) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Pop in priority order until an eligible task appears, then restore
	// the blocked ones.
	var blocked []*QueuedTask
	var found *QueuedTask
	for len(q.heap) > 0 {
		qt := heap.Pop(&q.heap).(*QueuedTask)
		if depsSatisfied(qt.Task, satisfied) {
			found = qt
			break
		}
		blocked = append(blocked, qt)
	}
	for _, qt := range blocked {
		heap.Push(&q.heap, qt)
	}
	if found != nil {
		delete(q.taskMap, found.TaskID)
	}
	return found
}

func depsSatisfied(task *v1.Task, satisfied func(taskID string) bool) bool {
	for _, dep := range task.DependsOn {
		if !satisfied(dep) {
			return false
		}
	}
	return true
}

// Remove removes a specific task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Contains reports whether a task is queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.taskMap[taskID]
	return ok
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// List returns all queued tasks in heap order (not sorted).
func (q *TaskQueue) List() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*QueuedTask, len(q.heap))
	copy(result, q.heap)
	return result
}
