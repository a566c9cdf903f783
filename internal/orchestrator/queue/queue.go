// Package queue provides the dispatch-order priority queue the
// scheduler drains when more tasks are eligible than free slots.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
)

// queuedTask wraps a task for heap bookkeeping.
type queuedTask struct {
	task  *task.Task
	index int // Index in the heap (used by container/heap)
}

// taskHeap implements heap.Interface ordered by
// (priority desc, createdAt asc, id asc).
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// TaskQueue is the thread-safe dispatch queue.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*queuedTask // For quick lookup by task ID
	maxSize int
}

// New creates a queue. maxSize <= 0 means unbounded.
func New(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*queuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task. Returns ErrTaskExists when the id is already
// queued and ErrQueueFull at capacity.
func (q *TaskQueue) Enqueue(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[t.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &queuedTask{task: t}
	heap.Push(&q.heap, qt)
	q.taskMap[t.ID] = qt
	return nil
}

// Dequeue removes and returns the best-ranked task, or nil when empty.
func (q *TaskQueue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*queuedTask)
	delete(q.taskMap, qt.task.ID)
	return qt.task
}

// Remove drops a task by id; reports whether it was present.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, ok := q.taskMap[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, id)
	return true
}

// Contains reports whether the id is queued.
func (q *TaskQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.taskMap[id]
	return ok
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
