package taskqueue

import (
	"container/heap"
	"sync"
	"time"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// indexEntry is one queued task in the priority index.
type indexEntry struct {
	taskID    string
	priority  v1.TaskPriority
	createdAt time.Time
	index     int // position in the heap, maintained by container/heap
}

// entryHeap implements heap.Interface ordered by (priority asc, created_at
// asc): urgent first, FIFO within a priority.
type entryHeap []*indexEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*indexEntry)
	item.index = n
	*h = append(*h, item)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// priorityIndex tracks queued tasks for O(log n) dequeue. Exactly the tasks
// with status queued appear here; assignment removes an entry and reclaim
// reinserts it.
type priorityIndex struct {
	mu      sync.RWMutex
	heap    entryHeap
	entries map[string]*indexEntry
}

func newPriorityIndex() *priorityIndex {
	idx := &priorityIndex{
		heap:    make(entryHeap, 0),
		entries: make(map[string]*indexEntry),
	}
	heap.Init(&idx.heap)
	return idx
}

// Add inserts a task. Re-adding an already indexed task is a no-op.
func (idx *priorityIndex) Add(taskID string, priority v1.TaskPriority, createdAt time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.entries[taskID]; exists {
		return
	}
	entry := &indexEntry{taskID: taskID, priority: priority, createdAt: createdAt}
	heap.Push(&idx.heap, entry)
	idx.entries[taskID] = entry
}

// Remove drops a task from the index.
func (idx *priorityIndex) Remove(taskID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[taskID]
	if !exists {
		return false
	}
	heap.Remove(&idx.heap, entry.index)
	delete(idx.entries, taskID)
	return true
}

// Peek returns the highest-priority task id without removing it.
func (idx *priorityIndex) Peek() (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.heap) == 0 {
		return "", false
	}
	return idx.heap[0].taskID, true
}

// Contains reports whether the task is indexed.
func (idx *priorityIndex) Contains(taskID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[taskID]
	return ok
}

// Len returns the number of indexed tasks.
func (idx *priorityIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.heap)
}

// Ordered returns all indexed task ids in dequeue order. Used by the router
// to snapshot queued work for a scheduling round.
func (idx *priorityIndex) Ordered() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tmp := make(entryHeap, len(idx.heap))
	copy(tmp, idx.heap)
	// Copy entries so popping does not disturb the live heap's indices.
	for i, e := range tmp {
		clone := *e
		clone.index = i
		tmp[i] = &clone
	}

	out := make([]string, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*indexEntry).taskID)
	}
	return out
}

// Reset drops every entry. Used when the owning table is restored.
func (idx *priorityIndex) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.heap = make(entryHeap, 0)
	idx.entries = make(map[string]*indexEntry)
}
