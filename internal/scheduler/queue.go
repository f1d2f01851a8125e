package scheduler

import (
	"container/heap"
	"time"

	"github.com/objectfs/mediacache/pkg/types"
)

// task is a pending request to fill one missing chunk
type task struct {
	key        types.ChunkKey
	rng        types.ByteRange
	priority   types.Priority
	enqueuedAt time.Time
	seq        uint64
	index      int // position in the heap, -1 once popped
}

// taskQueue orders tasks by priority, then FIFO by enqueue sequence
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// upgrade raises a queued task's priority in place
func (q *taskQueue) upgrade(t *task, p types.Priority) bool {
	if p <= t.priority || t.index < 0 {
		return false
	}
	t.priority = p
	heap.Fix(q, t.index)
	return true
}

// removeWhere drops every queued task matching fn and returns them
func (q *taskQueue) removeWhere(fn func(*task) bool) []*task {
	var removed []*task
	kept := (*q)[:0]
	for _, t := range *q {
		if fn(t) {
			t.index = -1
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, t := range *q {
		t.index = i
	}
	heap.Init(q)
	return removed
}

// ordered returns the queued tasks in dispatch order without modifying q
func (q taskQueue) ordered() []*task {
	cp := make(taskQueue, len(q))
	for i, t := range q {
		c := *t
		c.index = i
		cp[i] = &c
	}

	out := make([]*task, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*task))
	}
	return out
}
