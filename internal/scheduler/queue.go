// internal/scheduler/queue.go
package scheduler

import "container/heap"

// Task is one unit of schedulable work.
type Task struct {
	ID        string
	SessionID string

	// Priority orders dequeue, higher first. Equal priorities dequeue
	// in enqueue order.
	Priority int
}

type queueItem struct {
	task Task
	seq  uint64
}

// taskQueue is a max-heap on priority with an enqueue sequence number
// breaking ties, which keeps equal priorities FIFO.
type taskQueue struct {
	items []queueItem
	seq   uint64
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	if q.items[i].task.Priority != q.items[j].task.Priority {
		return q.items[i].task.Priority > q.items[j].task.Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(queueItem)) }

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *taskQueue) push(t Task) {
	q.seq++
	heap.Push(q, queueItem{task: t, seq: q.seq})
}

func (q *taskQueue) pop() Task {
	return heap.Pop(q).(queueItem).task
}
