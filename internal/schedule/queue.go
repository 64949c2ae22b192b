// Package schedule provides a cancellable per-key delay queue. The
// summarizer arms one entry per user session; rearming a key moves its due
// time, and cancelling removes it. Due times derive from persisted session
// state, so callers can rebuild the queue after a restart.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// Queue fires a callback once per key when that key's due time passes.
type Queue struct {
	fire func(key string)

	mu      sync.Mutex
	items   taskHeap
	index   map[string]*task
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

type task struct {
	key     string
	due     time.Time
	heapPos int
	removed bool
}

// New creates a queue and starts its dispatch goroutine. fire runs on that
// goroutine; long work should be spawned off by the callback.
func New(fire func(key string)) *Queue {
	q := &Queue{
		fire:  fire,
		index: make(map[string]*task),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Arm schedules (or reschedules) key to fire at due.
func (q *Queue) Arm(key string, due time.Time) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if t, ok := q.index[key]; ok {
		t.due = due
		heap.Fix(&q.items, t.heapPos)
	} else {
		t := &task{key: key, due: due}
		q.index[key] = t
		heap.Push(&q.items, t)
	}
	q.mu.Unlock()
	q.kick()
}

// Cancel removes key from the queue, if armed.
func (q *Queue) Cancel(key string) {
	q.mu.Lock()
	if t, ok := q.index[key]; ok {
		t.removed = true
		delete(q.index, key)
	}
	q.mu.Unlock()
	q.kick()
}

// Len returns the number of armed keys.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Stop shuts the dispatch goroutine down and waits for it to exit. Armed
// entries are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	q.kick()
	<-q.done
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}

		// Drop cancelled heads, fire due ones.
		var fired []string
		now := time.Now()
		for q.items.Len() > 0 {
			head := q.items[0]
			if head.removed {
				heap.Pop(&q.items)
				continue
			}
			if head.due.After(now) {
				break
			}
			heap.Pop(&q.items)
			delete(q.index, head.key)
			fired = append(fired, head.key)
		}

		var wait time.Duration
		if q.items.Len() > 0 {
			wait = time.Until(q.items[0].due)
		} else {
			wait = time.Hour
		}
		q.mu.Unlock()

		for _, key := range fired {
			q.fire(key)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.wake:
		case <-timer.C:
		}
	}
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapPos = i
	h[j].heapPos = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.heapPos = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
