package fanout

import "sync"

// Queue runs posted functions one at a time, in post order, on a single
// goroutine. Posting never blocks, so producers holding locks can enqueue
// notifications without waiting on listeners.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	running bool
	closed  bool
	done    chan struct{}
}

// NewQueue starts a queue.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Post enqueues f. Posts after Close are dropped.
func (q *Queue) Post(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, f)
	q.cond.Broadcast()
}

// Drain blocks until every function posted before the call has run. It
// must not be called from inside a posted function.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.items) > 0 || q.running) && !q.closed {
		q.cond.Wait()
	}
}

// Close stops the queue after the functions already posted have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		f := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.running = true
		q.mu.Unlock()

		f()

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
