package call

import "sync"

// serialQueue runs jobs one at a time, in submission order, on its own
// goroutine. Submit never blocks.
type serialQueue struct {
	mu      sync.Mutex
	jobs    []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 {
			if q.closing {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

func (q *serialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit queues job; it is dropped once the queue is closing
func (q *serialQueue) Submit(job func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.signal()
}

// Finish discards pending jobs, runs last, then stops the queue
func (q *serialQueue) Finish(last func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs[:0], last)
	q.closing = true
	q.mu.Unlock()
	q.signal()
}

// Close stops the queue after the jobs already queued have run
func (q *serialQueue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed once the queue goroutine has exited
func (q *serialQueue) Done() <-chan struct{} {
	return q.done
}
