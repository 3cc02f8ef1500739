package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultTaskTimeout is the per-task bound from §4.C / §5.
const DefaultTaskTimeout = 30 * time.Second

// Task is one unit of scheduled work. It receives a context that is
// canceled after the runner's timeout elapses.
type Task func(ctx context.Context) error

// SerialRunner is a single-producer (per room), single-consumer ordered
// executor: scheduled tasks run strictly one at a time, in submission
// order, each bounded by Timeout. A task that exceeds its timeout is
// canceled and logged, never fatal, and the runner advances to the next
// task (§4.C).
type SerialRunner struct {
	Timeout time.Duration

	mu      sync.Mutex
	pending []Task
	running bool
}

// NewSerialRunner returns a runner with the default 30s per-task timeout.
func NewSerialRunner() *SerialRunner {
	return &SerialRunner{Timeout: DefaultTaskTimeout}
}

// Schedule enqueues task for execution. It never blocks: if no consumer
// loop is currently running, Schedule starts one in a new goroutine.
func (r *SerialRunner) Schedule(task Task) {
	r.mu.Lock()
	r.pending = append(r.pending, task)
	alreadyRunning := r.running
	r.running = true
	r.mu.Unlock()

	if !alreadyRunning {
		go r.drain()
	}
}

func (r *SerialRunner) drain() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}
		task := r.pending[0]
		r.pending = r.pending[1:]
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultTaskTimeout
		}
		r.mu.Unlock()

		r.runOne(task, timeout)
	}
}

func (r *SerialRunner) runOne(task Task, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- task(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("[queue] task failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("[queue] task exceeded %s timeout, canceled", timeout)
		// Drain asynchronously so a wedged task cannot leak goroutines
		// indefinitely if it eventually does return.
		go func() { <-done }()
	}
}
